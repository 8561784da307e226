package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"chatrelay/client"
	"chatrelay/config"

	"github.com/spf13/cobra"
)

var (
	sendAddr     string
	sendUser     string
	sendPassword string
	sendTo       string
	sendBody     string
	sendRegister bool
	sendTimeout  time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Authenticate and send one message",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := sendAddr
		if addr == "" {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			addr = net.JoinHostPort("localhost", strconv.Itoa(cfg.Port))
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()

		c, err := client.Dial(addr, sendTimeout)
		if err != nil {
			return err
		}
		defer c.Close()

		if sendRegister {
			if err := c.Register(ctx, sendUser, sendPassword); err != nil {
				return fmt.Errorf("register: %w", err)
			}
		}
		if err := c.Auth(ctx, sendUser, sendPassword); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if err := c.SendMessage(ctx, sendUser, sendTo, sendBody); err != nil {
			return fmt.Errorf("send: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "delivered to %s\n", sendTo)
		return nil
	},
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendAddr, "addr", "", "relay address (default localhost and the configured port)")
	f.StringVar(&sendUser, "user", "", "username to authenticate as")
	f.StringVar(&sendPassword, "password", "", "password")
	f.StringVar(&sendTo, "to", "", "recipient username")
	f.StringVar(&sendBody, "body", "", "message text")
	f.BoolVar(&sendRegister, "register", false, "register the user before authenticating")
	f.DurationVar(&sendTimeout, "timeout", 5*time.Second, "overall timeout")
	_ = sendCmd.MarkFlagRequired("user")
	_ = sendCmd.MarkFlagRequired("to")
	_ = sendCmd.MarkFlagRequired("body")
	rootCmd.AddCommand(sendCmd)
}
