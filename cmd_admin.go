package main

import (
	"fmt"

	"chatrelay/config"
	"chatrelay/control"
	"chatrelay/db"

	"github.com/spf13/cobra"
)

var shutdownReason string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print statistics of the running relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		stats, err := control.Send(cfg.ControlSocket, control.CmdStats)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), stats)
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the running relay to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		reply, err := control.Send(cfg.ControlSocket, control.CmdShutdown, shutdownReason)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		store, err := db.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := store.Migrate()
		if err != nil {
			return err
		}
		if result.Changed {
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s to version %d\n", cfg.DBPath, result.Version)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is up to date at version %d\n", cfg.DBPath, result.Version)
		}
		return nil
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config <path>",
	Short: "Write a configuration file with default values",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Save(args[0], config.Default()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
		return nil
	},
}

func init() {
	shutdownCmd.Flags().StringVar(&shutdownReason, "reason", "maintenance", "reason recorded in the relay log")
	rootCmd.AddCommand(statsCmd, shutdownCmd, migrateCmd, initConfigCmd)
}
