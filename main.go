package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "Line-oriented chat relay server",
	Long: `chatrelay accepts TCP clients speaking one markup stanza per line,
authenticates them against a local sqlite store and routes messages
between online users. Messages are persisted whether or not the
recipient is connected.

Configuration is read from --config (TOML) and CHATRELAY_* environment
variables.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file (TOML)")
}
