package main

import (
	"chatrelay/app"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		relay := fx.New(app.Module(app.Params{ConfigPath: configFile}))
		if err := relay.Err(); err != nil {
			return err
		}
		relay.Run()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
