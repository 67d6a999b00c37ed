package main

import (
	"github.com/smallbiznis/kpiledger/internal/scheduler"
	"github.com/smallbiznis/kpiledger/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daily ingestion schedule with the ops server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(append(coreModules(),
			scheduler.Module,
			server.Module,
		)...)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}
