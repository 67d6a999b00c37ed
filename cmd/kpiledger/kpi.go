package main

import (
	"context"

	"github.com/smallbiznis/kpiledger/internal/pipeline"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(kpiCmd)
}

var kpiCmd = &cobra.Command{
	Use:   "kpi",
	Short: "Recompute and reconcile the KPIs over committed partitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.OutOrStdout(), func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error) {
			return p.KPI(ctx)
		})
	},
}
