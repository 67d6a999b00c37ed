package main

import (
	"context"

	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/pipeline"
	"github.com/spf13/cobra"
)

var ingestOpts struct {
	source   string
	date     string
	allDates bool
	force    bool
}

func init() {
	ingestCmd.Flags().StringVar(&ingestOpts.source, "source", sourceAll, "customers, orders or all")
	ingestCmd.Flags().StringVar(&ingestOpts.date, "date", "", "partition date YYYY-MM-DD (default: today, UTC)")
	ingestCmd.Flags().BoolVar(&ingestOpts.allDates, "all-dates", false, "ingest every dated directory found under the incoming dir")
	ingestCmd.MarkFlagsMutuallyExclusive("date", "all-dates")
	ingestCmd.Flags().BoolVar(&ingestOpts.force, "force", false, "re-commit partitions that are already committed")
	rootCmd.AddCommand(ingestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest incoming partitions, then recompute and reconcile the KPIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := parseSources(ingestOpts.source)
		if err != nil {
			return err
		}
		if ingestOpts.date != "" {
			if _, err := partitiondomain.NewKey(sources[0], ingestOpts.date); err != nil {
				return err
			}
		}
		req := pipeline.IngestRequest{
			Sources:  sources,
			Date:     ingestOpts.date,
			AllDates: ingestOpts.allDates,
			Force:    ingestOpts.force,
		}
		return runPipeline(cmd.OutOrStdout(), func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error) {
			return p.Ingest(ctx, req)
		})
	},
}
