package main

import (
	"context"
	"errors"

	partitionservice "github.com/smallbiznis/kpiledger/internal/partition/service"
	"github.com/smallbiznis/kpiledger/internal/pipeline"
	"github.com/spf13/cobra"
)

var backfillOpts struct {
	source string
	start  string
	end    string
	force  bool
	resume bool
}

func init() {
	backfillCmd.Flags().StringVar(&backfillOpts.source, "source", sourceAll, "customers, orders or all")
	backfillCmd.Flags().StringVar(&backfillOpts.start, "start", "", "first date YYYY-MM-DD")
	backfillCmd.Flags().StringVar(&backfillOpts.end, "end", "", "last date YYYY-MM-DD, inclusive")
	backfillCmd.Flags().BoolVar(&backfillOpts.force, "force", false, "replay dates that are already committed")
	backfillCmd.Flags().BoolVar(&backfillOpts.resume, "resume", false, "continue from the last cursor of an interrupted backfill")
	_ = backfillCmd.MarkFlagRequired("start")
	_ = backfillCmd.MarkFlagRequired("end")
	rootCmd.AddCommand(backfillCmd)
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Ingest a date range in order, one lane per source",
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := parseSources(backfillOpts.source)
		if err != nil {
			return err
		}
		if backfillOpts.force && backfillOpts.resume {
			return errors.New("--force and --resume are mutually exclusive")
		}
		if _, err := partitionservice.DateRange(backfillOpts.start, backfillOpts.end); err != nil {
			return err
		}
		req := pipeline.BackfillRequest{
			Sources: sources,
			Start:   backfillOpts.start,
			End:     backfillOpts.end,
			Force:   backfillOpts.force,
			Resume:  backfillOpts.resume,
		}
		return runPipeline(cmd.OutOrStdout(), func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error) {
			return p.Backfill(ctx, req)
		})
	},
}
