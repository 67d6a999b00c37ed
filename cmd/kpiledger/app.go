package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kpiledger/internal/clock"
	"github.com/smallbiznis/kpiledger/internal/config"
	"github.com/smallbiznis/kpiledger/internal/customer"
	"github.com/smallbiznis/kpiledger/internal/kpi"
	"github.com/smallbiznis/kpiledger/internal/migration"
	"github.com/smallbiznis/kpiledger/internal/normalizer"
	"github.com/smallbiznis/kpiledger/internal/observability"
	"github.com/smallbiznis/kpiledger/internal/order"
	"github.com/smallbiznis/kpiledger/internal/partition"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/pipeline"
	"github.com/smallbiznis/kpiledger/internal/quality"
	"github.com/smallbiznis/kpiledger/internal/report"
	"github.com/smallbiznis/kpiledger/internal/warehouse"
	"github.com/smallbiznis/kpiledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const sourceAll = "all"

// coreModules wires everything a pipeline run needs.
func coreModules() []fx.Option {
	return []fx.Option{
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		customer.Module,
		order.Module,
		partition.Module,
		normalizer.Module,
		quality.Module,
		warehouse.Module,
		report.Module,
		kpi.Module,
		pipeline.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	}
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

type runFunc func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error)

// runPipeline starts the app, runs fn once and stops the app. The returned
// error is non-nil whenever the run did not fully succeed.
func runPipeline(out io.Writer, fn runFunc) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var p *pipeline.Pipeline
	app := fx.New(append(coreModules(), fx.Populate(&p))...)
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		_ = app.Stop(context.Background())
	}()

	rep, err := fn(ctx, p)
	if rep != nil {
		if werr := writeSummary(out, rep); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

type runSummary struct {
	RunID         string         `json:"run_id"`
	CorrelationID string         `json:"correlation_id"`
	Command       string         `json:"command"`
	Partitions    map[string]int `json:"partitions"`
	Published     int            `json:"kpis_published"`
	Mismatched    int            `json:"kpis_mismatched"`
	Error         string         `json:"error,omitempty"`
}

func writeSummary(out io.Writer, rep *pipeline.Report) error {
	summary := runSummary{
		RunID:         rep.RunID,
		CorrelationID: rep.CorrelationID,
		Command:       rep.Command,
		Partitions:    rep.Outcomes(),
	}
	if rep.KPI != nil {
		summary.Published = len(rep.KPI.Published)
		summary.Mismatched = len(rep.KPI.Mismatched)
	}
	if err := rep.Err(); err != nil {
		summary.Error = err.Error()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// parseSources maps the --source flag to source types.
func parseSources(value string) ([]partitiondomain.SourceType, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" || value == sourceAll {
		return partitiondomain.SourceTypes, nil
	}
	st, err := partitiondomain.ParseSourceType(value)
	if err != nil {
		return nil, fmt.Errorf("--source must be customers, orders or all: %w", err)
	}
	return []partitiondomain.SourceType{st}, nil
}
