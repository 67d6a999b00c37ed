// Package scheduler runs the daily ingestion flow in serve mode.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kpiledger/internal/clock"
	obsmetrics "github.com/smallbiznis/kpiledger/internal/observability/metrics"
	"github.com/smallbiznis/kpiledger/internal/pipeline"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const jobDailyIngest = "daily_ingest"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Ingester runs one ingestion pass.
type Ingester interface {
	Ingest(ctx context.Context, req pipeline.IngestRequest) (*pipeline.Report, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Ingester Ingester
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config                      `optional:"true"`
	Metrics  *obsmetrics.PipelineMetrics `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	ingester Ingester
	metrics  *obsmetrics.PipelineMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Ingester == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		ingester: p.Ingester,
		metrics:  p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context, run *jobRun) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name)
	s.logJobStart(ctx, run)
	s.metrics.IncJobRun(name)

	err := fn(ctx, run)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		// committed partitions stay; the next tick resumes the rest
		s.logger(ctx).Warn("scheduler.job.timeout", zap.String("job", name), zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce ingests every dated directory under the incoming dir. Partitions
// already committed are no-ops, so a tick only picks up new days.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.runJob(ctx, jobDailyIngest, s.cfg.JobTimeout, s.DailyIngestJob)
}

func (s *Scheduler) DailyIngestJob(ctx context.Context, run *jobRun) error {
	rep, err := s.ingester.Ingest(ctx, pipeline.IngestRequest{AllDates: true})
	if rep != nil {
		for outcome, n := range rep.Outcomes() {
			if outcome == obsmetrics.OutcomeCommitted {
				run.AddProcessed(n)
			}
		}
	}
	return err
}

// RunForever runs a pass immediately and then once per interval until ctx ends.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now()

	for {
		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
