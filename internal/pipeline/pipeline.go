// Package pipeline drives partitions from raw files to published KPIs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kpiledger/internal/clock"
	"github.com/smallbiznis/kpiledger/internal/config"
	kpiservice "github.com/smallbiznis/kpiledger/internal/kpi/service"
	"github.com/smallbiznis/kpiledger/internal/kpierr"
	"github.com/smallbiznis/kpiledger/internal/normalizer"
	obslogger "github.com/smallbiznis/kpiledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/kpiledger/internal/observability/metrics"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	qualitydomain "github.com/smallbiznis/kpiledger/internal/quality/domain"
	"github.com/smallbiznis/kpiledger/internal/report"
	"github.com/smallbiznis/kpiledger/internal/source"
	"github.com/smallbiznis/kpiledger/internal/warehouse"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	CommandIngest   = "ingest"
	CommandBackfill = "backfill"
	CommandKPI      = "kpi"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	Config      config.Config
	GenID       *snowflake.Node
	Clock       clock.Clock
	Ledger      partitiondomain.Service
	Normalizer  *normalizer.Normalizer
	Gate        qualitydomain.Service
	Writer      *warehouse.Writer
	Reporter    *report.Reporter
	KPI         *kpiservice.Service
	Pusher      Pusher                      `optional:"true"`
	Metrics     *obsmetrics.PipelineMetrics `optional:"true"`
	Instruments *obsmetrics.Metrics         `optional:"true"`
}

type Pipeline struct {
	log        *zap.Logger
	cfg        config.Config
	genID      *snowflake.Node
	clock      clock.Clock
	ledger     partitiondomain.Service
	normalizer *normalizer.Normalizer
	gate       qualitydomain.Service
	writer     *warehouse.Writer
	reporter   *report.Reporter
	kpi        *kpiservice.Service
	pusher     Pusher
	metrics    *obsmetrics.PipelineMetrics
	otel       *obsmetrics.Metrics
}

func New(p Params) *Pipeline {
	pusher := p.Pusher
	if pusher == nil {
		pusher = nopPusher{}
	}
	return &Pipeline{
		log:        p.Log.Named("pipeline"),
		cfg:        p.Config,
		genID:      p.GenID,
		clock:      p.Clock,
		ledger:     p.Ledger,
		normalizer: p.Normalizer,
		gate:       p.Gate,
		writer:     p.Writer,
		reporter:   p.Reporter,
		kpi:        p.KPI,
		pusher:     pusher,
		metrics:    p.Metrics,
		otel:       p.Instruments,
	}
}

// PartitionResult is how one partition fared within a run.
type PartitionResult struct {
	Key             partitiondomain.Key `json:"key"`
	AttemptID       string              `json:"attempt_id,omitempty"`
	Generation      int                 `json:"generation,omitempty"`
	Outcome         string              `json:"outcome"`
	Accepted        int                 `json:"accepted"`
	Rejected        int                 `json:"rejected"`
	RejectReportURI string              `json:"reject_report_uri,omitempty"`
	Duration        time.Duration       `json:"duration"`
	Err             error               `json:"-"`
}

// Report collects the results of one run. It is safe for concurrent lanes.
type Report struct {
	RunID         string
	CorrelationID string
	Command       string
	KPI           *kpiservice.Outcome

	mu         sync.Mutex
	partitions []PartitionResult
	errs       []error
}

func (r *Report) add(res PartitionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partitions = append(r.partitions, res)
	if res.Err != nil {
		r.errs = append(r.errs, res.Err)
	}
}

func (r *Report) fail(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seen := range r.errs {
		if seen == err {
			return
		}
	}
	r.errs = append(r.errs, err)
}

// Partitions returns the partition results in completion order.
func (r *Report) Partitions() []PartitionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PartitionResult(nil), r.partitions...)
}

// Err joins every partition and run failure. A nil result means full success.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

// Outcomes counts partitions by outcome label.
func (r *Report) Outcomes() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[string]int{}
	for _, p := range r.partitions {
		counts[p.Outcome]++
	}
	return counts
}

// IngestRequest selects the partitions of an ingest run. An empty Date means
// the clock's current UTC date; AllDates ingests every dated directory found
// under the incoming dir instead.
type IngestRequest struct {
	Sources  []partitiondomain.SourceType
	Date     string
	AllDates bool
	Force    bool
}

// Ingest runs every selected partition through normalize, gate and commit,
// then recomputes and reconciles the KPIs. Customers go before orders so the
// referential expectation sees the same day's customers.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*Report, error) {
	ctx, run := newRunContext(ctx, p.genID, CommandIngest, p.clock.Now())
	rep := &Report{RunID: run.ID, CorrelationID: run.CorrelationID, Command: CommandIngest}
	log := obslogger.WithContext(ctx, p.log)
	date := req.Date
	if date == "" && !req.AllDates {
		date = p.clock.Now().UTC().Format(partitiondomain.DateLayout)
	}
	log.Info("pipeline.ingest.start", zap.String("date", date), zap.Bool("all_dates", req.AllDates), zap.Bool("force", req.Force))

	mode := partitiondomain.ModeNormal
	if req.Force {
		mode = partitiondomain.ModeForce
	}

	err := p.ingestSources(ctx, run, rep, orderedSources(req.Sources), date, mode)
	if err == nil {
		err = p.runKPI(ctx, run, rep)
	}
	return rep, p.finish(ctx, run, rep, err)
}

// ingestSources walks date for every source, or every discovered date when
// date is empty.
func (p *Pipeline) ingestSources(ctx context.Context, run *RunContext, rep *Report, sources []partitiondomain.SourceType, date string, mode partitiondomain.Mode) error {
	for _, st := range sources {
		dates := []string{date}
		if date == "" {
			found, err := source.DiscoverDates(p.cfg.Paths.IncomingDir, st)
			if err != nil {
				return kpierr.Fatal("", "", fmt.Errorf("discover %s dates: %w", st, err))
			}
			dates = found
		}
		for _, d := range dates {
			key, err := partitiondomain.NewKey(st, d)
			if err != nil {
				return err
			}
			res, err := p.RunPartition(ctx, run, key, mode)
			rep.add(res)
			if err := p.stopOn(ctx, err); err != nil {
				return err
			}
		}
	}
	return nil
}

// stopOn returns the error that must end the run: fatal errors, a cancelled
// run, and validation failures when HaltOnValidationError is set.
func (p *Pipeline) stopOn(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if err == nil {
		return nil
	}
	var fatal *kpierr.FatalError
	if errors.As(err, &fatal) {
		return err
	}
	if kpierr.CodeOf(err) == kpierr.CodeValidationFailed && p.cfg.Pipeline.HaltOnValidationError {
		return err
	}
	return nil
}

// KPI recomputes and reconciles the KPIs over what is committed now.
func (p *Pipeline) KPI(ctx context.Context) (*Report, error) {
	ctx, run := newRunContext(ctx, p.genID, CommandKPI, p.clock.Now())
	rep := &Report{RunID: run.ID, CorrelationID: run.CorrelationID, Command: CommandKPI}
	err := p.runKPI(ctx, run, rep)
	return rep, p.finish(ctx, run, rep, err)
}

func (p *Pipeline) runKPI(ctx context.Context, run *RunContext, rep *Report) error {
	outcome, err := p.kpi.Run(ctx, run.ID)
	rep.KPI = outcome
	if outcome != nil {
		for _, pub := range outcome.Published {
			p.otel.RecordKPIPublished(ctx, pub.KPI)
		}
	}
	if err != nil && kpierr.CodeOf(err) == kpierr.CodeReconciliationMismatch {
		// the other KPIs were still published
		rep.fail(err)
		return nil
	}
	return err
}

// finish writes the run artifacts and pushes metrics. cause is the error that
// stopped the run early, if any; the returned error is the run's verdict.
func (p *Pipeline) finish(ctx context.Context, run *RunContext, rep *Report, cause error) error {
	rep.fail(cause)
	// artifacts describe the run even when it was cancelled
	ctx = context.WithoutCancel(ctx)
	log := obslogger.WithContext(ctx, p.log)

	if run.Command != CommandKPI {
		if err := p.reporter.WriteQualitySummary(ctx, run.Quality); err != nil {
			rep.fail(fmt.Errorf("write quality summary: %w", err))
		}
	}
	if err := p.reporter.WriteHistory(ctx); err != nil {
		rep.fail(fmt.Errorf("write history: %w", err))
	}

	err := rep.Err()
	if err == nil {
		p.metrics.MarkSuccess(run.Command, p.clock.Now())
	}
	if perr := p.pusher.Push(ctx, p.metrics.Gatherer()); perr != nil {
		log.Warn("pipeline.metrics.push_failed", zap.Error(perr))
	}

	fields := []zap.Field{
		zap.String("command", run.Command),
		zap.Any("outcomes", rep.Outcomes()),
		zap.Duration("duration", p.clock.Now().Sub(run.StartedAt)),
	}
	if err != nil {
		log.Warn("pipeline.run.failed", append(fields, zap.Error(err))...)
		return err
	}
	log.Info("pipeline.run.finish", fields...)
	return nil
}

func orderedSources(sources []partitiondomain.SourceType) []partitiondomain.SourceType {
	if len(sources) == 0 {
		return []partitiondomain.SourceType{partitiondomain.SourceCustomers, partitiondomain.SourceOrders}
	}
	var out []partitiondomain.SourceType
	for _, st := range []partitiondomain.SourceType{partitiondomain.SourceCustomers, partitiondomain.SourceOrders} {
		for _, want := range sources {
			if want == st {
				out = append(out, st)
				break
			}
		}
	}
	return out
}
