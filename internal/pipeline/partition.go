package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kpiledger/internal/kpierr"
	obscontext "github.com/smallbiznis/kpiledger/internal/observability/context"
	obslogger "github.com/smallbiznis/kpiledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/kpiledger/internal/observability/metrics"
	"github.com/smallbiznis/kpiledger/internal/observability/tracing"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	qualitydomain "github.com/smallbiznis/kpiledger/internal/quality/domain"
	"github.com/smallbiznis/kpiledger/internal/source"
	"github.com/smallbiznis/kpiledger/internal/warehouse"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// RunPartition ingests one (source, date) partition. ALREADY_COMMITTED and a
// partition with no input files both finish without error. A validated attempt
// resumed from an earlier run goes straight to commit.
func (p *Pipeline) RunPartition(ctx context.Context, run *RunContext, key partitiondomain.Key, mode partitiondomain.Mode) (res PartitionResult, err error) {
	start := p.clock.Now()
	res = PartitionResult{Key: key}
	ctx = obscontext.WithPartition(ctx, obscontext.Partition{SourceType: string(key.SourceType), Date: key.Date})
	ctx, span := tracing.StartSpan(ctx, "pipeline.partition",
		attribute.String("source_type", string(key.SourceType)),
		attribute.String("partition_date", key.Date),
		attribute.String("mode", string(mode)),
	)
	log := obslogger.WithContext(ctx, p.log)
	defer func() {
		res.Duration = p.clock.Now().Sub(start)
		res.Err = err
		if res.Outcome == "" {
			res.Outcome = obsmetrics.OutcomeFor(err)
		}
		p.metrics.IncPartition(string(key.SourceType), res.Outcome)
		p.otel.RecordPartition(ctx, string(key.SourceType), res.Outcome)
		tracing.EndSpan(span, err)
		if err != nil {
			log.Warn("partition.failed", zap.String("outcome", res.Outcome), zap.Error(err))
		}
	}()

	files, err := source.Discover(p.cfg.Paths.IncomingDir, key)
	if err != nil {
		return res, fatal(nil, fmt.Errorf("discover: %w", err))
	}
	if len(files) == 0 {
		res.Outcome = obsmetrics.OutcomeSkipped
		log.Info("partition.skipped", zap.String("reason", "no input files"))
		return res, nil
	}

	lockStart := p.clock.Now()
	lease, err := p.ledger.Begin(ctx, partitiondomain.BeginRequest{
		Key:       key,
		Mode:      mode,
		RunID:     run.ID,
		Checksum:  source.CombinedChecksum(files),
		FileCount: len(files),
	})
	p.metrics.ObserveLockWait(string(key.SourceType), p.clock.Now().Sub(lockStart))
	if errors.Is(err, partitiondomain.ErrAlreadyCommitted) {
		res.Outcome = obsmetrics.OutcomeAlreadyCommitted
		log.Info("partition.already_committed")
		return res, nil
	}
	if err != nil {
		return res, err
	}
	defer lease.Release()

	res.AttemptID = lease.Attempt.ID.String()
	res.Generation = lease.Attempt.Generation
	log = log.With(zap.String("partition_id", res.AttemptID), zap.Int("generation", res.Generation))

	records, err := source.Read(key.SourceType, files)
	if err != nil {
		return res, p.failAttempt(ctx, lease, fatal(lease, fmt.Errorf("read source files: %w", err)))
	}
	batch := p.normalizer.Normalize(key, files, records)
	res.Accepted = batch.Accepted()
	res.Rejected = len(batch.Rejects)
	p.metrics.AddRecords(string(key.SourceType), obsmetrics.RecordResultAccepted, res.Accepted)
	p.metrics.AddRecords(string(key.SourceType), obsmetrics.RecordResultRejected, res.Rejected)
	p.otel.RecordIngested(ctx, string(key.SourceType), res.Accepted)
	for reason, n := range batch.RejectsByReason() {
		p.metrics.AddRejects(string(key.SourceType), string(reason), n)
		p.otel.RecordRejected(ctx, string(key.SourceType), string(reason), n)
	}

	res.RejectReportURI, err = p.reporter.WriteRejects(ctx, lease.Attempt, batch.Rejects)
	if err != nil {
		return res, p.failAttempt(ctx, lease, fatal(lease, fmt.Errorf("write rejects: %w", err)))
	}

	var verdict *qualitydomain.Verdict
	if lease.Attempt.Status == partitiondomain.StatusPending {
		verdict, err = p.gate.Evaluate(ctx, lease, batch)
		if verdict != nil {
			run.Quality.Add(lease.Attempt, batch, verdict)
		}
		if err != nil {
			return res, err
		}
	} else {
		log.Info("partition.gate.skipped", zap.String("status", string(lease.Attempt.Status)))
		results, err := p.gate.Results(ctx, []snowflake.ID{lease.Attempt.ID})
		if err != nil {
			return res, p.failAttempt(ctx, lease, fatal(lease, fmt.Errorf("load expectation results: %w", err)))
		}
		run.Quality.Add(lease.Attempt, batch, qualitydomain.VerdictFromResults(results))
	}

	commit, err := p.writer.Commit(ctx, warehouse.CommitRequest{
		Lease:           lease,
		Batch:           batch,
		RejectReportURI: res.RejectReportURI,
	})
	if err != nil {
		return res, err
	}
	p.metrics.ObserveCommitDuration(string(key.SourceType), commit.Duration)
	res.Outcome = obsmetrics.OutcomeCommitted
	log.Info("partition.committed",
		zap.Int("rows", commit.Rows),
		zap.Int("rejects", res.Rejected),
		zap.String("archive_version", commit.Manifest.Version),
	)
	return res, nil
}

// failAttempt records cause on the open attempt and returns it.
func (p *Pipeline) failAttempt(ctx context.Context, lease *partitiondomain.Lease, cause error) error {
	if err := p.ledger.RecordError(context.WithoutCancel(ctx), lease, cause); err != nil {
		p.log.Warn("partition.record_error_failed", zap.Error(err))
	}
	return cause
}

func fatal(lease *partitiondomain.Lease, err error) error {
	if lease == nil {
		return kpierr.Fatal("", "", err)
	}
	return kpierr.Fatal(lease.Attempt.ID.String(), string(lease.Attempt.Status), err)
}
