package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/kpiledger/internal/kpierr"
	"gorm.io/gorm"
)

const (
	ReasonDeadlineExceeded       = "deadline_exceeded"
	ReasonDBLockTimeout          = "db_lock_timeout"
	ReasonSerializationFailure   = "serialization_failure"
	ReasonUniqueViolation        = "unique_violation"
	ReasonValidationFailed       = "validation_failed"
	ReasonCommitFailed           = "commit_failed"
	ReasonReconciliationMismatch = "reconciliation_mismatch"
	ReasonFatal                  = "fatal"
	ReasonUnknown                = "unknown"
)

const (
	OutcomeCommitted        = "committed"
	OutcomeAlreadyCommitted = "already_committed"
	OutcomeRejected         = "rejected"
	OutcomeCommitFailed     = "commit_failed"
	OutcomeFatal            = "fatal"
	OutcomeSkipped          = "skipped"
)

const (
	RecordResultAccepted = "accepted"
	RecordResultRejected = "rejected"
)

// PipelineMetrics captures ingestion and reconciliation health signals.
type PipelineMetrics struct {
	registerer       prometheus.Registerer
	gatherer         prometheus.Gatherer
	partitions       *prometheus.CounterVec
	records          *prometheus.CounterVec
	rejects          *prometheus.CounterVec
	commitDuration   *prometheus.HistogramVec
	lockWait         *prometheus.HistogramVec
	engineDuration   *prometheus.HistogramVec
	mismatches       *prometheus.CounterVec
	expectations     *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobErrors        *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	lastSuccess      *prometheus.GaugeVec
	outcomeCounters  map[string]map[string]prometheus.Counter
	lockWaitObserver map[string]prometheus.Observer
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics registry using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

// NewPipelineMetricsForTest registers a fresh set of collectors on registry.
func NewPipelineMetricsForTest(registry *prometheus.Registry) *PipelineMetrics {
	return newPipelineMetrics(registry, registry, Config{ServiceName: "kpiledger", Environment: "test"})
}

func newPipelineMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "kpiledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	partitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "kpiledger_partitions_total",
		Help:        "Partition attempts finished by source type and outcome.",
		ConstLabels: constLabels,
	}, []string{"source_type", "outcome"})
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "kpiledger_records_total",
		Help:        "Normalized records by source type and result.",
		ConstLabels: constLabels,
	}, []string{"source_type", "result"})
	rejects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "kpiledger_rejects_total",
		Help:        "Rejected records by source type and reason code.",
		ConstLabels: constLabels,
	}, []string{"source_type", "reason"})
	commitDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "kpiledger_commit_duration_seconds",
		Help:        "Warehouse commit latency per partition.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		ConstLabels: constLabels,
	}, []string{"source_type"})
	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "kpiledger_ledger_lock_wait_seconds",
		Help:        "Time spent waiting for a partition lock.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"source_type"})
	engineDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "kpiledger_engine_duration_seconds",
		Help:        "KPI engine computation latency.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"engine"})
	mismatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "kpiledger_reconciliation_mismatches_total",
		Help:        "KPI snapshots the two engines disagreed on.",
		ConstLabels: constLabels,
	}, []string{"kpi"})
	expectations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "kpiledger_expectation_failures_total",
		Help:        "Failed quality expectations by name and severity.",
		ConstLabels: constLabels,
	}, []string{"expectation", "severity"})
	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "kpiledger_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "kpiledger_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "kpiledger_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "kpiledger_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	lastSuccess := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "kpiledger_last_success_timestamp_seconds",
		Help:        "Unix time of the last successful run by command.",
		ConstLabels: constLabels,
	}, []string{"command"})

	registerer.MustRegister(
		partitions,
		records,
		rejects,
		commitDuration,
		lockWait,
		engineDuration,
		mismatches,
		expectations,
		jobRuns,
		jobDuration,
		jobErrors,
		runLoopLag,
		lastSuccess,
	)

	outcomeCounters := map[string]map[string]prometheus.Counter{}
	lockWaitObserver := map[string]prometheus.Observer{}
	for _, source := range []string{"customers", "orders"} {
		counters := map[string]prometheus.Counter{}
		for _, outcome := range []string{
			OutcomeCommitted,
			OutcomeAlreadyCommitted,
			OutcomeRejected,
			OutcomeCommitFailed,
			OutcomeFatal,
			OutcomeSkipped,
		} {
			counters[outcome] = partitions.WithLabelValues(source, outcome)
		}
		outcomeCounters[source] = counters
		lockWaitObserver[source] = lockWait.WithLabelValues(source)
	}

	return &PipelineMetrics{
		registerer:       registerer,
		gatherer:         gatherer,
		partitions:       partitions,
		records:          records,
		rejects:          rejects,
		commitDuration:   commitDuration,
		lockWait:         lockWait,
		engineDuration:   engineDuration,
		mismatches:       mismatches,
		expectations:     expectations,
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		jobErrors:        jobErrors,
		runLoopLag:       runLoopLag,
		lastSuccess:      lastSuccess,
		outcomeCounters:  outcomeCounters,
		lockWaitObserver: lockWaitObserver,
	}
}

// Gatherer exposes the registry backing these collectors for push and scrape.
func (m *PipelineMetrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	return m.gatherer
}

// IncPartition increments the partition outcome counter.
func (m *PipelineMetrics) IncPartition(sourceType, outcome string) {
	if m == nil {
		return
	}
	if counters, ok := m.outcomeCounters[sourceType]; ok {
		if counter, ok := counters[outcome]; ok {
			counter.Inc()
			return
		}
	}
	m.partitions.WithLabelValues(sourceType, outcome).Inc()
}

// AddRecords increments record counts for the given result.
func (m *PipelineMetrics) AddRecords(sourceType, result string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.records.WithLabelValues(sourceType, result).Add(float64(count))
}

// AddRejects increments reject counts for a reason code.
func (m *PipelineMetrics) AddRejects(sourceType, reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.rejects.WithLabelValues(sourceType, reason).Add(float64(count))
}

// ObserveCommitDuration records warehouse commit latency.
func (m *PipelineMetrics) ObserveCommitDuration(sourceType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.commitDuration.WithLabelValues(sourceType).Observe(duration.Seconds())
}

// ObserveLockWait records time spent blocked on a partition lock.
func (m *PipelineMetrics) ObserveLockWait(sourceType string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[sourceType]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.lockWait.WithLabelValues(sourceType).Observe(duration.Seconds())
}

// ObserveEngineDuration records one engine's KPI computation latency.
func (m *PipelineMetrics) ObserveEngineDuration(engine string, duration time.Duration) {
	if m == nil {
		return
	}
	m.engineDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// IncMismatch increments the reconciliation mismatch counter for a KPI.
func (m *PipelineMetrics) IncMismatch(kpi string) {
	if m == nil {
		return
	}
	m.mismatches.WithLabelValues(kpi).Inc()
}

// IncExpectationFailure increments failed expectation counts.
func (m *PipelineMetrics) IncExpectationFailure(name, severity string) {
	if m == nil {
		return
	}
	m.expectations.WithLabelValues(name, severity).Inc()
}

// IncJobRun increments the run counter for a scheduler job.
func (m *PipelineMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *PipelineMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobError increments the scheduler job error counter with classification.
func (m *PipelineMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyReason(err)).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *PipelineMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// MarkSuccess stamps the last successful completion time of a command.
func (m *PipelineMetrics) MarkSuccess(command string, at time.Time) {
	if m == nil {
		return
	}
	m.lastSuccess.WithLabelValues(command).Set(float64(at.Unix()))
}

// ClassifyReason maps pipeline errors to low-cardinality reasons.
func ClassifyReason(err error) string {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonDeadlineExceeded
	}
	switch kpierr.CodeOf(err) {
	case kpierr.CodeValidationFailed:
		return ReasonValidationFailed
	case kpierr.CodeReconciliationMismatch:
		return ReasonReconciliationMismatch
	case kpierr.CodeFatal:
		return ReasonFatal
	}
	if isDBLockTimeout(err) {
		return ReasonDBLockTimeout
	}
	if isSerializationFailure(err) {
		return ReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return ReasonUniqueViolation
	}
	if kpierr.CodeOf(err) == kpierr.CodeCommitFailed {
		return ReasonCommitFailed
	}
	return ReasonUnknown
}

// OutcomeFor maps a partition error to its outcome label.
func OutcomeFor(err error) string {
	switch kpierr.CodeOf(err) {
	case "":
		if err == nil {
			return OutcomeCommitted
		}
		return OutcomeFatal
	case kpierr.CodeAlreadyCommitted:
		return OutcomeAlreadyCommitted
	case kpierr.CodeValidationFailed:
		return OutcomeRejected
	case kpierr.CodeCommitFailed:
		return OutcomeCommitFailed
	default:
		return OutcomeFatal
	}
}

// IsRetryable reports whether the error is transient on the database side.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isDBLockTimeout(err) || isSerializationFailure(err)
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
