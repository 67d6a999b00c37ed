package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/kpiledger/internal/clock"
	"github.com/smallbiznis/kpiledger/internal/kpierr"
	obsmetrics "github.com/smallbiznis/kpiledger/internal/observability/metrics"
	"github.com/smallbiznis/kpiledger/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeIngester struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context) error
}

func (f *fakeIngester) Ingest(ctx context.Context, _ pipeline.IngestRequest) (*pipeline.Report, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return nil, f.fn(ctx)
	}
	return nil, nil
}

func (f *fakeIngester) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestScheduler(t *testing.T, ing Ingester, cfg Config) (*Scheduler, *prometheus.Registry) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	registry := prometheus.NewRegistry()
	s, err := New(Params{
		Log:      zap.NewNop(),
		Ingester: ing,
		GenID:    node,
		Clock:    clock.NewFakeClock(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)),
		Config:   cfg,
		Metrics:  obsmetrics.NewPipelineMetricsForTest(registry),
	})
	require.NoError(t, err)
	return s, registry
}

func TestNewRequiresIngester(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 24*time.Hour, cfg.RunInterval)
	assert.Equal(t, 6*time.Hour, cfg.JobTimeout)

	cfg = Config{RunInterval: time.Minute}.withDefaults()
	assert.Equal(t, time.Minute, cfg.JobTimeout)
}

func TestRunOnceReportsIngestFailure(t *testing.T) {
	ing := &fakeIngester{fn: func(context.Context) error {
		return &kpierr.ValidationError{PartitionID: "1", SourceType: "orders", Date: "2024-01-02", Failed: []string{"orders.amount_positive"}}
	}}
	s, registry := newTestScheduler(t, ing, Config{})

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, kpierr.CodeValidationFailed, kpierr.CodeOf(err))
	assert.Equal(t, 1, ing.Calls())

	count, err := testutil.GatherAndCount(registry, "kpiledger_scheduler_job_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunOnceTimeoutIsSoft(t *testing.T) {
	ing := &fakeIngester{fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	s, _ := newTestScheduler(t, ing, Config{RunInterval: time.Hour, JobTimeout: 5 * time.Millisecond})
	assert.NoError(t, s.RunOnce(context.Background()))
}

func TestRunOnceCancelledParentIsAnError(t *testing.T) {
	ing := &fakeIngester{fn: func(ctx context.Context) error { return ctx.Err() }}
	s, _ := newTestScheduler(t, ing, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	ing := &fakeIngester{}
	s, _ := newTestScheduler(t, ing, Config{RunInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunForever(ctx)
	}()

	require.Eventually(t, func() bool { return ing.Calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
