package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kpiledger/internal/clock"
	"github.com/smallbiznis/kpiledger/internal/config"
	customerdomain "github.com/smallbiznis/kpiledger/internal/customer/domain"
	customerrepo "github.com/smallbiznis/kpiledger/internal/customer/repository"
	"github.com/smallbiznis/kpiledger/internal/kpi/domain"
	"github.com/smallbiznis/kpiledger/internal/kpi/frameengine"
	"github.com/smallbiznis/kpiledger/internal/kpi/sqlengine"
	"github.com/smallbiznis/kpiledger/internal/kpierr"
	"github.com/smallbiznis/kpiledger/internal/normalizer"
	orderdomain "github.com/smallbiznis/kpiledger/internal/order/domain"
	orderrepo "github.com/smallbiznis/kpiledger/internal/order/repository"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/partition/lock"
	partitionservice "github.com/smallbiznis/kpiledger/internal/partition/service"
	"github.com/smallbiznis/kpiledger/internal/report"
	"github.com/smallbiznis/kpiledger/internal/testdb"
	"github.com/smallbiznis/kpiledger/internal/warehouse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stack struct {
	db      *gorm.DB
	ledger  partitiondomain.Service
	writer  *warehouse.Writer
	service *Service
	out     string
}

func newStack(t *testing.T) *stack {
	t.Helper()
	conn := testdb.New(t)
	node, err := snowflake.NewNode(11)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Paths:    config.PathsConfig{OutputDir: t.TempDir()},
		Pipeline: config.PipelineConfig{CommitTimeout: time.Minute, ReconcileEpsilonCents: 1, TopSpendersLimit: 10, TopSpendersWindowDays: 30},
	}

	ledger := partitionservice.New(partitionservice.Params{DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk, Locker: lock.NewKeyedLocker()})
	store := newMemStore()
	writer := warehouse.NewWriter(warehouse.WriterParams{
		DB: conn, Log: zap.NewNop(), Config: cfg, GenID: node, Clock: clk, Store: store, Ledger: ledger,
		Customers: customerrepo.Provide(), Orders: orderrepo.Provide(),
	})
	reporter, err := report.New(report.Params{
		DB: conn, Log: zap.NewNop(), Config: cfg, GenID: node, Clock: clk, Ledger: ledger, Publisher: report.NewPublisher(cfg, zap.NewNop()),
	})
	require.NoError(t, err)

	svc := New(Params{
		DB: conn, Log: zap.NewNop(), Config: cfg, GenID: node, Clock: clk, Ledger: ledger,
		Relational: sqlengine.New(sqlengine.Params{DB: conn, Log: zap.NewNop()}),
		Dataframe:  frameengine.New(frameengine.Params{Reader: warehouse.NewReader(store), Log: zap.NewNop()}),
		Reporter:   reporter,
	})
	return &stack{db: conn, ledger: ledger, writer: writer, service: svc, out: cfg.Paths.OutputDir}
}

func (s *stack) commit(t *testing.T, batch *normalizer.Batch) partitiondomain.Attempt {
	t.Helper()
	ctx := context.Background()
	lease, err := s.ledger.Begin(ctx, partitiondomain.BeginRequest{Key: batch.Key, RunID: "seed"})
	require.NoError(t, err)
	defer lease.Release()
	require.NoError(t, s.ledger.Transition(ctx, nil, lease, partitiondomain.StatusValidated, partitiondomain.ActorGate))
	_, err = s.writer.Commit(ctx, warehouse.CommitRequest{Lease: lease, Batch: batch})
	require.NoError(t, err)
	return lease.Attempt
}

func customer(id, mobile, region string) customerdomain.Customer {
	return customerdomain.Customer{CustomerID: id, CustomerName: "Customer " + id, MobileNumber: mobile, Region: region,
		CreatedAt: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}
}

func order(id, mobile string, cents int64, at time.Time) orderdomain.Order {
	return orderdomain.Order{OrderID: id, MobileNumber: mobile, TotalAmountCents: cents, Status: "delivered", OrderDateTime: at}
}

func customersBatch(date string, rows ...customerdomain.Customer) *normalizer.Batch {
	return &normalizer.Batch{Key: partitiondomain.Key{SourceType: partitiondomain.SourceCustomers, Date: date}, Customers: rows}
}

func ordersBatch(date string, rows ...orderdomain.Order) *normalizer.Batch {
	return &normalizer.Batch{Key: partitiondomain.Key{SourceType: partitiondomain.SourceOrders, Date: date}, Orders: rows}
}

func day(d, hour int) time.Time {
	return time.Date(2024, 1, d, hour, 0, 0, 0, time.UTC)
}

func TestRunRepeatCustomersScenario(t *testing.T) {
	s := newStack(t)
	s.commit(t, customersBatch("2024-01-01",
		customer("C1", "919876543210", "South"),
		customer("C2", "919876543211", "North"),
	))
	s.commit(t, ordersBatch("2024-01-02",
		order("O1", "919876543210", 10000, day(2, 9)),
		order("O2", "919876543210", 20000, day(2, 10)),
		order("O3", "919876543210", 30000, day(2, 11)),
		order("O4", "919876543211", 5000, day(2, 12)),
	))

	outcome, err := s.service.Run(context.Background(), "run-1")
	require.NoError(t, err)
	require.True(t, outcome.Reconciled)
	require.Len(t, outcome.Published, len(domain.Names))

	raw, err := os.ReadFile(filepath.Join(s.out, "kpi", "repeat_customers.json"))
	require.NoError(t, err)
	var artifact struct {
		Engines []string               `json:"engines"`
		Data    domain.RepeatCustomers `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &artifact))
	assert.Equal(t, []string{"relational", "dataframe"}, artifact.Engines)
	assert.Equal(t, int64(1), artifact.Data.Count)
	require.Len(t, artifact.Data.Customers, 1)
	assert.Equal(t, "C1", artifact.Data.Customers[0].CustomerID)
	assert.Equal(t, int64(3), artifact.Data.Customers[0].OrderCount)

	attempts, err := s.ledger.Committed(context.Background(), partitiondomain.SourceOrders)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, partitiondomain.StatusReconciled, attempts[0].Status)

	var snapshots int64
	require.NoError(t, s.db.Model(&domain.Snapshot{}).Where("run_id = ?", "run-1").Count(&snapshots).Error)
	assert.Equal(t, int64(2*len(domain.Names)), snapshots)
}

func TestRunRegionalRevenueScenario(t *testing.T) {
	s := newStack(t)
	s.commit(t, customersBatch("2024-01-01", customer("C1", "919876543210", "South")))
	s.commit(t, ordersBatch("2024-01-02",
		order("O1", "919876543210", 50000, day(2, 9)),
		order("O2", "919876543210", 75000, day(2, 10)),
	))

	relational, dataframe, err := s.service.Compute(context.Background(), mustScope(t, s))
	require.NoError(t, err)
	for _, res := range []*domain.Results{relational, dataframe} {
		require.Len(t, res.RegionalRevenue, 1, res.Engine)
		south := res.RegionalRevenue[0]
		assert.Equal(t, "South", south.Region)
		assert.Equal(t, int64(125000), south.TotalRevenueCents, res.Engine)
		assert.Equal(t, int64(62500), south.AvgOrderValueCents, res.Engine)
		assert.Equal(t, int64(1), south.CustomerCount)

		require.Len(t, res.TopSpenders.Spenders, 1)
		top := res.TopSpenders.Spenders[0]
		assert.Equal(t, int64(125000), top.TotalSpendCents)
		assert.True(t, top.LastOrderDate.Equal(day(2, 10)), res.Engine)
		assert.Equal(t, "2023-12-04", res.TopSpenders.WindowStart)
		assert.Equal(t, "2024-01-03", res.TopSpenders.WindowEnd)

		require.Len(t, res.MonthlyTrends, 1)
		assert.Equal(t, domain.MonthlyTrend{Year: 2024, Month: 1, OrderCount: 2, TotalRevenueCents: 125000}, res.MonthlyTrends[0])
	}
}

func mustScope(t *testing.T, s *stack) domain.Scope {
	t.Helper()
	scope, err := s.service.Scope(context.Background(), "run-1")
	require.NoError(t, err)
	return scope
}

// skewedEngine perturbs another engine's output.
type skewedEngine struct {
	domain.Engine
	skew func(*domain.Results)
}

func (e skewedEngine) Compute(ctx context.Context, scope domain.Scope) (*domain.Results, error) {
	res, err := e.Engine.Compute(ctx, scope)
	if err != nil {
		return nil, err
	}
	e.skew(res)
	return res, nil
}

func TestRunMismatchBlocksOnlyTheAffectedKPI(t *testing.T) {
	s := newStack(t)
	s.commit(t, customersBatch("2024-01-01", customer("C1", "919876543210", "South")))
	s.commit(t, ordersBatch("2024-01-02", order("O1", "919876543210", 50000, day(2, 9))))

	s.service.dataframe = skewedEngine{Engine: s.service.dataframe, skew: func(r *domain.Results) {
		r.RegionalRevenue[0].TotalRevenueCents += 5
	}}

	outcome, err := s.service.Run(context.Background(), "run-2")
	require.Error(t, err)
	assert.Equal(t, kpierr.CodeReconciliationMismatch, kpierr.CodeOf(err))
	assert.False(t, outcome.Reconciled)
	require.Len(t, outcome.Mismatched, 1)
	assert.Equal(t, domain.KPIRegionalRevenue, outcome.Mismatched[0].KPI)
	assert.Len(t, outcome.Published, len(domain.Names)-1)

	_, err = os.Stat(filepath.Join(s.out, "discrepancies", "run-2", "regional_revenue.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(s.out, "kpi", "regional_revenue.json"))
	assert.True(t, os.IsNotExist(err))

	attempts, err := s.ledger.Committed(context.Background(), partitiondomain.SourceCustomers)
	require.NoError(t, err)
	assert.Equal(t, partitiondomain.StatusCommitted, attempts[0].Status)
}

func TestRunWithNothingCommitted(t *testing.T) {
	s := newStack(t)
	outcome, err := s.service.Run(context.Background(), "run-3")
	require.NoError(t, err)
	assert.True(t, outcome.SkippedEmpty)
}

func TestRunRereadsAfterForceRecommit(t *testing.T) {
	s := newStack(t)
	s.commit(t, customersBatch("2024-01-01", customer("C1", "919876543210", "South")))
	s.commit(t, ordersBatch("2024-01-02", order("O1", "919876543210", 50000, day(2, 9))))
	_, err := s.service.Run(context.Background(), "run-1")
	require.NoError(t, err)

	ctx := context.Background()
	lease, err := s.ledger.Begin(ctx, partitiondomain.BeginRequest{
		Key: partitiondomain.Key{SourceType: partitiondomain.SourceOrders, Date: "2024-01-02"}, Mode: partitiondomain.ModeForce, RunID: "force",
	})
	require.NoError(t, err)
	require.NoError(t, s.ledger.Transition(ctx, nil, lease, partitiondomain.StatusValidated, partitiondomain.ActorGate))
	_, err = s.writer.Commit(ctx, warehouse.CommitRequest{Lease: lease, Batch: ordersBatch("2024-01-02",
		order("O1", "919876543210", 50000, day(2, 9)),
		order("O9", "919876543210", 1000, day(2, 15)),
	)})
	require.NoError(t, err)
	lease.Release()

	relational, dataframe, err := s.service.Compute(ctx, mustScope(t, s))
	require.NoError(t, err)
	assert.Equal(t, int64(51000), relational.RegionalRevenue[0].TotalRevenueCents)
	assert.Equal(t, relational.RegionalRevenue, dataframe.RegionalRevenue)
}

func (s *stack) forceRecommit(t *testing.T, batch *normalizer.Batch) {
	t.Helper()
	ctx := context.Background()
	lease, err := s.ledger.Begin(ctx, partitiondomain.BeginRequest{Key: batch.Key, Mode: partitiondomain.ModeForce, RunID: "force"})
	require.NoError(t, err)
	defer lease.Release()
	require.NoError(t, s.ledger.Transition(ctx, nil, lease, partitiondomain.StatusValidated, partitiondomain.ActorGate))
	_, err = s.writer.Commit(ctx, warehouse.CommitRequest{Lease: lease, Batch: batch})
	require.NoError(t, err)
}

func TestRelationalEngineRejectsSupersededScope(t *testing.T) {
	s := newStack(t)
	s.commit(t, customersBatch("2024-01-01", customer("C1", "919876543210", "South")))
	orders := ordersBatch("2024-01-02", order("O1", "919876543210", 50000, day(2, 9)))
	s.commit(t, orders)

	scope := mustScope(t, s)
	s.forceRecommit(t, orders)

	_, err := s.service.relational.Compute(context.Background(), scope)
	assert.ErrorIs(t, err, domain.ErrStaleScope)
	_, err = s.service.dataframe.Compute(context.Background(), scope)
	assert.ErrorIs(t, err, warehouse.ErrManifestMismatch)
}

// interruptedEngine runs hook before its first computation.
type interruptedEngine struct {
	domain.Engine
	once *sync.Once
	hook func()
}

func (e interruptedEngine) Compute(ctx context.Context, scope domain.Scope) (*domain.Results, error) {
	e.once.Do(e.hook)
	return e.Engine.Compute(ctx, scope)
}

func TestRunRetakesScopeAfterConcurrentRecommit(t *testing.T) {
	s := newStack(t)
	s.commit(t, customersBatch("2024-01-01", customer("C1", "919876543210", "South")))
	orders := ordersBatch("2024-01-02", order("O1", "919876543210", 50000, day(2, 9)))
	s.commit(t, orders)

	s.service.relational = interruptedEngine{
		Engine: s.service.relational,
		once:   &sync.Once{},
		hook:   func() { s.forceRecommit(t, orders) },
	}

	outcome, err := s.service.Run(context.Background(), "run-4")
	require.NoError(t, err)
	assert.True(t, outcome.Reconciled)
	assert.Empty(t, outcome.Mismatched)
	assert.Len(t, outcome.Published, len(domain.Names))

	current, err := s.ledger.Current(context.Background(), orders.Key)
	require.NoError(t, err)
	assert.Equal(t, 2, current.Generation)
	assert.Equal(t, current.ID, outcome.Scope.OrderPartitionIDs()[0])

	_, err = os.Stat(filepath.Join(s.out, "discrepancies", "run-4"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunGivesUpOnPersistentlyStaleScope(t *testing.T) {
	s := newStack(t)
	s.commit(t, customersBatch("2024-01-01", customer("C1", "919876543210", "South")))
	s.commit(t, ordersBatch("2024-01-02", order("O1", "919876543210", 50000, day(2, 9))))

	s.service.relational = staleEngine{s.service.relational}

	_, err := s.service.Run(context.Background(), "run-5")
	require.ErrorIs(t, err, domain.ErrStaleScope)
	assert.NotEqual(t, kpierr.CodeReconciliationMismatch, kpierr.CodeOf(err))
}

type staleEngine struct {
	domain.Engine
}

func (staleEngine) Compute(context.Context, domain.Scope) (*domain.Results, error) {
	return nil, domain.ErrStaleScope
}
