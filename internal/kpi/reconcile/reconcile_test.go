package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/kpiledger/internal/kpi/domain"
	"github.com/smallbiznis/kpiledger/internal/kpierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testScope = domain.Scope{RunID: "run-1", FirstDate: "2024-01-01", LastDate: "2024-01-03", AsOf: "2024-01-03"}

func snapshots(t *testing.T, kpi string, relational, dataframe *domain.Results) (domain.Snapshot, domain.Snapshot) {
	t.Helper()
	relational.Engine, dataframe.Engine = domain.EngineRelational, domain.EngineDataframe
	relational.Normalize()
	dataframe.Normalize()
	at := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	a, err := domain.NewSnapshot(1, testScope, relational, kpi, at)
	require.NoError(t, err)
	b, err := domain.NewSnapshot(2, testScope, dataframe, kpi, at)
	require.NoError(t, err)
	return a, b
}

func regional(total, avg int64) *domain.Results {
	return &domain.Results{RegionalRevenue: []domain.RegionRevenue{
		{Region: "North", CustomerCount: 1, OrderCount: 1, TotalRevenueCents: 1000, AvgOrderValueCents: 1000},
		{Region: "South", CustomerCount: 1, OrderCount: 2, TotalRevenueCents: total, AvgOrderValueCents: avg},
	}}
}

func TestReconcileIdenticalSnapshots(t *testing.T) {
	a, b := snapshots(t, domain.KPIRegionalRevenue, regional(125000, 62500), regional(125000, 62500))
	res, err := New(1).Reconcile(a, b)
	require.NoError(t, err)
	assert.True(t, res.Matched())
	assert.NoError(t, res.Err())
	assert.Equal(t, "2024-01-03", res.AsOfDate)
}

func TestReconcileMoneyWithinEpsilon(t *testing.T) {
	a, b := snapshots(t, domain.KPIRegionalRevenue, regional(125000, 62500), regional(125001, 62501))
	res, err := New(1).Reconcile(a, b)
	require.NoError(t, err)
	assert.True(t, res.Matched())

	res, err = New(0).Reconcile(a, b)
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 2)
	assert.Equal(t, "regions[1].total_revenue_cents", res.Mismatches[0].Path)
	assert.Equal(t, int64(125000), res.Mismatches[0].Relational)
	assert.Equal(t, int64(125001), res.Mismatches[0].Dataframe)
}

func TestReconcileCountsAreExact(t *testing.T) {
	left := regional(125000, 62500)
	right := regional(125000, 62500)
	right.RegionalRevenue[1].OrderCount = 3

	a, b := snapshots(t, domain.KPIRegionalRevenue, left, right)
	res, err := New(1000).Reconcile(a, b)
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 1)
	assert.Equal(t, "regions[1].order_count", res.Mismatches[0].Path)

	var recErr *kpierr.ReconciliationError
	require.True(t, errors.As(res.Err(), &recErr))
	assert.Equal(t, domain.KPIRegionalRevenue, recErr.KPI)
	assert.Equal(t, kpierr.CodeReconciliationMismatch, kpierr.CodeOf(res.Err()))
}

func TestReconcileOrderingIsExact(t *testing.T) {
	first := domain.RepeatCustomer{CustomerID: "C1", MobileNumber: "919876543210", Region: "South", OrderCount: 2}
	second := domain.RepeatCustomer{CustomerID: "C2", MobileNumber: "919876543211", Region: "North", OrderCount: 2}
	left := &domain.Results{RepeatCustomers: domain.RepeatCustomers{Count: 2, Customers: []domain.RepeatCustomer{first, second}}}
	right := &domain.Results{RepeatCustomers: domain.RepeatCustomers{Count: 2, Customers: []domain.RepeatCustomer{second, first}}}

	a, b := snapshots(t, domain.KPIRepeatCustomers, left, right)
	res, err := New(1).Reconcile(a, b)
	require.NoError(t, err)
	assert.False(t, res.Matched())
	assert.Equal(t, "customers[0].customer_id", res.Mismatches[0].Path)
}

func TestReconcileLengthMismatch(t *testing.T) {
	left := &domain.Results{MonthlyTrends: []domain.MonthlyTrend{{Year: 2024, Month: 1, OrderCount: 2, TotalRevenueCents: 100}}}
	right := &domain.Results{}

	a, b := snapshots(t, domain.KPIMonthlyTrends, left, right)
	res, err := New(1).Reconcile(a, b)
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 1)
	assert.Equal(t, "months.length", res.Mismatches[0].Path)
}

func TestReconcileTopSpendersComparesLastOrderDate(t *testing.T) {
	spender := domain.TopSpender{CustomerID: "C1", TotalSpendCents: 500, OrderCount: 1, AvgOrderValueCents: 500,
		LastOrderDate: time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)}
	moved := spender
	moved.LastOrderDate = spender.LastOrderDate.Add(time.Microsecond)

	left := &domain.Results{TopSpenders: domain.TopSpenders{WindowStart: "2023-12-05", WindowEnd: "2024-01-04", Limit: 10, Spenders: []domain.TopSpender{spender}}}
	right := &domain.Results{TopSpenders: domain.TopSpenders{WindowStart: "2023-12-05", WindowEnd: "2024-01-04", Limit: 10, Spenders: []domain.TopSpender{moved}}}

	a, b := snapshots(t, domain.KPITopSpenders, left, right)
	res, err := New(1).Reconcile(a, b)
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 1)
	assert.Equal(t, "spenders[0].last_order_date", res.Mismatches[0].Path)
}

func TestReconcileRejectsMismatchedPair(t *testing.T) {
	a, _ := snapshots(t, domain.KPIRegionalRevenue, regional(1, 1), regional(1, 1))
	_, b := snapshots(t, domain.KPIMonthlyTrends, &domain.Results{}, &domain.Results{})
	_, err := New(1).Reconcile(a, b)
	assert.ErrorIs(t, err, ErrSnapshotPair)
}
