package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/kpiledger/internal/clock"
	"github.com/smallbiznis/kpiledger/internal/config"
	customerdomain "github.com/smallbiznis/kpiledger/internal/customer/domain"
	customerrepo "github.com/smallbiznis/kpiledger/internal/customer/repository"
	"github.com/smallbiznis/kpiledger/internal/kpi/domain"
	"github.com/smallbiznis/kpiledger/internal/kpi/frameengine"
	kpiservice "github.com/smallbiznis/kpiledger/internal/kpi/service"
	"github.com/smallbiznis/kpiledger/internal/kpi/sqlengine"
	"github.com/smallbiznis/kpiledger/internal/kpierr"
	"github.com/smallbiznis/kpiledger/internal/normalizer"
	obsmetrics "github.com/smallbiznis/kpiledger/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/kpiledger/internal/order/domain"
	orderrepo "github.com/smallbiznis/kpiledger/internal/order/repository"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/partition/lock"
	partitionservice "github.com/smallbiznis/kpiledger/internal/partition/service"
	qualitydomain "github.com/smallbiznis/kpiledger/internal/quality/domain"
	qualityservice "github.com/smallbiznis/kpiledger/internal/quality/service"
	"github.com/smallbiznis/kpiledger/internal/report"
	"github.com/smallbiznis/kpiledger/internal/source"
	"github.com/smallbiznis/kpiledger/internal/testdb"
	"github.com/smallbiznis/kpiledger/internal/warehouse"
	"github.com/smallbiznis/kpiledger/internal/warehouse/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type env struct {
	db       *gorm.DB
	ledger   partitiondomain.Service
	gate     qualitydomain.Service
	pipeline *Pipeline
	incoming string
	out      string
}

func newEnv(t *testing.T, mutate ...func(*config.Config)) *env {
	t.Helper()
	conn := testdb.New(t)
	node, err := snowflake.NewNode(21)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 1, 10, 6, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	cfg := config.Config{
		AppName: "kpiledger",
		Paths:   config.PathsConfig{IncomingDir: t.TempDir(), OutputDir: t.TempDir()},
		Pipeline: config.PipelineConfig{
			CommitTimeout:         time.Minute,
			SourceTimezone:        "UTC",
			ReconcileEpsilonCents: 1,
			TopSpendersLimit:      10,
			TopSpendersWindowDays: 30,
		},
		Phone: config.PhoneConfig{DefaultRegion: "IN", MinNationalDigits: 10, MaxNationalDigits: 10},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	store, err := archive.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ledger := partitionservice.New(partitionservice.Params{DB: conn, Log: log, GenID: node, Clock: clk, Locker: lock.NewKeyedLocker()})
	writer := warehouse.NewWriter(warehouse.WriterParams{
		DB: conn, Log: log, Config: cfg, GenID: node, Clock: clk, Store: store, Ledger: ledger,
		Customers: customerrepo.Provide(), Orders: orderrepo.Provide(),
	})
	reporter, err := report.New(report.Params{
		DB: conn, Log: log, Config: cfg, GenID: node, Clock: clk, Ledger: ledger, Publisher: report.NewPublisher(cfg, log),
	})
	require.NoError(t, err)
	opts, err := normalizer.OptionsFrom(cfg)
	require.NoError(t, err)
	gate := qualityservice.New(qualityservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Ledger: ledger,
		Rules:     config.NewStaticQualityConfigHolder(config.DefaultQualityConfig()),
		Customers: customerrepo.Provide(), Orders: orderrepo.Provide(),
	})
	kpi := kpiservice.New(kpiservice.Params{
		DB: conn, Log: log, Config: cfg, GenID: node, Clock: clk, Ledger: ledger,
		Relational: sqlengine.New(sqlengine.Params{DB: conn, Log: log}),
		Dataframe:  frameengine.New(frameengine.Params{Reader: warehouse.NewReader(store), Log: log}),
		Reporter:   reporter,
	})

	p := New(Params{
		Log: log, Config: cfg, GenID: node, Clock: clk, Ledger: ledger,
		Normalizer: normalizer.New(opts, log),
		Gate:       gate,
		Writer:     writer,
		Reporter:   reporter,
		KPI:        kpi,
		Metrics:    obsmetrics.NewPipelineMetricsForTest(prometheus.NewRegistry()),
	})
	return &env{db: conn, ledger: ledger, gate: gate, pipeline: p, incoming: cfg.Paths.IncomingDir, out: cfg.Paths.OutputDir}
}

func (e *env) drop(t *testing.T, st partitiondomain.SourceType, date, name, body string) {
	t.Helper()
	dir := filepath.Join(e.incoming, string(st), date)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

const customersCSV = `customer_id,customer_name,mobile_number,region,created_at
C1,Asha Rao,+91 98765-43210,South,2024-01-01 08:00:00
C2,Ravi Kumar,9876543211,north,2024-01-01 09:30:00
`

const ordersXML = `<?xml version="1.0"?>
<orders>
  <order><order_id>O1</order_id><mobile_number>9876543210</mobile_number><order_date_time>2024-01-02 09:00:00</order_date_time><total_amount>500</total_amount><status>delivered</status><items><item><sku_id>S1</sku_id><sku_count>2</sku_count></item></items></order>
  <order><order_id>O2</order_id><mobile_number>9876543210</mobile_number><order_date_time>2024-01-02 11:00:00</order_date_time><total_amount>750</total_amount><status>delivered</status></order>
  <order><order_id>O3</order_id><mobile_number>9876543211</mobile_number><order_date_time>2024-01-02 12:00:00</order_date_time><total_amount>120.50</total_amount><status>shipped</status></order>
</orders>
`

func (e *env) seed(t *testing.T) {
	e.drop(t, partitiondomain.SourceCustomers, "2024-01-01", "customers.csv", customersCSV)
	e.drop(t, partitiondomain.SourceOrders, "2024-01-02", "orders.xml", ordersXML)
}

func (e *env) kpiData(t *testing.T, kpi string) json.RawMessage {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(e.out, "kpi", kpi+".json"))
	require.NoError(t, err)
	var artifact report.KPIArtifact
	require.NoError(t, json.Unmarshal(raw, &artifact))
	return artifact.Data
}

func (e *env) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(model).Count(&n).Error)
	return n
}

func TestIngestCommitsAndPublishes(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	rep, err := e.pipeline.Ingest(context.Background(), IngestRequest{AllDates: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{obsmetrics.OutcomeCommitted: 2}, rep.Outcomes())
	require.NotNil(t, rep.KPI)
	assert.True(t, rep.KPI.Reconciled)

	assert.Equal(t, int64(2), e.count(t, &customerdomain.Customer{}))
	assert.Equal(t, int64(3), e.count(t, &orderdomain.Order{}))

	var regional []domain.RegionRevenue
	require.NoError(t, json.Unmarshal(e.kpiData(t, domain.KPIRegionalRevenue), &regional))
	require.Len(t, regional, 2)
	assert.Equal(t, domain.RegionRevenue{Region: "North", CustomerCount: 1, OrderCount: 1, TotalRevenueCents: 12050, AvgOrderValueCents: 12050}, regional[0])
	assert.Equal(t, domain.RegionRevenue{Region: "South", CustomerCount: 1, OrderCount: 2, TotalRevenueCents: 125000, AvgOrderValueCents: 62500}, regional[1])

	for _, name := range []string{"quality/summary.json", "history/ingestion_runs.json"} {
		_, err := os.Stat(filepath.Join(e.out, name))
		assert.NoError(t, err, name)
	}
}

func TestIngestDefaultsToClockDate(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.drop(t, partitiondomain.SourceCustomers, "2024-01-10", "customers.csv", `customer_id,customer_name,mobile_number,region,created_at
C9,Meera Iyer,9876543219,West,2024-01-10 08:00:00
`)

	rep, err := e.pipeline.Ingest(context.Background(), IngestRequest{})
	require.NoError(t, err)
	parts := rep.Partitions()
	require.Len(t, parts, 2)
	for _, res := range parts {
		assert.Equal(t, "2024-01-10", res.Key.Date)
	}
	assert.Equal(t, 1, rep.Outcomes()[obsmetrics.OutcomeCommitted])
	assert.Equal(t, 1, rep.Outcomes()[obsmetrics.OutcomeSkipped])
	assert.Equal(t, int64(1), e.count(t, &customerdomain.Customer{}))
	assert.Zero(t, e.count(t, &orderdomain.Order{}))
}

func TestIngestIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	_, err := e.pipeline.Ingest(context.Background(), IngestRequest{AllDates: true})
	require.NoError(t, err)
	before := map[string]json.RawMessage{}
	for _, kpi := range domain.Names {
		before[kpi] = e.kpiData(t, kpi)
	}

	rep, err := e.pipeline.Ingest(context.Background(), IngestRequest{AllDates: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{obsmetrics.OutcomeAlreadyCommitted: 2}, rep.Outcomes())

	assert.Equal(t, int64(2), e.count(t, &customerdomain.Customer{}))
	assert.Equal(t, int64(3), e.count(t, &orderdomain.Order{}))
	assert.Equal(t, int64(2), e.count(t, &partitiondomain.Attempt{}))
	for _, kpi := range domain.Names {
		assert.JSONEq(t, string(before[kpi]), string(e.kpiData(t, kpi)), kpi)
	}
}

func TestIngestWritesRejectsAndCommitsCleanRows(t *testing.T) {
	e := newEnv(t)
	e.drop(t, partitiondomain.SourceCustomers, "2024-01-01", "customers.csv", customersCSV)
	e.drop(t, partitiondomain.SourceOrders, "2024-01-02", "orders.xml", `<orders>
  <order><order_id>O1</order_id><mobile_number>9876543210</mobile_number><order_date_time>2024-01-02 09:00:00</order_date_time><total_amount>500</total_amount></order>
  <order><order_id>O2</order_id><mobile_number>9876543210</mobile_number><order_date_time>31-02-2024</order_date_time><total_amount>750</total_amount></order>
  <order><order_id>O3</order_id><mobile_number>9876543211</mobile_number><order_date_time>2024-01-02 12:00:00</order_date_time><total_amount>100</total_amount></order>
</orders>`)

	rep, err := e.pipeline.Ingest(context.Background(), IngestRequest{AllDates: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.count(t, &orderdomain.Order{}))

	var orders PartitionResult
	for _, p := range rep.Partitions() {
		if p.Key.SourceType == partitiondomain.SourceOrders {
			orders = p
		}
	}
	assert.Equal(t, 2, orders.Accepted)
	assert.Equal(t, 1, orders.Rejected)
	assert.NotEmpty(t, orders.RejectReportURI)

	raw, err := os.ReadFile(filepath.Join(e.out, "rejects", "orders", "2024-01-02", "g1.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)
	var reject normalizer.RejectRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &reject))
	assert.Equal(t, kpierr.CodeUnparseableDate, reject.Reason)
	assert.Contains(t, reject.Payload, "31-02-2024")

	current, err := e.ledger.Current(context.Background(), partitiondomain.Key{SourceType: partitiondomain.SourceOrders, Date: "2024-01-02"})
	require.NoError(t, err)
	assert.Equal(t, 1, current.RejectCount)
	assert.Equal(t, orders.RejectReportURI, current.RejectReportURI)
}

func TestIngestRejectedPartitionFailsRun(t *testing.T) {
	e := newEnv(t)
	e.drop(t, partitiondomain.SourceCustomers, "2024-01-01", "customers.csv", customersCSV)
	e.drop(t, partitiondomain.SourceOrders, "2024-01-02", "orders.xml", `<orders>
  <order><order_id>O1</order_id><mobile_number>9876543210</mobile_number><order_date_time>2024-01-02 09:00:00</order_date_time><total_amount>0</total_amount></order>
</orders>`)

	rep, err := e.pipeline.Ingest(context.Background(), IngestRequest{AllDates: true})
	require.Error(t, err)
	assert.Equal(t, kpierr.CodeValidationFailed, kpierr.CodeOf(err))
	assert.Equal(t, map[string]int{obsmetrics.OutcomeCommitted: 1, obsmetrics.OutcomeRejected: 1}, rep.Outcomes())
	assert.Equal(t, int64(0), e.count(t, &orderdomain.Order{}))

	current, err := e.ledger.Current(context.Background(), partitiondomain.Key{SourceType: partitiondomain.SourceOrders, Date: "2024-01-02"})
	require.NoError(t, err)
	assert.Equal(t, partitiondomain.StatusRejected, current.Status)
}

func TestIngestHaltsOnValidationErrorWhenConfigured(t *testing.T) {
	badOrders := `<orders>
  <order><order_id>O1</order_id><mobile_number>9876543210</mobile_number><order_date_time>2024-01-02 09:00:00</order_date_time><total_amount>0</total_amount></order>
</orders>`
	goodOrders := `<orders>
  <order><order_id>O2</order_id><mobile_number>9876543210</mobile_number><order_date_time>2024-01-03 09:00:00</order_date_time><total_amount>10</total_amount></order>
</orders>`

	for _, halt := range []bool{false, true} {
		e := newEnv(t, func(c *config.Config) { c.Pipeline.HaltOnValidationError = halt })
		e.drop(t, partitiondomain.SourceCustomers, "2024-01-01", "customers.csv", customersCSV)
		e.drop(t, partitiondomain.SourceOrders, "2024-01-02", "orders.xml", badOrders)
		e.drop(t, partitiondomain.SourceOrders, "2024-01-03", "orders.xml", goodOrders)

		rep, err := e.pipeline.Ingest(context.Background(), IngestRequest{AllDates: true})
		require.Error(t, err)
		assert.Equal(t, kpierr.CodeValidationFailed, kpierr.CodeOf(err))
		if halt {
			assert.Equal(t, map[string]int{obsmetrics.OutcomeCommitted: 1, obsmetrics.OutcomeRejected: 1}, rep.Outcomes())
			assert.Nil(t, rep.KPI)
			assert.Equal(t, int64(0), e.count(t, &orderdomain.Order{}))
		} else {
			assert.Equal(t, map[string]int{obsmetrics.OutcomeCommitted: 2, obsmetrics.OutcomeRejected: 1}, rep.Outcomes())
			require.NotNil(t, rep.KPI)
			assert.Equal(t, int64(1), e.count(t, &orderdomain.Order{}))
		}
	}
}

func TestBackfillForceReplaysIdenticalOutputs(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.drop(t, partitiondomain.SourceOrders, "2024-01-03", "orders.xml", `<orders>
  <order><order_id>O4</order_id><mobile_number>9876543211</mobile_number><order_date_time>2024-01-03 10:00:00</order_date_time><total_amount>80</total_amount></order>
</orders>`)

	req := BackfillRequest{Start: "2024-01-01", End: "2024-01-03"}
	rep, err := e.pipeline.Backfill(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Outcomes()[obsmetrics.OutcomeCommitted])
	before := map[string]json.RawMessage{}
	for _, kpi := range domain.Names {
		before[kpi] = e.kpiData(t, kpi)
	}

	req.Force = true
	rep, err = e.pipeline.Backfill(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Outcomes()[obsmetrics.OutcomeCommitted])
	for _, kpi := range domain.Names {
		assert.JSONEq(t, string(before[kpi]), string(e.kpiData(t, kpi)), kpi)
	}

	current, err := e.ledger.Current(context.Background(), partitiondomain.Key{SourceType: partitiondomain.SourceOrders, Date: "2024-01-02"})
	require.NoError(t, err)
	assert.Equal(t, 2, current.Generation)
	assert.Equal(t, int64(4), e.count(t, &orderdomain.Order{}))

	var superseded int64
	require.NoError(t, e.db.Model(&partitiondomain.Attempt{}).Where("status = ?", partitiondomain.StatusSuperseded).Count(&superseded).Error)
	assert.Equal(t, int64(3), superseded)
}

func TestBackfillCancelledKeepsCommittedPartitions(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.pipeline.Backfill(ctx, BackfillRequest{Start: "2024-01-01", End: "2024-01-02"})
	require.Error(t, err)

	rep, err := e.pipeline.Backfill(context.Background(), BackfillRequest{Start: "2024-01-01", End: "2024-01-02", Resume: true})
	require.NoError(t, err)
	assert.True(t, rep.KPI.Reconciled)
	assert.Equal(t, int64(3), e.count(t, &orderdomain.Order{}))
}

func TestResumedForcedBackfillKeepsSuperseding(t *testing.T) {
	e := newEnv(t)
	dates := []string{"2024-01-01", "2024-01-02", "2024-01-03"}
	for i, date := range dates {
		e.drop(t, partitiondomain.SourceCustomers, date, "customers.csv", fmt.Sprintf(
			"customer_id,customer_name,mobile_number,region,created_at\nC%d,Customer %d,98765432%02d,South,%s 08:00:00\n",
			i+1, i+1, i+1, date))
	}
	customersOnly := []partitiondomain.SourceType{partitiondomain.SourceCustomers}

	rep, err := e.pipeline.Backfill(context.Background(), BackfillRequest{Sources: customersOnly, Start: dates[0], End: dates[2]})
	require.NoError(t, err)
	require.Equal(t, 3, rep.Outcomes()[obsmetrics.OutcomeCommitted])

	// a forced backfill cancelled after its first date
	now := time.Date(2024, 1, 10, 6, 0, 0, 0, time.UTC)
	require.NoError(t, e.db.Create(&partitiondomain.BackfillRun{
		ID: snowflake.ID(7), RunID: "cancelled", SourceType: partitiondomain.SourceCustomers,
		StartDate: dates[0], EndDate: dates[2], Force: true, CursorDate: dates[1],
		Status: partitiondomain.BackfillCancelled, CreatedAt: now, UpdatedAt: now,
	}).Error)

	rep, err = e.pipeline.Backfill(context.Background(), BackfillRequest{Sources: customersOnly, Start: dates[0], End: dates[2], Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Outcomes()[obsmetrics.OutcomeCommitted])
	assert.Zero(t, rep.Outcomes()[obsmetrics.OutcomeAlreadyCommitted])

	for date, generation := range map[string]int{dates[0]: 1, dates[1]: 2, dates[2]: 2} {
		current, err := e.ledger.Current(context.Background(), partitiondomain.Key{SourceType: partitiondomain.SourceCustomers, Date: date})
		require.NoError(t, err)
		assert.Equal(t, generation, current.Generation, date)
	}
}

func TestResumedValidatedAttemptKeepsItsExpectationResults(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	ctx := context.Background()

	// an earlier run gated the partition and died before committing
	key := partitiondomain.Key{SourceType: partitiondomain.SourceCustomers, Date: "2024-01-01"}
	files, err := source.Discover(e.incoming, key)
	require.NoError(t, err)
	records, err := source.Read(key.SourceType, files)
	require.NoError(t, err)
	lease, err := e.ledger.Begin(ctx, partitiondomain.BeginRequest{
		Key: key, RunID: "earlier", Checksum: source.CombinedChecksum(files), FileCount: len(files),
	})
	require.NoError(t, err)
	verdict, err := e.gate.Evaluate(ctx, lease, e.pipeline.normalizer.Normalize(key, files, records))
	require.NoError(t, err)
	require.True(t, verdict.Passed)
	lease.Release()

	rep, err := e.pipeline.Ingest(ctx, IngestRequest{Sources: []partitiondomain.SourceType{partitiondomain.SourceCustomers}, Date: key.Date})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Outcomes()[obsmetrics.OutcomeCommitted])

	raw, err := os.ReadFile(filepath.Join(e.out, "quality", "summary.json"))
	require.NoError(t, err)
	var summary report.QualitySummary
	require.NoError(t, json.Unmarshal(raw, &summary))
	require.Len(t, summary.Partitions, 1)
	assert.True(t, summary.Partitions[0].Passed)
	require.Len(t, summary.Expectations, len(verdict.Results))
	for _, res := range summary.Expectations {
		assert.Equal(t, lease.Attempt.ID, res.PartitionID)
	}
}

func TestKPIWithNothingCommitted(t *testing.T) {
	e := newEnv(t)
	rep, err := e.pipeline.KPI(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep.KPI)
	assert.True(t, rep.KPI.SkippedEmpty)
}

func TestDateBarrierReleasesWaiters(t *testing.T) {
	b := newDateBarrier([]string{"2024-01-01", "2024-01-02"})
	done := make(chan error, 1)
	go func() { done <- b.wait(context.Background(), "2024-01-02") }()

	b.release("2024-01-01")
	select {
	case <-done:
		t.Fatal("waiter released by another date")
	case <-time.After(20 * time.Millisecond):
	}
	b.releaseAll()
	require.NoError(t, <-done)
	require.NoError(t, b.wait(context.Background(), "2024-01-01"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fresh := newDateBarrier([]string{"2024-01-05"})
	assert.ErrorIs(t, fresh.wait(ctx, "2024-01-05"), context.Canceled)
}
