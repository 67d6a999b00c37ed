// Package frameengine computes KPIs with a columnar pipeline over the Parquet
// archive, independently of the row store.
package frameengine

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/smallbiznis/kpiledger/internal/kpi/domain"
	obsmetrics "github.com/smallbiznis/kpiledger/internal/observability/metrics"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/warehouse"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// loadConcurrency bounds how many partitions are decoded at once.
const loadConcurrency = 4

var (
	customerFields = []arrow.Field{
		{Name: "customer_id", Type: arrow.BinaryTypes.String},
		{Name: "customer_name", Type: arrow.BinaryTypes.String},
		{Name: "mobile_number", Type: arrow.BinaryTypes.String},
		{Name: "region", Type: arrow.BinaryTypes.String},
	}
	orderFields = []arrow.Field{
		{Name: "order_id", Type: arrow.BinaryTypes.String},
		{Name: "mobile_number", Type: arrow.BinaryTypes.String},
		{Name: "order_date_time", Type: arrow.FixedWidthTypes.Timestamp_us},
		{Name: "total_amount_cents", Type: arrow.PrimitiveTypes.Int64},
	}
	customerKeys = []string{"customer_id", "customer_name", "mobile_number", "region"}
)

type Params struct {
	fx.In

	Reader  *warehouse.Reader
	Log     *zap.Logger
	Metrics *obsmetrics.PipelineMetrics `optional:"true"`
}

// Engine is the dataframe KPI engine.
type Engine struct {
	reader  *warehouse.Reader
	log     *zap.Logger
	metrics *obsmetrics.PipelineMetrics
}

func New(p Params) *Engine {
	return &Engine{
		reader:  p.Reader,
		log:     p.Log.Named("kpi.dataframe"),
		metrics: p.Metrics,
	}
}

func (e *Engine) Name() string { return domain.EngineDataframe }

func (e *Engine) Compute(ctx context.Context, scope domain.Scope) (*domain.Results, error) {
	start := time.Now()

	customers, err := e.load(ctx, scope.CustomerPartitions, customerFields)
	if err != nil {
		return nil, fmt.Errorf("load customers: %w", err)
	}
	defer customers.Release()
	orders, err := e.load(ctx, scope.OrderPartitions, orderFields)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	defer orders.Release()

	joined := orders.InnerJoin(customers, "mobile_number", "mobile_number")
	defer joined.Release()

	results := &domain.Results{
		Engine:          domain.EngineDataframe,
		RepeatCustomers: repeatCustomers(joined),
		MonthlyTrends:   monthlyTrends(orders),
		RegionalRevenue: regionalRevenue(joined),
		TopSpenders:     domain.TopSpenders{Limit: scope.TopN},
	}
	if scope.HasWindow() {
		results.TopSpenders.WindowStart = scope.WindowStart.Format(time.DateOnly)
		results.TopSpenders.WindowEnd = scope.WindowEnd.Format(time.DateOnly)
		results.TopSpenders.Spenders = topSpenders(joined, scope)
	}
	results.Normalize()

	duration := time.Since(start)
	e.metrics.ObserveEngineDuration(domain.EngineDataframe, duration)
	e.log.Info("kpi.engine.finish",
		zap.String("run_id", scope.RunID),
		zap.Int("customers", customers.Len()),
		zap.Int("orders", orders.Len()),
		zap.Int("joined", joined.Len()),
		zap.Duration("duration", duration),
	)
	return results, nil
}

// load decodes the archived partitions of attempts into one frame. Each
// archive manifest must still name the attempt the ledger handed out.
func (e *Engine) load(ctx context.Context, attempts []partitiondomain.Attempt, fields []arrow.Field) (*Frame, error) {
	mem := e.reader.Allocator()
	frames := make([]*Frame, len(attempts))
	defer func() {
		for _, f := range frames {
			if f != nil {
				f.Release()
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, attempt := range attempts {
		g.Go(func() error {
			tbl, err := e.reader.Load(gctx, attempt)
			if err != nil {
				return fmt.Errorf("%s: %w", attempt.Key(), err)
			}
			defer tbl.Release()
			frame, err := FromTable(mem, tbl, fields)
			if err != nil {
				return fmt.Errorf("%s: %w", attempt.Key(), err)
			}
			frames[i] = frame
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Concat(mem, fields, frames...)
}

func repeatCustomers(joined *Frame) domain.RepeatCustomers {
	grouped := joined.GroupBy(customerKeys...).Agg(Count("order_count"))
	defer grouped.Release()
	counts := grouped.Int64s("order_count")
	repeat := grouped.Filter(func(i int) bool { return counts.Value(i) > 1 })
	defer repeat.Release()
	sorted := repeat.Sort(Desc("order_count"), Asc("customer_id"))
	defer sorted.Release()

	ids, names, mobiles, regions := customerColumns(sorted)
	orderCounts := sorted.Int64s("order_count")
	out := domain.RepeatCustomers{Count: int64(sorted.Len())}
	for i := 0; i < sorted.Len(); i++ {
		out.Customers = append(out.Customers, domain.RepeatCustomer{
			CustomerID:   ids.Value(i),
			CustomerName: names.Value(i),
			MobileNumber: mobiles.Value(i),
			Region:       regions.Value(i),
			OrderCount:   orderCounts.Value(i),
		})
	}
	return out
}

func monthlyTrends(orders *Frame) []domain.MonthlyTrend {
	placed := orders.Timestamps("order_date_time")
	years := array.NewInt64Builder(orders.mem)
	months := array.NewInt64Builder(orders.mem)
	defer years.Release()
	defer months.Release()
	for i := 0; i < orders.Len(); i++ {
		t := time.UnixMicro(warehouse.TimestampMicros(placed, i)).UTC()
		years.Append(int64(t.Year()))
		months.Append(int64(t.Month()))
	}

	withYear := orders.WithColumn(arrow.Field{Name: "order_year", Type: arrow.PrimitiveTypes.Int64}, years.NewArray())
	defer withYear.Release()
	withMonth := withYear.WithColumn(arrow.Field{Name: "order_month", Type: arrow.PrimitiveTypes.Int64}, months.NewArray())
	defer withMonth.Release()

	grouped := withMonth.GroupBy("order_year", "order_month").
		Agg(Count("order_count"), Sum("total_amount_cents", "total_revenue_cents"))
	defer grouped.Release()
	sorted := grouped.Sort(Asc("order_year"), Asc("order_month"))
	defer sorted.Release()

	y, m := sorted.Int64s("order_year"), sorted.Int64s("order_month")
	counts, revenue := sorted.Int64s("order_count"), sorted.Int64s("total_revenue_cents")
	var out []domain.MonthlyTrend
	for i := 0; i < sorted.Len(); i++ {
		out = append(out, domain.MonthlyTrend{
			Year:              int(y.Value(i)),
			Month:             int(m.Value(i)),
			OrderCount:        counts.Value(i),
			TotalRevenueCents: revenue.Value(i),
		})
	}
	return out
}

func regionalRevenue(joined *Frame) []domain.RegionRevenue {
	grouped := joined.GroupBy("region").Agg(
		CountDistinct("customer_id", "customer_count"),
		Count("order_count"),
		Sum("total_amount_cents", "total_revenue_cents"),
	)
	defer grouped.Release()
	sorted := grouped.Sort(Asc("region"))
	defer sorted.Release()

	regions := sorted.Strings("region")
	customers, counts, revenue := sorted.Int64s("customer_count"), sorted.Int64s("order_count"), sorted.Int64s("total_revenue_cents")
	var out []domain.RegionRevenue
	for i := 0; i < sorted.Len(); i++ {
		out = append(out, domain.RegionRevenue{
			Region:             regions.Value(i),
			CustomerCount:      customers.Value(i),
			OrderCount:         counts.Value(i),
			TotalRevenueCents:  revenue.Value(i),
			AvgOrderValueCents: domain.AvgCents(revenue.Value(i), counts.Value(i)),
		})
	}
	return out
}

func topSpenders(joined *Frame, scope domain.Scope) []domain.TopSpender {
	placed := joined.Timestamps("order_date_time")
	from, until := scope.WindowStart.UnixMicro(), scope.WindowEnd.UnixMicro()
	window := joined.Filter(func(i int) bool {
		us := warehouse.TimestampMicros(placed, i)
		return us >= from && us < until
	})
	defer window.Release()

	grouped := window.GroupBy(customerKeys...).Agg(
		Sum("total_amount_cents", "total_spend_cents"),
		Count("order_count"),
		Max("order_date_time", "last_order_date"),
	)
	defer grouped.Release()
	sorted := grouped.Sort(Desc("total_spend_cents"), Asc("customer_id"))
	defer sorted.Release()
	top := sorted.Head(scope.TopN)
	defer top.Release()

	ids, names, mobiles, regions := customerColumns(top)
	spend, counts, last := top.Int64s("total_spend_cents"), top.Int64s("order_count"), top.Timestamps("last_order_date")
	var out []domain.TopSpender
	for i := 0; i < top.Len(); i++ {
		out = append(out, domain.TopSpender{
			CustomerID:         ids.Value(i),
			CustomerName:       names.Value(i),
			MobileNumber:       mobiles.Value(i),
			Region:             regions.Value(i),
			TotalSpendCents:    spend.Value(i),
			OrderCount:         counts.Value(i),
			AvgOrderValueCents: domain.AvgCents(spend.Value(i), counts.Value(i)),
			LastOrderDate:      time.UnixMicro(warehouse.TimestampMicros(last, i)).UTC(),
		})
	}
	return out
}

func customerColumns(f *Frame) (ids, names, mobiles, regions *array.String) {
	return f.Strings("customer_id"), f.Strings("customer_name"), f.Strings("mobile_number"), f.Strings("region")
}
