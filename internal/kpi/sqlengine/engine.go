// Package sqlengine computes KPIs with set-based SQL over the row store.
package sqlengine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kpiledger/internal/kpi/domain"
	obsmetrics "github.com/smallbiznis/kpiledger/internal/observability/metrics"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Metrics *obsmetrics.PipelineMetrics `optional:"true"`
}

// Engine is the relational KPI engine.
type Engine struct {
	db      *gorm.DB
	log     *zap.Logger
	dialect dialect
	metrics *obsmetrics.PipelineMetrics
}

func New(p Params) *Engine {
	return &Engine{
		db:      p.DB,
		log:     p.Log.Named("kpi.relational"),
		dialect: dialect{name: p.DB.Dialector.Name()},
		metrics: p.Metrics,
	}
}

func (e *Engine) Name() string { return domain.EngineRelational }

// Compute reads every KPI inside one read transaction that first checks the
// scope's attempts are still live, so a concurrent supersede surfaces as
// ErrStaleScope instead of an empty aggregate.
func (e *Engine) Compute(ctx context.Context, scope domain.Scope) (*domain.Results, error) {
	start := time.Now()
	customers, orders := scope.CustomerPartitionIDs(), scope.OrderPartitionIDs()
	results := &domain.Results{Engine: domain.EngineRelational}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.checkLive(tx, scope); err != nil {
			return err
		}
		var err error
		if len(customers) > 0 && len(orders) > 0 {
			if results.RepeatCustomers, err = e.repeatCustomers(tx, customers, orders); err != nil {
				return fmt.Errorf("repeat customers: %w", err)
			}
			if results.RegionalRevenue, err = e.regionalRevenue(tx, customers, orders); err != nil {
				return fmt.Errorf("regional revenue: %w", err)
			}
		}
		if len(orders) > 0 {
			if results.MonthlyTrends, err = e.monthlyTrends(tx, orders); err != nil {
				return fmt.Errorf("monthly trends: %w", err)
			}
		}
		results.TopSpenders = domain.TopSpenders{Limit: scope.TopN}
		if scope.HasWindow() {
			results.TopSpenders.WindowStart = scope.WindowStart.Format(time.DateOnly)
			results.TopSpenders.WindowEnd = scope.WindowEnd.Format(time.DateOnly)
			if len(customers) > 0 {
				if results.TopSpenders.Spenders, err = e.topSpenders(tx, scope, customers, orders); err != nil {
					return fmt.Errorf("top spenders: %w", err)
				}
			}
		}
		return nil
	}, e.dialect.readTx())
	if err != nil {
		return nil, err
	}
	results.Normalize()

	duration := time.Since(start)
	e.metrics.ObserveEngineDuration(domain.EngineRelational, duration)
	e.log.Info("kpi.engine.finish",
		zap.String("run_id", scope.RunID),
		zap.Int("customer_partitions", len(customers)),
		zap.Int("order_partitions", len(orders)),
		zap.Duration("duration", duration),
	)
	return results, nil
}

func (e *Engine) checkLive(tx *gorm.DB, scope domain.Scope) error {
	attempts := scope.Attempts()
	if len(attempts) == 0 {
		return nil
	}
	ids := make([]snowflake.ID, 0, len(attempts))
	for _, a := range attempts {
		ids = append(ids, a.ID)
	}
	var live int64
	err := tx.Model(&partitiondomain.Attempt{}).
		Where("id IN ? AND status IN ?", ids,
			[]partitiondomain.Status{partitiondomain.StatusCommitted, partitiondomain.StatusReconciled}).
		Count(&live).Error
	if err != nil {
		return fmt.Errorf("check scope: %w", err)
	}
	if int(live) != len(ids) {
		return fmt.Errorf("%w: %d of %d partitions still live", domain.ErrStaleScope, live, len(ids))
	}
	return nil
}

func (e *Engine) repeatCustomers(tx *gorm.DB, customers, orders []snowflake.ID) (domain.RepeatCustomers, error) {
	query := fmt.Sprintf(`
		SELECT c.customer_id, c.customer_name, c.mobile_number, c.region, COUNT(*) AS order_count
		FROM orders o
		JOIN customers c ON c.mobile_number = o.mobile_number
		WHERE o.partition_id IN ? AND c.partition_id IN ?
		GROUP BY c.customer_id, c.customer_name, c.mobile_number, c.region
		HAVING COUNT(*) > 1
		ORDER BY order_count DESC, %s ASC`, e.dialect.bytewise("c.customer_id"))

	out := domain.RepeatCustomers{}
	err := e.each(tx, query, []any{orders, customers}, func(rows *sql.Rows) error {
		var rc domain.RepeatCustomer
		if err := rows.Scan(&rc.CustomerID, &rc.CustomerName, &rc.MobileNumber, &rc.Region, &rc.OrderCount); err != nil {
			return err
		}
		out.Customers = append(out.Customers, rc)
		return nil
	})
	out.Count = int64(len(out.Customers))
	return out, err
}

func (e *Engine) monthlyTrends(tx *gorm.DB, orders []snowflake.ID) ([]domain.MonthlyTrend, error) {
	query := fmt.Sprintf(`
		SELECT %s AS order_year, %s AS order_month, COUNT(*) AS order_count, %s AS total_revenue_cents
		FROM orders o
		WHERE o.partition_id IN ?
		GROUP BY 1, 2
		ORDER BY 1, 2`,
		e.dialect.year("o.order_date_time"),
		e.dialect.month("o.order_date_time"),
		e.dialect.sum("o.total_amount_cents"),
	)

	var out []domain.MonthlyTrend
	err := e.each(tx, query, []any{orders}, func(rows *sql.Rows) error {
		var mt domain.MonthlyTrend
		if err := rows.Scan(&mt.Year, &mt.Month, &mt.OrderCount, &mt.TotalRevenueCents); err != nil {
			return err
		}
		out = append(out, mt)
		return nil
	})
	return out, err
}

func (e *Engine) regionalRevenue(tx *gorm.DB, customers, orders []snowflake.ID) ([]domain.RegionRevenue, error) {
	query := fmt.Sprintf(`
		SELECT c.region, COUNT(DISTINCT c.customer_id) AS customer_count, COUNT(*) AS order_count, %s AS total_revenue_cents
		FROM orders o
		JOIN customers c ON c.mobile_number = o.mobile_number
		WHERE o.partition_id IN ? AND c.partition_id IN ?
		GROUP BY c.region
		ORDER BY %s ASC`,
		e.dialect.sum("o.total_amount_cents"),
		e.dialect.bytewise("c.region"),
	)

	var out []domain.RegionRevenue
	err := e.each(tx, query, []any{orders, customers}, func(rows *sql.Rows) error {
		var rr domain.RegionRevenue
		if err := rows.Scan(&rr.Region, &rr.CustomerCount, &rr.OrderCount, &rr.TotalRevenueCents); err != nil {
			return err
		}
		rr.AvgOrderValueCents = domain.AvgCents(rr.TotalRevenueCents, rr.OrderCount)
		out = append(out, rr)
		return nil
	})
	return out, err
}

func (e *Engine) topSpenders(tx *gorm.DB, scope domain.Scope, customers, orders []snowflake.ID) ([]domain.TopSpender, error) {
	query := fmt.Sprintf(`
		SELECT c.customer_id, c.customer_name, c.mobile_number, c.region,
			%s AS total_spend_cents, COUNT(*) AS order_count, MAX(o.order_date_time) AS last_order_date
		FROM orders o
		JOIN customers c ON c.mobile_number = o.mobile_number
		WHERE o.partition_id IN ? AND c.partition_id IN ?
			AND o.order_date_time >= ? AND o.order_date_time < ?
		GROUP BY c.customer_id, c.customer_name, c.mobile_number, c.region
		ORDER BY total_spend_cents DESC, %s ASC
		LIMIT ?`,
		e.dialect.sum("o.total_amount_cents"),
		e.dialect.bytewise("c.customer_id"),
	)
	args := []any{
		orders, customers,
		e.dialect.bindTime(scope.WindowStart), e.dialect.bindTime(scope.WindowEnd),
		scope.TopN,
	}

	var out []domain.TopSpender
	err := e.each(tx, query, args, func(rows *sql.Rows) error {
		var (
			ts   domain.TopSpender
			last sqlTime
		)
		if err := rows.Scan(&ts.CustomerID, &ts.CustomerName, &ts.MobileNumber, &ts.Region,
			&ts.TotalSpendCents, &ts.OrderCount, &last); err != nil {
			return err
		}
		ts.AvgOrderValueCents = domain.AvgCents(ts.TotalSpendCents, ts.OrderCount)
		ts.LastOrderDate = last.Time
		out = append(out, ts)
		return nil
	})
	return out, err
}

func (e *Engine) each(tx *gorm.DB, query string, args []any, fn func(*sql.Rows) error) error {
	rows, err := tx.Raw(query, args...).Rows()
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
