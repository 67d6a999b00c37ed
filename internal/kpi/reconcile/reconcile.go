// Package reconcile compares the snapshots both KPI engines produced for the
// same scope.
package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/kpiledger/internal/kpi/domain"
	"github.com/smallbiznis/kpiledger/internal/kpierr"
)

var ErrSnapshotPair = errors.New("invalid_snapshot_pair")

// Result is the outcome of reconciling one KPI.
type Result struct {
	KPI        string            `json:"kpi"`
	RunID      string            `json:"run_id"`
	FirstDate  string            `json:"first_date"`
	LastDate   string            `json:"last_date"`
	AsOfDate   string            `json:"as_of_date"`
	Mismatches []kpierr.Mismatch `json:"mismatches"`
}

func (r Result) Matched() bool { return len(r.Mismatches) == 0 }

// Err returns a ReconciliationError when the snapshots disagree.
func (r Result) Err() error {
	if r.Matched() {
		return nil
	}
	return &kpierr.ReconciliationError{KPI: r.KPI, Mismatches: r.Mismatches}
}

type Reconciler struct {
	epsilon int64
}

// New returns a reconciler that tolerates money differences up to epsilonCents.
func New(epsilonCents int64) *Reconciler {
	if epsilonCents < 0 {
		epsilonCents = 0
	}
	return &Reconciler{epsilon: epsilonCents}
}

// Reconcile compares a relational snapshot a with a dataframe snapshot b.
// Counts, keys and ordering must match exactly; money within epsilon.
func (r *Reconciler) Reconcile(a, b domain.Snapshot) (Result, error) {
	if a.KPI != b.KPI || a.RunID != b.RunID {
		return Result{}, fmt.Errorf("%w: %s/%s vs %s/%s", ErrSnapshotPair, a.RunID, a.KPI, b.RunID, b.KPI)
	}
	res := Result{KPI: a.KPI, RunID: a.RunID, FirstDate: a.FirstDate, LastDate: a.LastDate, AsOfDate: a.AsOfDate}
	d := &diff{epsilon: r.epsilon}
	d.exact("range.first_date", a.FirstDate, b.FirstDate)
	d.exact("range.last_date", a.LastDate, b.LastDate)
	d.exact("range.as_of_date", a.AsOfDate, b.AsOfDate)

	var err error
	switch a.KPI {
	case domain.KPIRepeatCustomers:
		err = compare(a.Payload, b.Payload, d.repeatCustomers)
	case domain.KPIMonthlyTrends:
		err = compare(a.Payload, b.Payload, d.monthlyTrends)
	case domain.KPIRegionalRevenue:
		err = compare(a.Payload, b.Payload, d.regionalRevenue)
	case domain.KPITopSpenders:
		err = compare(a.Payload, b.Payload, d.topSpenders)
	default:
		err = fmt.Errorf("%w: %s", domain.ErrUnknownKPI, a.KPI)
	}
	if err != nil {
		return Result{}, err
	}
	res.Mismatches = d.out
	return res, nil
}

func compare[T any](a, b []byte, fn func(a, b T)) error {
	var left, right T
	if err := json.Unmarshal(a, &left); err != nil {
		return fmt.Errorf("decode relational payload: %w", err)
	}
	if err := json.Unmarshal(b, &right); err != nil {
		return fmt.Errorf("decode dataframe payload: %w", err)
	}
	fn(left, right)
	return nil
}

type diff struct {
	epsilon int64
	out     []kpierr.Mismatch
}

func (d *diff) add(path string, a, b any) {
	d.out = append(d.out, kpierr.Mismatch{Path: path, Relational: a, Dataframe: b})
}

func (d *diff) exact(path string, a, b any) {
	if a != b {
		d.add(path, a, b)
	}
}

func (d *diff) money(path string, a, b int64) {
	delta := a - b
	if delta < 0 {
		delta = -delta
	}
	if delta > d.epsilon {
		d.add(path, a, b)
	}
}

func (d *diff) instant(path string, a, b time.Time) {
	if !a.Equal(b) {
		d.add(path, a, b)
	}
}

// length records a size mismatch and returns how many rows both sides share.
func (d *diff) length(path string, a, b int) int {
	if a != b {
		d.add(path+".length", a, b)
	}
	return min(a, b)
}

func (d *diff) repeatCustomers(a, b domain.RepeatCustomers) {
	d.exact("count", a.Count, b.Count)
	n := d.length("customers", len(a.Customers), len(b.Customers))
	for i := 0; i < n; i++ {
		x, y := a.Customers[i], b.Customers[i]
		p := fmt.Sprintf("customers[%d]", i)
		d.exact(p+".customer_id", x.CustomerID, y.CustomerID)
		d.exact(p+".customer_name", x.CustomerName, y.CustomerName)
		d.exact(p+".mobile_number", x.MobileNumber, y.MobileNumber)
		d.exact(p+".region", x.Region, y.Region)
		d.exact(p+".order_count", x.OrderCount, y.OrderCount)
	}
}

func (d *diff) monthlyTrends(a, b []domain.MonthlyTrend) {
	n := d.length("months", len(a), len(b))
	for i := 0; i < n; i++ {
		x, y := a[i], b[i]
		p := fmt.Sprintf("months[%d]", i)
		d.exact(p+".year", x.Year, y.Year)
		d.exact(p+".month", x.Month, y.Month)
		d.exact(p+".order_count", x.OrderCount, y.OrderCount)
		d.money(p+".total_revenue_cents", x.TotalRevenueCents, y.TotalRevenueCents)
	}
}

func (d *diff) regionalRevenue(a, b []domain.RegionRevenue) {
	n := d.length("regions", len(a), len(b))
	for i := 0; i < n; i++ {
		x, y := a[i], b[i]
		p := fmt.Sprintf("regions[%d]", i)
		d.exact(p+".region", x.Region, y.Region)
		d.exact(p+".customer_count", x.CustomerCount, y.CustomerCount)
		d.exact(p+".order_count", x.OrderCount, y.OrderCount)
		d.money(p+".total_revenue_cents", x.TotalRevenueCents, y.TotalRevenueCents)
		d.money(p+".avg_order_value_cents", x.AvgOrderValueCents, y.AvgOrderValueCents)
	}
}

func (d *diff) topSpenders(a, b domain.TopSpenders) {
	d.exact("window_start", a.WindowStart, b.WindowStart)
	d.exact("window_end", a.WindowEnd, b.WindowEnd)
	d.exact("limit", a.Limit, b.Limit)
	n := d.length("spenders", len(a.Spenders), len(b.Spenders))
	for i := 0; i < n; i++ {
		x, y := a.Spenders[i], b.Spenders[i]
		p := fmt.Sprintf("spenders[%d]", i)
		d.exact(p+".customer_id", x.CustomerID, y.CustomerID)
		d.exact(p+".customer_name", x.CustomerName, y.CustomerName)
		d.exact(p+".mobile_number", x.MobileNumber, y.MobileNumber)
		d.exact(p+".region", x.Region, y.Region)
		d.exact(p+".order_count", x.OrderCount, y.OrderCount)
		d.money(p+".total_spend_cents", x.TotalSpendCents, y.TotalSpendCents)
		d.money(p+".avg_order_value_cents", x.AvgOrderValueCents, y.AvgOrderValueCents)
		d.instant(p+".last_order_date", x.LastOrderDate, y.LastOrderDate)
	}
}
