package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	KPIRepeatCustomers = "repeat_customers"
	KPIMonthlyTrends   = "monthly_order_trends"
	KPIRegionalRevenue = "regional_revenue"
	KPITopSpenders     = "top_spenders"
)

// Names lists the KPIs in publication order.
var Names = []string{KPIRepeatCustomers, KPIMonthlyTrends, KPIRegionalRevenue, KPITopSpenders}

const (
	EngineRelational = "relational"
	EngineDataframe  = "dataframe"
)

// Snapshot is one engine's output for one KPI and run. Both engines persist
// their snapshots so a mismatch can be inspected after the fact.
type Snapshot struct {
	ID        snowflake.ID   `gorm:"primaryKey" json:"id"`
	RunID     string         `gorm:"column:run_id;type:varchar(64);not null;index" json:"run_id"`
	KPI       string         `gorm:"column:kpi;type:varchar(64);not null" json:"kpi"`
	Engine    string         `gorm:"column:engine;type:varchar(16);not null" json:"engine"`
	FirstDate string         `gorm:"column:first_date;type:varchar(10);not null" json:"first_date"`
	LastDate  string         `gorm:"column:last_date;type:varchar(10);not null" json:"last_date"`
	AsOfDate  string         `gorm:"column:as_of_date;type:varchar(10);not null" json:"as_of_date"`
	Payload   datatypes.JSON `gorm:"column:payload;not null" json:"payload"`
	CreatedAt time.Time      `gorm:"column:created_at;not null" json:"created_at"`
}

func (Snapshot) TableName() string { return "kpi_snapshots" }

// Publication is the accepted output of a KPI for a run.
type Publication struct {
	ID          snowflake.ID   `gorm:"primaryKey" json:"id"`
	RunID       string         `gorm:"column:run_id;type:varchar(64);not null;index" json:"run_id"`
	KPI         string         `gorm:"column:kpi;type:varchar(64);not null;index" json:"kpi"`
	FirstDate   string         `gorm:"column:first_date;type:varchar(10);not null" json:"first_date"`
	LastDate    string         `gorm:"column:last_date;type:varchar(10);not null" json:"last_date"`
	AsOfDate    string         `gorm:"column:as_of_date;type:varchar(10);not null" json:"as_of_date"`
	Engines     datatypes.JSON `gorm:"column:engines;not null" json:"engines"`
	Payload     datatypes.JSON `gorm:"column:payload;not null" json:"payload"`
	ArtifactURI string         `gorm:"column:artifact_uri;type:varchar(512);not null;default:''" json:"artifact_uri"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null" json:"created_at"`
}

func (Publication) TableName() string { return "kpi_publications" }

type RepeatCustomer struct {
	CustomerID   string `json:"customer_id"`
	CustomerName string `json:"customer_name"`
	MobileNumber string `json:"mobile_number"`
	Region       string `json:"region"`
	OrderCount   int64  `json:"order_count"`
}

type RepeatCustomers struct {
	Count     int64            `json:"count"`
	Customers []RepeatCustomer `json:"customers"`
}

type MonthlyTrend struct {
	Year              int   `json:"year"`
	Month             int   `json:"month"`
	OrderCount        int64 `json:"order_count"`
	TotalRevenueCents int64 `json:"total_revenue_cents"`
}

type RegionRevenue struct {
	Region             string `json:"region"`
	CustomerCount      int64  `json:"customer_count"`
	OrderCount         int64  `json:"order_count"`
	TotalRevenueCents  int64  `json:"total_revenue_cents"`
	AvgOrderValueCents int64  `json:"avg_order_value_cents"`
}

type TopSpender struct {
	CustomerID         string    `json:"customer_id"`
	CustomerName       string    `json:"customer_name"`
	MobileNumber       string    `json:"mobile_number"`
	Region             string    `json:"region"`
	TotalSpendCents    int64     `json:"total_spend_cents"`
	OrderCount         int64     `json:"order_count"`
	AvgOrderValueCents int64     `json:"avg_order_value_cents"`
	LastOrderDate      time.Time `json:"last_order_date"`
}

type TopSpenders struct {
	WindowStart string       `json:"window_start"`
	WindowEnd   string       `json:"window_end"`
	Limit       int          `json:"limit"`
	Spenders    []TopSpender `json:"spenders"`
}

// Results is the full KPI output of one engine over one scope.
type Results struct {
	Engine          string          `json:"engine"`
	RepeatCustomers RepeatCustomers `json:"repeat_customers"`
	MonthlyTrends   []MonthlyTrend  `json:"monthly_order_trends"`
	RegionalRevenue []RegionRevenue `json:"regional_revenue"`
	TopSpenders     TopSpenders     `json:"top_spenders"`
}

// Payload returns the typed output for one KPI.
func (r *Results) Payload(kpi string) (any, error) {
	switch kpi {
	case KPIRepeatCustomers:
		return r.RepeatCustomers, nil
	case KPIMonthlyTrends:
		return r.MonthlyTrends, nil
	case KPIRegionalRevenue:
		return r.RegionalRevenue, nil
	case KPITopSpenders:
		return r.TopSpenders, nil
	default:
		return nil, ErrUnknownKPI
	}
}

// Normalize replaces nil slices with empty ones so both engines encode
// identical JSON for empty outputs.
func (r *Results) Normalize() {
	if r.RepeatCustomers.Customers == nil {
		r.RepeatCustomers.Customers = []RepeatCustomer{}
	}
	if r.MonthlyTrends == nil {
		r.MonthlyTrends = []MonthlyTrend{}
	}
	if r.RegionalRevenue == nil {
		r.RegionalRevenue = []RegionRevenue{}
	}
	if r.TopSpenders.Spenders == nil {
		r.TopSpenders.Spenders = []TopSpender{}
	}
	for i := range r.TopSpenders.Spenders {
		s := &r.TopSpenders.Spenders[i]
		s.LastOrderDate = s.LastOrderDate.UTC().Truncate(time.Microsecond)
	}
}

// NewSnapshot captures one KPI of results over scope with a canonical payload.
func NewSnapshot(id snowflake.ID, scope Scope, results *Results, kpi string, at time.Time) (Snapshot, error) {
	value, err := results.Payload(kpi)
	if err != nil {
		return Snapshot{}, err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode %s payload: %w", kpi, err)
	}
	return Snapshot{
		ID:        id,
		RunID:     scope.RunID,
		KPI:       kpi,
		Engine:    results.Engine,
		FirstDate: scope.FirstDate,
		LastDate:  scope.LastDate,
		AsOfDate:  scope.AsOf,
		Payload:   datatypes.JSON(payload),
		CreatedAt: at,
	}, nil
}

// AvgCents divides a money sum by a count, rounding half away from zero.
func AvgCents(sum, count int64) int64 {
	if count == 0 {
		return 0
	}
	q, r := sum/count, sum%count
	if r < 0 {
		r = -r
	}
	if 2*r >= count {
		if sum < 0 {
			q--
		} else {
			q++
		}
	}
	return q
}
