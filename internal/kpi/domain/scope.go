package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
)

const (
	DefaultTopN       = 10
	DefaultWindowDays = 30
)

// Scope is the committed snapshot both engines compute over.
type Scope struct {
	RunID              string
	CustomerPartitions []partitiondomain.Attempt
	OrderPartitions    []partitiondomain.Attempt
	FirstDate          string
	LastDate           string
	// AsOf is the latest committed order partition date.
	AsOf        string
	WindowStart time.Time
	WindowEnd   time.Time
	TopN        int
}

// NewScope builds a scope from the committed attempts of each source type.
func NewScope(runID string, customers, orders []partitiondomain.Attempt, windowDays, topN int) (Scope, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if topN <= 0 {
		topN = DefaultTopN
	}
	scope := Scope{
		RunID:              runID,
		CustomerPartitions: customers,
		OrderPartitions:    orders,
		TopN:               topN,
	}
	for _, a := range scope.Attempts() {
		if scope.FirstDate == "" || a.PartitionDate < scope.FirstDate {
			scope.FirstDate = a.PartitionDate
		}
		if a.PartitionDate > scope.LastDate {
			scope.LastDate = a.PartitionDate
		}
	}
	for _, a := range orders {
		if a.PartitionDate > scope.AsOf {
			scope.AsOf = a.PartitionDate
		}
	}
	if scope.AsOf != "" {
		asOf, err := time.ParseInLocation(partitiondomain.DateLayout, scope.AsOf, time.UTC)
		if err != nil {
			return Scope{}, fmt.Errorf("%w: %s", partitiondomain.ErrInvalidDate, scope.AsOf)
		}
		scope.WindowEnd = asOf.AddDate(0, 0, 1)
		scope.WindowStart = scope.WindowEnd.AddDate(0, 0, -windowDays)
	}
	return scope, nil
}

// Attempts returns every attempt in the scope, customers first.
func (s Scope) Attempts() []partitiondomain.Attempt {
	out := make([]partitiondomain.Attempt, 0, len(s.CustomerPartitions)+len(s.OrderPartitions))
	out = append(out, s.CustomerPartitions...)
	return append(out, s.OrderPartitions...)
}

func (s Scope) CustomerPartitionIDs() []snowflake.ID {
	return attemptIDs(s.CustomerPartitions)
}

func (s Scope) OrderPartitionIDs() []snowflake.ID {
	return attemptIDs(s.OrderPartitions)
}

// HasWindow reports whether top spenders can be computed.
func (s Scope) HasWindow() bool {
	return !s.WindowEnd.IsZero()
}

func attemptIDs(attempts []partitiondomain.Attempt) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(attempts))
	for _, a := range attempts {
		ids = append(ids, a.ID)
	}
	return ids
}
