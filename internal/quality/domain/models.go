package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	SeverityHard = "hard"
	SeveritySoft = "soft"
)

// ExpectationResult is the immutable outcome of one expectation against one
// partition attempt.
type ExpectationResult struct {
	ID            snowflake.ID   `gorm:"primaryKey" json:"id"`
	PartitionID   snowflake.ID   `gorm:"column:partition_id;not null;index" json:"partition_id"`
	RunID         string         `gorm:"column:run_id;type:varchar(64);not null;index" json:"run_id"`
	SourceType    string         `gorm:"column:source_type;type:varchar(16);not null" json:"source_type"`
	PartitionDate string         `gorm:"column:partition_date;type:varchar(10);not null" json:"partition_date"`
	Name          string         `gorm:"column:name;type:varchar(64);not null" json:"name"`
	Severity      string         `gorm:"column:severity;type:varchar(8);not null" json:"severity"`
	Passed        bool           `gorm:"column:passed;not null" json:"passed"`
	EvaluatedRows int            `gorm:"column:evaluated_rows;not null" json:"evaluated_rows"`
	FailedRows    int            `gorm:"column:failed_rows;not null" json:"failed_rows"`
	Threshold     float64        `gorm:"column:threshold;not null" json:"threshold"`
	Details       datatypes.JSON `gorm:"column:details" json:"details,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null" json:"created_at"`
}

func (ExpectationResult) TableName() string { return "expectation_results" }

// Hard reports whether a failure of this result blocks the partition.
func (r ExpectationResult) Hard() bool {
	return r.Severity == SeverityHard
}

// Verdict is the gate decision for one partition attempt.
type Verdict struct {
	Passed       bool
	Results      []ExpectationResult
	HardFailures []string
	SoftFailures []string
}

// VerdictFromResults rebuilds the verdict of an attempt that was gated in an
// earlier run from its persisted results.
func VerdictFromResults(results []ExpectationResult) *Verdict {
	v := &Verdict{Passed: true, Results: results}
	for _, r := range results {
		if r.Passed {
			continue
		}
		if r.Hard() {
			v.Passed = false
			v.HardFailures = append(v.HardFailures, r.Name)
		} else {
			v.SoftFailures = append(v.SoftFailures, r.Name)
		}
	}
	return v
}
