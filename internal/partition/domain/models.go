package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// DateLayout is the canonical partition date format.
const DateLayout = "2006-01-02"

type SourceType string

const (
	SourceCustomers SourceType = "customers"
	SourceOrders    SourceType = "orders"
)

// SourceTypes is ordered so customers always precede orders.
var SourceTypes = []SourceType{SourceCustomers, SourceOrders}

func ParseSourceType(value string) (SourceType, error) {
	switch SourceType(strings.ToLower(strings.TrimSpace(value))) {
	case SourceCustomers:
		return SourceCustomers, nil
	case SourceOrders:
		return SourceOrders, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSourceType, value)
	}
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusValidated  Status = "validated"
	StatusCommitted  Status = "committed"
	StatusReconciled Status = "reconciled"
	StatusRejected   Status = "rejected"
	StatusSuperseded Status = "superseded"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusValidated, StatusCommitted, StatusReconciled, StatusRejected, StatusSuperseded:
		return true
	}
	return false
}

// IsLive reports whether the attempt currently backs the partition's data.
func (s Status) IsLive() bool {
	return s == StatusCommitted || s == StatusReconciled
}

// IsOpen reports whether the attempt can still progress toward commit.
func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusValidated
}

type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeBackfill Mode = "backfill"
	ModeForce    Mode = "force"
)

type Key struct {
	SourceType SourceType
	Date       string
}

func (k Key) String() string {
	return string(k.SourceType) + "/" + k.Date
}

// NewKey validates the source type and date of a partition key.
func NewKey(sourceType SourceType, date string) (Key, error) {
	if sourceType != SourceCustomers && sourceType != SourceOrders {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidSourceType, sourceType)
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return Key{SourceType: sourceType, Date: date}, nil
}

// Attempt is one ingestion attempt of a (source_type, partition_date) key.
type Attempt struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	SourceType      SourceType   `gorm:"column:source_type;type:varchar(16);not null;uniqueIndex:ux_partition_generation,priority:1;index:ix_partition_status,priority:1" json:"source_type"`
	PartitionDate   string       `gorm:"column:partition_date;type:varchar(10);not null;uniqueIndex:ux_partition_generation,priority:2;index:ix_partition_status,priority:2" json:"partition_date"`
	Generation      int          `gorm:"column:generation;not null;uniqueIndex:ux_partition_generation,priority:3" json:"generation"`
	Status          Status       `gorm:"column:status;type:varchar(16);not null;index:ix_partition_status,priority:3" json:"status"`
	Mode            Mode         `gorm:"column:mode;type:varchar(16);not null" json:"mode"`
	RunID           string       `gorm:"column:run_id;type:varchar(32);not null;index" json:"run_id"`
	FileCount       int          `gorm:"column:file_count;not null;default:0" json:"file_count"`
	RowCount        int          `gorm:"column:row_count;not null;default:0" json:"row_count"`
	RejectCount     int          `gorm:"column:reject_count;not null;default:0" json:"reject_count"`
	Checksum        string       `gorm:"column:checksum;type:varchar(64);not null;default:''" json:"checksum"`
	RejectReportURI string       `gorm:"column:reject_report_uri;type:varchar(512);not null;default:''" json:"reject_report_uri"`
	ArchiveVersion  string       `gorm:"column:archive_version;type:varchar(32);not null;default:''" json:"archive_version"`
	DurationMs      int64        `gorm:"column:duration_ms;not null;default:0" json:"duration_ms"`
	LastError       string       `gorm:"column:last_error;type:text;not null;default:''" json:"last_error,omitempty"`
	CreatedAt       time.Time    `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"column:updated_at;not null" json:"updated_at"`
	CommittedAt     *time.Time   `gorm:"column:committed_at" json:"committed_at,omitempty"`
}

func (Attempt) TableName() string { return "ingestion_partitions" }

func (a Attempt) Key() Key {
	return Key{SourceType: a.SourceType, Date: a.PartitionDate}
}

type BackfillStatus string

const (
	BackfillRunning   BackfillStatus = "running"
	BackfillCompleted BackfillStatus = "completed"
	BackfillCancelled BackfillStatus = "cancelled"
	BackfillFailed    BackfillStatus = "failed"
)

// BackfillRun records progress of a date-range backfill for one source type.
type BackfillRun struct {
	ID         snowflake.ID   `gorm:"primaryKey" json:"id"`
	RunID      string         `gorm:"column:run_id;type:varchar(32);not null;index" json:"run_id"`
	SourceType SourceType     `gorm:"column:source_type;type:varchar(16);not null;index:ix_backfill_range,priority:1" json:"source_type"`
	StartDate  string         `gorm:"column:start_date;type:varchar(10);not null;index:ix_backfill_range,priority:2" json:"start_date"`
	EndDate    string         `gorm:"column:end_date;type:varchar(10);not null;index:ix_backfill_range,priority:3" json:"end_date"`
	Force      bool           `gorm:"column:force_replace;not null;default:false" json:"force"`
	CursorDate string         `gorm:"column:cursor_date;type:varchar(10);not null" json:"cursor_date"`
	Status     BackfillStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	LastError  string         `gorm:"column:last_error;type:text;not null;default:''" json:"last_error,omitempty"`
	CreatedAt  time.Time      `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
	FinishedAt *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
}

func (BackfillRun) TableName() string { return "backfill_runs" }
