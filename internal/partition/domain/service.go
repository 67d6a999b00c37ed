package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/kpiledger/internal/kpierr"
	"gorm.io/gorm"
)

type BeginRequest struct {
	Key       Key
	Mode      Mode
	RunID     string
	Checksum  string
	FileCount int
}

type Stats struct {
	RowCount        int
	RejectCount     int
	RejectReportURI string
	ArchiveVersion  string
	Duration        time.Duration
}

type HistoryFilter struct {
	SourceType SourceType
	From       string
	To         string
	RunID      string
	Statuses   []Status
	// AfterID pages backwards through attempts ordered by id desc.
	AfterID int64
	Limit   int
}

type BackfillRequest struct {
	SourceType SourceType
	Start      string
	End        string
	Force      bool
	Resume     bool
	RunID      string
}

// DateFunc processes one date of a backfill. run carries the stored flags,
// so a resumed run keeps the Force it was started with. A non-nil error stops
// the run.
type DateFunc func(ctx context.Context, run *BackfillRun, date string) error

type Service interface {
	Begin(ctx context.Context, req BeginRequest) (*Lease, error)
	Transition(ctx context.Context, tx *gorm.DB, lease *Lease, to Status, actor Actor) error
	SupersedePrevious(ctx context.Context, tx *gorm.DB, lease *Lease) error
	RecordStats(ctx context.Context, tx *gorm.DB, lease *Lease, stats Stats) error
	RecordError(ctx context.Context, lease *Lease, cause error) error
	MarkReconciled(ctx context.Context, attempts []Attempt) error
	Current(ctx context.Context, key Key) (*Attempt, error)
	Committed(ctx context.Context, sourceType SourceType) ([]Attempt, error)
	History(ctx context.Context, filter HistoryFilter) ([]Attempt, error)
	Backfill(ctx context.Context, req BackfillRequest, fn DateFunc) (*BackfillRun, error)
}

var (
	ErrAlreadyCommitted   = kpierr.ErrAlreadyCommitted
	ErrInvalidSourceType  = errors.New("invalid_source_type")
	ErrInvalidDate        = errors.New("invalid_partition_date")
	ErrInvalidRange       = errors.New("invalid_backfill_range")
	ErrInvalidTransition  = errors.New("invalid_partition_transition")
	ErrTransitionNotOwned = errors.New("partition_transition_not_owned")
	ErrStaleState         = errors.New("partition_state_changed")
	ErrLeaseReleased      = errors.New("partition_lease_released")
	ErrNoBackfillToResume = errors.New("no_backfill_to_resume")
)
