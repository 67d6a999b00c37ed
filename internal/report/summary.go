package report

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/kpiledger/internal/normalizer"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	qualitydomain "github.com/smallbiznis/kpiledger/internal/quality/domain"
)

// HistoryEntry is one attempt as listed in ingestion_runs.json.
type HistoryEntry struct {
	PartitionID     string     `json:"partition_id"`
	RunID           string     `json:"run_id"`
	SourceType      string     `json:"source_type"`
	PartitionDate   string     `json:"partition_date"`
	Generation      int        `json:"generation"`
	Status          string     `json:"status"`
	Mode            string     `json:"mode"`
	DurationMs      int64      `json:"duration_ms"`
	RowCount        int        `json:"row_count"`
	FileCount       int        `json:"file_count"`
	RejectCount     int        `json:"reject_count"`
	RejectReportURI string     `json:"reject_report_uri,omitempty"`
	ArchiveVersion  string     `json:"archive_version,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CommittedAt     *time.Time `json:"committed_at,omitempty"`
}

func NewHistoryEntry(a partitiondomain.Attempt) HistoryEntry {
	return HistoryEntry{
		PartitionID:     a.ID.String(),
		RunID:           a.RunID,
		SourceType:      string(a.SourceType),
		PartitionDate:   a.PartitionDate,
		Generation:      a.Generation,
		Status:          string(a.Status),
		Mode:            string(a.Mode),
		DurationMs:      a.DurationMs,
		RowCount:        a.RowCount,
		FileCount:       a.FileCount,
		RejectCount:     a.RejectCount,
		RejectReportURI: a.RejectReportURI,
		ArchiveVersion:  a.ArchiveVersion,
		LastError:       a.LastError,
		CreatedAt:       a.CreatedAt,
		CommittedAt:     a.CommittedAt,
	}
}

type History struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Runs        []HistoryEntry `json:"runs"`
}

// PartitionQuality is the quality outcome of one partition attempt.
type PartitionQuality struct {
	PartitionID     string         `json:"partition_id"`
	SourceType      string         `json:"source_type"`
	PartitionDate   string         `json:"partition_date"`
	Accepted        int            `json:"accepted"`
	Rejected        int            `json:"rejected"`
	Duplicates      int            `json:"duplicates"`
	RejectsByReason map[string]int `json:"rejects_by_reason"`
	Defaulted       map[string]int `json:"defaulted_fields"`
	Passed          bool           `json:"passed"`
}

// QualitySummary accumulates a run's quality outcomes. It is safe for
// concurrent use by partition lanes.
type QualitySummary struct {
	mu sync.Mutex

	RunID           string                            `json:"run_id"`
	GeneratedAt     time.Time                         `json:"generated_at"`
	Duplicates      int                               `json:"duplicate_count"`
	NullAnomalies   int                               `json:"null_anomaly_count"`
	RejectsByReason map[string]int                    `json:"rejects_by_reason"`
	Partitions      []PartitionQuality                `json:"partitions"`
	Expectations    []qualitydomain.ExpectationResult `json:"expectations"`
}

func NewQualitySummary(runID string) *QualitySummary {
	return &QualitySummary{
		RunID:           runID,
		RejectsByReason: map[string]int{},
		Partitions:      []PartitionQuality{},
		Expectations:    []qualitydomain.ExpectationResult{},
	}
}

// Add folds one gated batch into the summary. verdict is nil when the
// attempt resumed already validated and was not re-evaluated.
func (s *QualitySummary) Add(attempt partitiondomain.Attempt, batch *normalizer.Batch, verdict *qualitydomain.Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byReason := map[string]int{}
	for reason, n := range batch.RejectsByReason() {
		byReason[string(reason)] = n
		s.RejectsByReason[string(reason)] += n
	}
	pq := PartitionQuality{
		PartitionID:     attempt.ID.String(),
		SourceType:      string(attempt.SourceType),
		PartitionDate:   attempt.PartitionDate,
		Accepted:        batch.Accepted(),
		Rejected:        len(batch.Rejects),
		Duplicates:      batch.Duplicates(),
		RejectsByReason: byReason,
		Defaulted:       batch.Defaulted,
		Passed:          verdict == nil || verdict.Passed,
	}
	if pq.Defaulted == nil {
		pq.Defaulted = map[string]int{}
	}
	s.Duplicates += pq.Duplicates
	if verdict != nil {
		for _, res := range verdict.Results {
			if !res.Passed && strings.HasSuffix(res.Name, "_not_null") {
				s.NullAnomalies += res.FailedRows
			}
		}
		s.Expectations = append(s.Expectations, verdict.Results...)
	}
	s.Partitions = append(s.Partitions, pq)
	sort.SliceStable(s.Partitions, func(i, j int) bool {
		a, b := s.Partitions[i], s.Partitions[j]
		if a.PartitionDate != b.PartitionDate {
			return a.PartitionDate < b.PartitionDate
		}
		return a.SourceType < b.SourceType
	})
}

// Snapshot returns a copy safe to marshal while lanes keep adding.
func (s *QualitySummary) Snapshot() *QualitySummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &QualitySummary{
		RunID:           s.RunID,
		Duplicates:      s.Duplicates,
		NullAnomalies:   s.NullAnomalies,
		RejectsByReason: make(map[string]int, len(s.RejectsByReason)),
		Partitions:      append([]PartitionQuality{}, s.Partitions...),
		Expectations:    append([]qualitydomain.ExpectationResult{}, s.Expectations...),
	}
	for k, v := range s.RejectsByReason {
		out.RejectsByReason[k] = v
	}
	return out
}
