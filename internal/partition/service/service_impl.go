package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kpiledger/internal/clock"
	"github.com/smallbiznis/kpiledger/internal/kpierr"
	obsmetrics "github.com/smallbiznis/kpiledger/internal/observability/metrics"
	"github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/partition/lock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	maxErrorLength      = 2000
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Locker  lock.Locker
	Metrics *obsmetrics.PipelineMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	locker  lock.Locker
	metrics *obsmetrics.PipelineMetrics
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("partition.ledger"),
		genID:   p.GenID,
		clock:   p.Clock,
		locker:  p.Locker,
		metrics: p.Metrics,
	}
}

func (s *Service) Begin(ctx context.Context, req domain.BeginRequest) (*domain.Lease, error) {
	key, err := domain.NewKey(req.Key.SourceType, req.Key.Date)
	if err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeNormal
	}

	lockStart := time.Now()
	release, err := s.locker.Acquire(ctx, key.String())
	s.metrics.ObserveLockWait(string(key.SourceType), time.Since(lockStart))
	if err != nil {
		return nil, fmt.Errorf("acquire partition lock %s: %w", key, err)
	}

	lease, err := s.begin(ctx, key, mode, req, release)
	if err != nil {
		release()
		return nil, err
	}
	return lease, nil
}

func (s *Service) begin(ctx context.Context, key domain.Key, mode domain.Mode, req domain.BeginRequest, release func()) (*domain.Lease, error) {
	attempts, err := s.attemptsFor(ctx, key)
	if err != nil {
		return nil, kpierr.Fatal("", "", fmt.Errorf("read partition state %s: %w", key, err))
	}

	var live, open *domain.Attempt
	maxGeneration := 0
	for i := range attempts {
		attempt := &attempts[i]
		if attempt.Generation > maxGeneration {
			maxGeneration = attempt.Generation
		}
		switch {
		case attempt.Status.IsLive():
			if live != nil {
				return nil, kpierr.Fatal(attempt.ID.String(), string(attempt.Status),
					fmt.Errorf("partition %s has more than one live attempt", key))
			}
			live = attempt
		case attempt.Status.IsOpen():
			if open == nil || attempt.Generation > open.Generation {
				open = attempt
			}
		}
	}

	if live != nil && mode != domain.ModeForce {
		s.log.Info("partition.begin.already_committed",
			zap.String("source_type", string(key.SourceType)),
			zap.String("partition_date", key.Date),
			zap.String("partition_id", live.ID.String()),
			zap.Int("generation", live.Generation),
		)
		return nil, domain.ErrAlreadyCommitted
	}

	now := s.clock.Now()
	if open != nil && live != nil && open.Generation < live.Generation {
		open = nil
	}
	if open != nil {
		switch {
		case open.Status == domain.StatusPending:
			result := s.db.WithContext(ctx).Exec(
				`UPDATE ingestion_partitions
				 SET checksum = ?, file_count = ?, run_id = ?, mode = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				req.Checksum, req.FileCount, req.RunID, mode, now, open.ID, domain.StatusPending,
			)
			if result.Error != nil {
				return nil, result.Error
			}
			if result.RowsAffected == 0 {
				return nil, kpierr.Fatal(open.ID.String(), string(open.Status), domain.ErrStaleState)
			}
			open.Checksum, open.FileCount, open.RunID, open.Mode, open.UpdatedAt = req.Checksum, req.FileCount, req.RunID, mode, now
			s.logBegin(*open, "resumed")
			return domain.NewLease(*open, live, true, release), nil

		case open.Status == domain.StatusValidated && open.Checksum == req.Checksum:
			s.logBegin(*open, "resumed")
			return domain.NewLease(*open, live, true, release), nil

		default:
			// validated against different source bytes; it can never commit.
			stale := domain.NewLease(*open, live, false, nil)
			if err := s.Transition(ctx, nil, stale, domain.StatusRejected, domain.ActorLedger); err != nil {
				return nil, err
			}
			if err := s.RecordError(ctx, stale, errors.New("source files changed after validation")); err != nil {
				return nil, err
			}
		}
	}

	attempt := domain.Attempt{
		ID:            s.genID.Generate(),
		SourceType:    key.SourceType,
		PartitionDate: key.Date,
		Generation:    maxGeneration + 1,
		Status:        domain.StatusPending,
		Mode:          mode,
		RunID:         req.RunID,
		FileCount:     req.FileCount,
		Checksum:      req.Checksum,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(&attempt).Error; err != nil {
		return nil, fmt.Errorf("create partition attempt %s: %w", key, err)
	}
	s.logBegin(attempt, "created")
	return domain.NewLease(attempt, live, false, release), nil
}

func (s *Service) logBegin(attempt domain.Attempt, how string) {
	s.log.Info("partition.begin",
		zap.String("source_type", string(attempt.SourceType)),
		zap.String("partition_date", attempt.PartitionDate),
		zap.String("partition_id", attempt.ID.String()),
		zap.Int("generation", attempt.Generation),
		zap.String("status", string(attempt.Status)),
		zap.String("mode", string(attempt.Mode)),
		zap.String("attempt", how),
	)
}

func (s *Service) attemptsFor(ctx context.Context, key domain.Key) ([]domain.Attempt, error) {
	var attempts []domain.Attempt
	err := s.db.WithContext(ctx).
		Where("source_type = ? AND partition_date = ?", key.SourceType, key.Date).
		Order("generation asc").
		Find(&attempts).Error
	return attempts, err
}

func (s *Service) Transition(ctx context.Context, tx *gorm.DB, lease *domain.Lease, to domain.Status, actor domain.Actor) error {
	if lease == nil {
		return domain.ErrLeaseReleased
	}
	if lease.Released() {
		return domain.ErrLeaseReleased
	}
	if err := s.transition(ctx, tx, &lease.Attempt, to, actor); err != nil {
		return err
	}
	return nil
}

func (s *Service) SupersedePrevious(ctx context.Context, tx *gorm.DB, lease *domain.Lease) error {
	if lease == nil || lease.Released() {
		return domain.ErrLeaseReleased
	}
	if lease.Previous == nil {
		return nil
	}
	return s.transition(ctx, tx, lease.Previous, domain.StatusSuperseded, domain.ActorWriter)
}

func (s *Service) transition(ctx context.Context, tx *gorm.DB, attempt *domain.Attempt, to domain.Status, actor domain.Actor) error {
	from := attempt.Status
	if err := domain.CheckTransition(from, to, actor); err != nil {
		return err
	}
	if tx == nil {
		tx = s.db
	}

	now := s.clock.Now()
	var committedAt *time.Time
	if to == domain.StatusCommitted {
		committedAt = &now
	} else {
		committedAt = attempt.CommittedAt
	}
	result := tx.WithContext(ctx).Exec(
		`UPDATE ingestion_partitions
		 SET status = ?, committed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, committedAt, now, attempt.ID, from,
	)
	if result.Error != nil {
		return fmt.Errorf("transition %s %s -> %s: %w", attempt.ID, from, to, result.Error)
	}
	if result.RowsAffected == 0 {
		return kpierr.Fatal(attempt.ID.String(), string(from), domain.ErrStaleState)
	}

	attempt.Status = to
	attempt.CommittedAt = committedAt
	attempt.UpdatedAt = now
	s.log.Info("partition.transition",
		zap.String("source_type", string(attempt.SourceType)),
		zap.String("partition_date", attempt.PartitionDate),
		zap.String("partition_id", attempt.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", string(actor)),
	)
	return nil
}

func (s *Service) RecordStats(ctx context.Context, tx *gorm.DB, lease *domain.Lease, stats domain.Stats) error {
	if lease == nil {
		return domain.ErrLeaseReleased
	}
	if tx == nil {
		tx = s.db
	}
	now := s.clock.Now()
	err := tx.WithContext(ctx).Exec(
		`UPDATE ingestion_partitions
		 SET row_count = ?, reject_count = ?, reject_report_uri = ?, archive_version = ?, duration_ms = ?, updated_at = ?
		 WHERE id = ?`,
		stats.RowCount, stats.RejectCount, stats.RejectReportURI, stats.ArchiveVersion, stats.Duration.Milliseconds(), now, lease.Attempt.ID,
	).Error
	if err != nil {
		return err
	}
	lease.Attempt.RowCount = stats.RowCount
	lease.Attempt.RejectCount = stats.RejectCount
	lease.Attempt.RejectReportURI = stats.RejectReportURI
	lease.Attempt.ArchiveVersion = stats.ArchiveVersion
	lease.Attempt.DurationMs = stats.Duration.Milliseconds()
	lease.Attempt.UpdatedAt = now
	return nil
}

func (s *Service) RecordError(ctx context.Context, lease *domain.Lease, cause error) error {
	if lease == nil || cause == nil {
		return nil
	}
	msg := cause.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Exec(
		`UPDATE ingestion_partitions SET last_error = ?, updated_at = ? WHERE id = ?`,
		msg, now, lease.Attempt.ID,
	).Error
	if err != nil {
		return err
	}
	lease.Attempt.LastError = msg
	lease.Attempt.UpdatedAt = now
	return nil
}

func (s *Service) MarkReconciled(ctx context.Context, attempts []domain.Attempt) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range attempts {
			attempt := attempts[i]
			if attempt.Status != domain.StatusCommitted {
				continue
			}
			err := s.transition(ctx, tx, &attempt, domain.StatusReconciled, domain.ActorReconciler)
			if errors.Is(err, domain.ErrStaleState) {
				// superseded by a concurrent force commit after the scope was taken
				s.log.Warn("partition.reconcile.skipped",
					zap.String("partition_id", attempt.ID.String()),
					zap.String("source_type", string(attempt.SourceType)),
					zap.String("partition_date", attempt.PartitionDate),
				)
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) Current(ctx context.Context, key domain.Key) (*domain.Attempt, error) {
	var attempt domain.Attempt
	err := s.db.WithContext(ctx).
		Where("source_type = ? AND partition_date = ?", key.SourceType, key.Date).
		Order("generation desc").
		Limit(1).
		Find(&attempt).Error
	if err != nil {
		return nil, err
	}
	if attempt.ID == 0 {
		return nil, nil
	}
	return &attempt, nil
}

func (s *Service) Committed(ctx context.Context, sourceType domain.SourceType) ([]domain.Attempt, error) {
	var attempts []domain.Attempt
	err := s.db.WithContext(ctx).
		Where("source_type = ? AND status IN ?", sourceType, []domain.Status{domain.StatusCommitted, domain.StatusReconciled}).
		Order("partition_date asc").
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (s *Service) History(ctx context.Context, filter domain.HistoryFilter) ([]domain.Attempt, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	stmt := s.db.WithContext(ctx).Model(&domain.Attempt{})
	if filter.SourceType != "" {
		stmt = stmt.Where("source_type = ?", filter.SourceType)
	}
	if from := strings.TrimSpace(filter.From); from != "" {
		stmt = stmt.Where("partition_date >= ?", from)
	}
	if to := strings.TrimSpace(filter.To); to != "" {
		stmt = stmt.Where("partition_date <= ?", to)
	}
	if filter.RunID != "" {
		stmt = stmt.Where("run_id = ?", filter.RunID)
	}
	if len(filter.Statuses) > 0 {
		stmt = stmt.Where("status IN ?", filter.Statuses)
	}
	if filter.AfterID > 0 {
		stmt = stmt.Where("id < ?", filter.AfterID)
	}

	var attempts []domain.Attempt
	if err := stmt.Order("id desc").Limit(limit).Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}
