package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/kpiledger/internal/partition/domain"
	"go.uber.org/zap"
)

// Backfill walks [Start, End] one date at a time, persisting a cursor that
// always points at the first date not yet known to be committed.
func (s *Service) Backfill(ctx context.Context, req domain.BackfillRequest, fn domain.DateFunc) (*domain.BackfillRun, error) {
	if fn == nil {
		return nil, errors.New("backfill date function is required")
	}
	if _, err := domain.ParseSourceType(string(req.SourceType)); err != nil {
		return nil, err
	}
	dates, err := DateRange(req.Start, req.End)
	if err != nil {
		return nil, err
	}

	run, err := s.openBackfill(ctx, req)
	if err != nil {
		return nil, err
	}
	log := s.log.With(
		zap.String("backfill_id", run.ID.String()),
		zap.String("source_type", string(run.SourceType)),
		zap.String("start_date", run.StartDate),
		zap.String("end_date", run.EndDate),
	)
	log.Info("backfill.start", zap.String("cursor_date", run.CursorDate), zap.Bool("force", run.Force))

	contiguous := true
	for _, date := range dates {
		if date < run.CursorDate {
			continue
		}
		if err := ctx.Err(); err != nil {
			return run, s.finishBackfill(run, domain.BackfillCancelled, err, log)
		}

		if err := fn(ctx, run, date); err != nil {
			status := domain.BackfillFailed
			if ctx.Err() != nil {
				status = domain.BackfillCancelled
			}
			return run, s.finishBackfill(run, status, err, log)
		}

		if contiguous {
			// progress is recorded even when ctx was cancelled during fn
			progressCtx := context.WithoutCancel(ctx)
			committed, err := s.isCommitted(progressCtx, domain.Key{SourceType: run.SourceType, Date: date})
			if err != nil {
				return run, s.finishBackfill(run, domain.BackfillFailed, err, log)
			}
			if committed {
				if err := s.advanceCursor(progressCtx, run, nextDate(date)); err != nil {
					return run, s.finishBackfill(run, domain.BackfillFailed, err, log)
				}
			} else {
				contiguous = false
			}
		}
	}

	if err := s.finishBackfill(run, domain.BackfillCompleted, nil, log); err != nil {
		return run, err
	}
	return run, nil
}

func (s *Service) openBackfill(ctx context.Context, req domain.BackfillRequest) (*domain.BackfillRun, error) {
	now := s.clock.Now()
	if req.Resume {
		var run domain.BackfillRun
		err := s.db.WithContext(ctx).
			Where("source_type = ? AND start_date = ? AND end_date = ? AND status <> ?",
				req.SourceType, req.Start, req.End, domain.BackfillCompleted).
			Order("id desc").
			Limit(1).
			Find(&run).Error
		if err != nil {
			return nil, err
		}
		if run.ID != 0 {
			err := s.db.WithContext(ctx).Exec(
				`UPDATE backfill_runs SET status = ?, run_id = ?, last_error = '', finished_at = NULL, updated_at = ? WHERE id = ?`,
				domain.BackfillRunning, req.RunID, now, run.ID,
			).Error
			if err != nil {
				return nil, err
			}
			run.Status = domain.BackfillRunning
			run.RunID = req.RunID
			run.LastError = ""
			run.FinishedAt = nil
			run.UpdatedAt = now
			return &run, nil
		}
		s.log.Info("backfill.resume.none",
			zap.String("source_type", string(req.SourceType)),
			zap.String("start_date", req.Start),
			zap.String("end_date", req.End),
		)
	}

	run := domain.BackfillRun{
		ID:         s.genID.Generate(),
		RunID:      req.RunID,
		SourceType: req.SourceType,
		StartDate:  req.Start,
		EndDate:    req.End,
		Force:      req.Force,
		CursorDate: req.Start,
		Status:     domain.BackfillRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Service) advanceCursor(ctx context.Context, run *domain.BackfillRun, cursor string) error {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Exec(
		`UPDATE backfill_runs SET cursor_date = ?, updated_at = ? WHERE id = ?`,
		cursor, now, run.ID,
	).Error
	if err != nil {
		return err
	}
	run.CursorDate = cursor
	run.UpdatedAt = now
	return nil
}

// finishBackfill runs on a fresh context so cancellation is still recorded.
func (s *Service) finishBackfill(run *domain.BackfillRun, status domain.BackfillStatus, cause error, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := s.clock.Now()
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
		if len(lastError) > maxErrorLength {
			lastError = lastError[:maxErrorLength]
		}
	}
	err := s.db.WithContext(ctx).Exec(
		`UPDATE backfill_runs SET status = ?, last_error = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
		status, lastError, now, now, run.ID,
	).Error
	run.Status = status
	run.LastError = lastError
	run.FinishedAt = &now
	run.UpdatedAt = now

	fields := []zap.Field{zap.String("status", string(status)), zap.String("cursor_date", run.CursorDate)}
	if cause != nil {
		log.Warn("backfill.finish", append(fields, zap.Error(cause))...)
	} else {
		log.Info("backfill.finish", fields...)
	}
	if err != nil {
		return errors.Join(cause, fmt.Errorf("record backfill status: %w", err))
	}
	return cause
}

func (s *Service) isCommitted(ctx context.Context, key domain.Key) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&domain.Attempt{}).
		Where("source_type = ? AND partition_date = ? AND status IN ?",
			key.SourceType, key.Date, []domain.Status{domain.StatusCommitted, domain.StatusReconciled}).
		Count(&count).Error
	return count > 0, err
}

// DateRange expands an inclusive YYYY-MM-DD range.
func DateRange(start, end string) ([]string, error) {
	from, err := time.Parse(domain.DateLayout, start)
	if err != nil {
		return nil, fmt.Errorf("%w: start %q", domain.ErrInvalidDate, start)
	}
	to, err := time.Parse(domain.DateLayout, end)
	if err != nil {
		return nil, fmt.Errorf("%w: end %q", domain.ErrInvalidDate, end)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: %s after %s", domain.ErrInvalidRange, start, end)
	}
	var dates []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(domain.DateLayout))
	}
	return dates, nil
}

func nextDate(date string) string {
	d, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return date
	}
	return d.AddDate(0, 0, 1).Format(domain.DateLayout)
}
