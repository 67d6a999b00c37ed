package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kpiledger/internal/clock"
	"github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/partition/lock"
	"github.com/smallbiznis/kpiledger/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestLedger(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	conn := testdb.New(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc := New(Params{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clock.NewFakeClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)),
		Locker: lock.NewKeyedLocker(),
	}).(*Service)
	return svc, conn
}

func customersKey(date string) domain.Key {
	return domain.Key{SourceType: domain.SourceCustomers, Date: date}
}

func commitLease(t *testing.T, svc *Service, lease *domain.Lease) {
	t.Helper()
	ctx := context.Background()
	if lease.Attempt.Status == domain.StatusPending {
		require.NoError(t, svc.Transition(ctx, nil, lease, domain.StatusValidated, domain.ActorGate))
	}
	require.NoError(t, svc.Transition(ctx, nil, lease, domain.StatusCommitted, domain.ActorWriter))
	require.NoError(t, svc.SupersedePrevious(ctx, nil, lease))
}

func TestBeginCreatesPendingAttempt(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	lease, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r1", Checksum: "abc", FileCount: 2})
	require.NoError(t, err)
	defer lease.Release()

	assert.Equal(t, 1, lease.Attempt.Generation)
	assert.Equal(t, domain.StatusPending, lease.Attempt.Status)
	assert.Equal(t, domain.ModeNormal, lease.Attempt.Mode)
	assert.False(t, lease.Resumed)
	assert.Nil(t, lease.Previous)

	current, err := svc.Current(ctx, customersKey("2024-01-01"))
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, lease.Attempt.ID, current.ID)
	assert.Equal(t, 2, current.FileCount)
}

func TestBeginRejectsInvalidKey(t *testing.T) {
	svc, _ := newTestLedger(t)
	_, err := svc.Begin(context.Background(), domain.BeginRequest{Key: customersKey("2024-02-30")})
	assert.ErrorIs(t, err, domain.ErrInvalidDate)

	_, err = svc.Begin(context.Background(), domain.BeginRequest{Key: domain.Key{SourceType: "invoices", Date: "2024-01-01"}})
	assert.ErrorIs(t, err, domain.ErrInvalidSourceType)
}

func TestBeginAlreadyCommittedIsNoOp(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	lease, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r1"})
	require.NoError(t, err)
	commitLease(t, svc, lease)
	lease.Release()

	_, err = svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r2"})
	assert.ErrorIs(t, err, domain.ErrAlreadyCommitted)

	// the lock must have been released on the no-op path
	again, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r3", Mode: domain.ModeForce})
	require.NoError(t, err)
	defer again.Release()
	assert.Equal(t, 2, again.Attempt.Generation)
	require.NotNil(t, again.Previous)
	assert.Equal(t, lease.Attempt.ID, again.Previous.ID)
}

func TestForceSupersedesPreviousGeneration(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r1"})
	require.NoError(t, err)
	commitLease(t, svc, first)
	first.Release()

	second, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r2", Mode: domain.ModeForce})
	require.NoError(t, err)
	commitLease(t, svc, second)
	second.Release()

	committed, err := svc.Committed(ctx, domain.SourceCustomers)
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, second.Attempt.ID, committed[0].ID)

	history, err := svc.History(ctx, domain.HistoryFilter{SourceType: domain.SourceCustomers})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.StatusCommitted, history[0].Status)
	assert.Equal(t, domain.StatusSuperseded, history[1].Status)
}

func TestBeginResumesPendingAttempt(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r1", Checksum: "a"})
	require.NoError(t, err)
	first.Release()

	second, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r2", Checksum: "b"})
	require.NoError(t, err)
	defer second.Release()

	assert.True(t, second.Resumed)
	assert.Equal(t, first.Attempt.ID, second.Attempt.ID)
	assert.Equal(t, "b", second.Attempt.Checksum)
	assert.Equal(t, "r2", second.Attempt.RunID)
}

func TestBeginResumesValidatedAttemptWithSameChecksum(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r1", Checksum: "a"})
	require.NoError(t, err)
	require.NoError(t, svc.Transition(ctx, nil, first, domain.StatusValidated, domain.ActorGate))
	first.Release()

	second, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r2", Checksum: "a"})
	require.NoError(t, err)
	defer second.Release()
	assert.True(t, second.Resumed)
	assert.Equal(t, domain.StatusValidated, second.Attempt.Status)
	assert.Equal(t, first.Attempt.ID, second.Attempt.ID)
}

func TestBeginRejectsValidatedAttemptWhenSourceChanged(t *testing.T) {
	svc, conn := newTestLedger(t)
	ctx := context.Background()

	first, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r1", Checksum: "a"})
	require.NoError(t, err)
	require.NoError(t, svc.Transition(ctx, nil, first, domain.StatusValidated, domain.ActorGate))
	first.Release()

	second, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r2", Checksum: "changed"})
	require.NoError(t, err)
	defer second.Release()
	assert.False(t, second.Resumed)
	assert.Equal(t, 2, second.Attempt.Generation)

	var stale domain.Attempt
	require.NoError(t, conn.First(&stale, "id = ?", first.Attempt.ID).Error)
	assert.Equal(t, domain.StatusRejected, stale.Status)
	assert.Contains(t, stale.LastError, "source files changed")
}

func TestTransitionOwnership(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	lease, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r1"})
	require.NoError(t, err)
	defer lease.Release()

	err = svc.Transition(ctx, nil, lease, domain.StatusCommitted, domain.ActorWriter)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, svc.Transition(ctx, nil, lease, domain.StatusValidated, domain.ActorGate))
	err = svc.Transition(ctx, nil, lease, domain.StatusCommitted, domain.ActorGate)
	assert.ErrorIs(t, err, domain.ErrTransitionNotOwned)
	assert.Equal(t, domain.StatusValidated, lease.Attempt.Status)
}

func TestTransitionAfterReleaseFails(t *testing.T) {
	svc, _ := newTestLedger(t)
	lease, err := svc.Begin(context.Background(), domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r1"})
	require.NoError(t, err)
	lease.Release()

	err = svc.Transition(context.Background(), nil, lease, domain.StatusValidated, domain.ActorGate)
	assert.ErrorIs(t, err, domain.ErrLeaseReleased)
}

func TestBeginBlocksUntilLeaseReleased(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r1"})
	require.NoError(t, err)

	got := make(chan *domain.Lease, 1)
	errs := make(chan error, 1)
	go func() {
		lease, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r2"})
		if err != nil {
			errs <- err
			return
		}
		got <- lease
	}()

	select {
	case <-got:
		t.Fatal("second Begin returned while the first lease was held")
	case err := <-errs:
		t.Fatalf("second Begin failed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	commitLease(t, svc, first)
	first.Release()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, domain.ErrAlreadyCommitted)
	case lease := <-got:
		lease.Release()
		t.Fatal("second Begin should observe the committed attempt")
	case <-time.After(2 * time.Second):
		t.Fatal("second Begin did not wake up")
	}
}

func TestBeginHonoursCancellationWhileWaiting(t *testing.T) {
	svc, _ := newTestLedger(t)

	first, err := svc.Begin(context.Background(), domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r1"})
	require.NoError(t, err)
	defer first.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r2"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMarkReconciled(t *testing.T) {
	svc, conn := newTestLedger(t)
	ctx := context.Background()

	lease, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r1"})
	require.NoError(t, err)
	commitLease(t, svc, lease)
	lease.Release()

	committed, err := svc.Committed(ctx, domain.SourceCustomers)
	require.NoError(t, err)
	require.NoError(t, svc.MarkReconciled(ctx, committed))

	var got domain.Attempt
	require.NoError(t, conn.First(&got, "id = ?", lease.Attempt.ID).Error)
	assert.Equal(t, domain.StatusReconciled, got.Status)

	// reconciled attempts still count as live
	_, err = svc.Begin(ctx, domain.BeginRequest{Key: customersKey("2024-01-01"), RunID: "r2"})
	assert.ErrorIs(t, err, domain.ErrAlreadyCommitted)
}

func TestBackfillResumesFromCursor(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	commitDate := func(ctx context.Context, date string) error {
		lease, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey(date), RunID: "bf", Mode: domain.ModeBackfill})
		if errors.Is(err, domain.ErrAlreadyCommitted) {
			return nil
		}
		if err != nil {
			return err
		}
		defer lease.Release()
		if err := svc.Transition(ctx, nil, lease, domain.StatusValidated, domain.ActorGate); err != nil {
			return err
		}
		return svc.Transition(ctx, nil, lease, domain.StatusCommitted, domain.ActorWriter)
	}

	boom := errors.New("interrupted")
	var seen []string
	run, err := svc.Backfill(ctx, domain.BackfillRequest{
		SourceType: domain.SourceCustomers, Start: "2024-01-01", End: "2024-01-03", RunID: "bf1",
	}, func(ctx context.Context, _ *domain.BackfillRun, date string) error {
		seen = append(seen, date)
		if date == "2024-01-02" {
			return boom
		}
		return commitDate(ctx, date)
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, domain.BackfillFailed, run.Status)
	assert.Equal(t, "2024-01-02", run.CursorDate)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02"}, seen)

	seen = nil
	resumed, err := svc.Backfill(ctx, domain.BackfillRequest{
		SourceType: domain.SourceCustomers, Start: "2024-01-01", End: "2024-01-03", RunID: "bf2", Resume: true,
	}, func(ctx context.Context, _ *domain.BackfillRun, date string) error {
		seen = append(seen, date)
		return commitDate(ctx, date)
	})
	require.NoError(t, err)
	assert.Equal(t, run.ID, resumed.ID)
	assert.Equal(t, domain.BackfillCompleted, resumed.Status)
	assert.Equal(t, "2024-01-04", resumed.CursorDate)
	assert.Equal(t, []string{"2024-01-02", "2024-01-03"}, seen)

	committed, err := svc.Committed(ctx, domain.SourceCustomers)
	require.NoError(t, err)
	assert.Len(t, committed, 3)
}

func TestBackfillResumeCarriesStoredForce(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	boom := errors.New("interrupted")
	_, err := svc.Backfill(ctx, domain.BackfillRequest{
		SourceType: domain.SourceCustomers, Start: "2024-01-01", End: "2024-01-02", Force: true, RunID: "bf1",
	}, func(ctx context.Context, run *domain.BackfillRun, date string) error {
		assert.True(t, run.Force)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var forced []bool
	resumed, err := svc.Backfill(ctx, domain.BackfillRequest{
		SourceType: domain.SourceCustomers, Start: "2024-01-01", End: "2024-01-02", Resume: true, RunID: "bf2",
	}, func(ctx context.Context, run *domain.BackfillRun, date string) error {
		forced = append(forced, run.Force)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, resumed.Force)
	assert.Equal(t, []bool{true, true}, forced)
}

func TestBackfillCancellationKeepsCommittedDates(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run, err := svc.Backfill(ctx, domain.BackfillRequest{
		SourceType: domain.SourceCustomers, Start: "2024-01-01", End: "2024-01-05", RunID: "bf",
	}, func(ctx context.Context, _ *domain.BackfillRun, date string) error {
		lease, err := svc.Begin(ctx, domain.BeginRequest{Key: customersKey(date), RunID: "bf"})
		if err != nil {
			return err
		}
		defer lease.Release()
		if err := svc.Transition(ctx, nil, lease, domain.StatusValidated, domain.ActorGate); err != nil {
			return err
		}
		if err := svc.Transition(ctx, nil, lease, domain.StatusCommitted, domain.ActorWriter); err != nil {
			return err
		}
		if date == "2024-01-02" {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.BackfillCancelled, run.Status)
	assert.Equal(t, "2024-01-03", run.CursorDate)

	committed, err := svc.Committed(context.Background(), domain.SourceCustomers)
	require.NoError(t, err)
	assert.Len(t, committed, 2)
}

func TestDateRange(t *testing.T) {
	dates, err := DateRange("2024-02-27", "2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-02-27", "2024-02-28", "2024-02-29", "2024-03-01"}, dates)

	_, err = DateRange("2024-03-02", "2024-03-01")
	assert.ErrorIs(t, err, domain.ErrInvalidRange)
}
