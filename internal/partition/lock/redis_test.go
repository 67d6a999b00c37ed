package lock

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLockerReleasesLocalSlotWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })
	local := NewKeyedLocker()
	locker := NewRedisLocker(local, client, "kpiledger-test", time.Minute)

	_, err := locker.Acquire(context.Background(), "orders/2024-01-01")
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := local.Acquire(ctx, "orders/2024-01-01")
	require.NoError(t, err)
	release()
}

func TestRedisLockerRejectsEmptyKey(t *testing.T) {
	locker := NewRedisLocker(NewKeyedLocker(), nil, "kpiledger-test", time.Minute)
	_, err := locker.Acquire(context.Background(), "")
	assert.Error(t, err)
}

func TestRedisLockerSerializesAcrossLockers(t *testing.T) {
	addr := os.Getenv("KPILEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KPILEDGER_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	// two lockers model two processes sharing one Redis
	a := NewRedisLocker(NewKeyedLocker(), client, "kpiledger-test", time.Minute)
	b := NewRedisLocker(NewKeyedLocker(), client, "kpiledger-test", time.Minute)
	b.poll = 20 * time.Millisecond

	releaseA, err := a.Acquire(context.Background(), "customers/2024-01-01")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx, "customers/2024-01-01")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	releaseA()
	releaseB, err := b.Acquire(context.Background(), "customers/2024-01-01")
	require.NoError(t, err)
	releaseB()
}
