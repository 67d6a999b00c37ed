// Package lock provides blocking, cancellable partition-scoped locks.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
)

// Locker serializes work on a string key.
type Locker interface {
	// Acquire blocks until the key is held or ctx is done. The returned
	// function releases the key.
	Acquire(ctx context.Context, key string) (func(), error)
}

// KeyedLocker is an in-process Locker backed by one single-slot channel per key.
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: map[string]chan struct{}{}}
}

func (l *KeyedLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *KeyedLocker) Acquire(ctx context.Context, key string) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}

// AdvisoryLocker layers a PostgreSQL session advisory lock, taken on a
// dedicated connection, on top of an in-process Locker so separate
// processes sharing the database also serialize.
type AdvisoryLocker struct {
	local Locker
	db    *sql.DB
}

func NewAdvisoryLocker(local Locker, db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{local: local, db: db}
}

func (l *AdvisoryLocker) Acquire(ctx context.Context, key string) (func(), error) {
	releaseLocal, err := l.local.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		releaseLocal()
		return nil, fmt.Errorf("advisory lock connection: %w", err)
	}
	id := AdvisoryKey(key)
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		_ = conn.Close()
		releaseLocal()
		return nil, fmt.Errorf("pg_advisory_lock: %w", err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, id)
			_ = conn.Close()
			releaseLocal()
		})
	}, nil
}

// AdvisoryKey hashes key into the signed 64-bit space pg_advisory_lock expects.
func AdvisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
