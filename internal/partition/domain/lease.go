package domain

import (
	"sync"
)

// Lease is the caller's exclusive hold on a partition key. It carries the
// attempt being worked and the live attempt it would supersede, if any.
type Lease struct {
	Attempt  Attempt
	Previous *Attempt
	Resumed  bool

	mu       sync.Mutex
	released bool
	release  func()
}

// NewLease wraps an attempt with the function that frees its lock.
func NewLease(attempt Attempt, previous *Attempt, resumed bool, release func()) *Lease {
	return &Lease{Attempt: attempt, Previous: previous, Resumed: resumed, release: release}
}

func (l *Lease) Key() Key {
	return l.Attempt.Key()
}

// Released reports whether Release has been called.
func (l *Lease) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Release frees the partition lock. It is safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	if l.release != nil {
		l.release()
	}
}
