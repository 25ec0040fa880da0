// Package runlock provides per-run mutual exclusion so at most one phase
// executes for a migration run at any time. Acquisition never blocks: a held
// lock is reported immediately with ErrLocked.
package runlock

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrLocked  = errors.New("run lock is held")
	ErrNotHeld = errors.New("run lock is no longer held")
)

// Lease is a held lock. Extend refreshes any expiry; it returns ErrNotHeld
// once ownership has been lost.
type Lease interface {
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

type Locker interface {
	TryAcquire(ctx context.Context, runID string) (Lease, error)
}

// MemoryLocker is a single-process Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]*memoryLease
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]*memoryLease)}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, runID string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[runID]; ok {
		return nil, ErrLocked
	}
	lease := &memoryLease{locker: l, runID: runID}
	l.held[runID] = lease
	return lease, nil
}

type memoryLease struct {
	locker *MemoryLocker
	runID  string
}

func (m *memoryLease) Extend(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if m.locker.held[m.runID] != m {
		return ErrNotHeld
	}
	return nil
}

func (m *memoryLease) Release(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if m.locker.held[m.runID] == m {
		delete(m.locker.held, m.runID)
	}
	return nil
}
