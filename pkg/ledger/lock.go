package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BuildLock grants one writer exclusive access to a build's chain. It only
// exists while it is held.
type BuildLock struct {
	BuildID    string    `json:"build_id"`
	Reason     string    `json:"reason"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockTable holds at most one BuildLock per build. Locks for different
// builds are independent.
type LockTable interface {
	// TryLock acquires lock.BuildID without waiting. It returns
	// ErrLockContention if the build is already locked.
	TryLock(ctx context.Context, lock BuildLock) error
	// Lock waits until lock.BuildID is free or ctx is done.
	Lock(ctx context.Context, lock BuildLock) error
	// Unlock releases buildID if holder holds it.
	Unlock(ctx context.Context, buildID, holder string) error
	// Get returns the current lock of buildID.
	Get(ctx context.Context, buildID string) (BuildLock, bool, error)
}

type heldLock struct {
	lock     BuildLock
	released chan struct{}
}

// MemoryLockTable is an in-process LockTable. Waiters are woken by the
// release of the lock they wait on; nothing polls.
type MemoryLockTable struct {
	mu    sync.Mutex
	locks map[string]*heldLock
}

// NewMemoryLockTable creates an empty lock table.
func NewMemoryLockTable() *MemoryLockTable {
	return &MemoryLockTable{locks: make(map[string]*heldLock)}
}

// TryLock implements LockTable.
func (t *MemoryLockTable) TryLock(_ context.Context, lock BuildLock) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.locks[lock.BuildID]; ok {
		return fmt.Errorf("%w: %s held by %s", ErrLockContention, lock.BuildID, cur.lock.Holder)
	}
	t.locks[lock.BuildID] = &heldLock{lock: lock, released: make(chan struct{})}
	return nil
}

// Lock implements LockTable.
func (t *MemoryLockTable) Lock(ctx context.Context, lock BuildLock) error {
	for {
		t.mu.Lock()
		cur, ok := t.locks[lock.BuildID]
		if !ok {
			t.locks[lock.BuildID] = &heldLock{lock: lock, released: make(chan struct{})}
			t.mu.Unlock()
			return nil
		}
		wait := cur.released
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Unlock implements LockTable.
func (t *MemoryLockTable) Unlock(_ context.Context, buildID, holder string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.locks[buildID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLocked, buildID)
	}
	if cur.lock.Holder != holder {
		return fmt.Errorf("%w: %s held by %s, not %s", ErrNotLockHolder, buildID, cur.lock.Holder, holder)
	}
	delete(t.locks, buildID)
	close(cur.released)
	return nil
}

// Get implements LockTable.
func (t *MemoryLockTable) Get(_ context.Context, buildID string) (BuildLock, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.locks[buildID]
	if !ok {
		return BuildLock{}, false, nil
	}
	return cur.lock, true, nil
}
