package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists per-build chains.
//
// Append must reject, with ErrStaleHead, an entry whose Sequence and
// PreviousHash do not extend the build's current head. Entries returned by
// a Store have Immutable set.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Head(ctx context.Context, buildID string) (Entry, bool, error)
	Entries(ctx context.Context, buildID string) ([]Entry, error)
	Builds(ctx context.Context) ([]string, error)
}

// MemoryStore is an in-process Store: an append-only arena of entries keyed
// by build.
type MemoryStore struct {
	mu     sync.RWMutex
	builds map[string][]Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{builds: make(map[string][]Entry)}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.builds[e.BuildID]
	if err := checkExtends(chain, e); err != nil {
		return err
	}
	e.ActionData = append([]byte(nil), e.ActionData...)
	e.Immutable = true
	s.builds[e.BuildID] = append(chain, e)
	return nil
}

// Head implements Store.
func (s *MemoryStore) Head(_ context.Context, buildID string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.builds[buildID]
	if len(chain) == 0 {
		return Entry{}, false, nil
	}
	return chain[len(chain)-1], true, nil
}

// Entries implements Store.
func (s *MemoryStore) Entries(_ context.Context, buildID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.builds[buildID]...), nil
}

// Builds implements Store.
func (s *MemoryStore) Builds(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.builds))
	for id := range s.builds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func checkExtends(chain []Entry, e Entry) error {
	wantSeq := uint64(len(chain))
	wantPrev := Genesis
	if len(chain) > 0 {
		wantPrev = chain[len(chain)-1].LedgerHash
	}
	if e.Sequence != wantSeq || e.PreviousHash != wantPrev {
		return fmt.Errorf("%w: build %s at sequence %d", ErrStaleHead, e.BuildID, e.Sequence)
	}
	return nil
}
