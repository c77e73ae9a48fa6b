package catalog

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNotBuilt is returned by Store.Current before the first publish.
var ErrNotBuilt = errors.New("index not built")

// Store owns the published snapshot and swaps it atomically.
// Readers never block: Current is a single atomic load. Writers
// (Publish, Prune) are serialized by mu so generations stay ordered.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	gen     uint64
}

// NewStore returns an empty store. Current reports ErrNotBuilt until the
// first Publish.
func NewStore() *Store {
	return &Store{}
}

// Publish makes s the visible snapshot and stamps its generation.
// A restored snapshot keeps its persisted generation when that is newer.
// Readers holding the previous snapshot keep using it undisturbed.
func (st *Store) Publish(s *Snapshot) uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.gen++
	if s.generation > st.gen {
		st.gen = s.generation
	}
	s.generation = st.gen
	st.current.Store(s)
	return st.gen
}

// Current returns the published snapshot or ErrNotBuilt.
func (st *Store) Current() (*Snapshot, error) {
	s := st.current.Load()
	if s == nil {
		return nil, ErrNotBuilt
	}
	return s, nil
}

// Prune drops records whose source files have vanished. It replaces the
// current snapshot with a copy and leaves the generation unchanged.
// It returns the snapshot that is visible afterwards.
func (st *Store) Prune(paths []string) *Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur := st.current.Load()
	if cur == nil || len(paths) == 0 {
		return cur
	}
	next := cur.Without(paths)
	if next != cur {
		st.current.Store(next)
	}
	return next
}
