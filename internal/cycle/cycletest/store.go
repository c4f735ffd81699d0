// Package cycletest provides an in-memory crop cycle store for service tests.
package cycletest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/odyssey-erp/harvest/internal/cycle"
	"github.com/odyssey-erp/harvest/internal/shared"
)

// Store keeps cycles in memory. WithTx calls are serialised and roll back on error.
type Store struct {
	txMu   sync.Mutex
	mu     sync.RWMutex
	data   map[int64]cycle.CropCycle
	nextID int64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{data: map[int64]cycle.CropCycle{}}
}

// Put stores c as-is, assigning an id when missing.
func (s *Store) Put(c cycle.CropCycle) cycle.CropCycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		s.nextID++
		c.ID = s.nextID
	} else if c.ID > s.nextID {
		s.nextID = c.ID
	}
	s.data[c.ID] = clone(c)
	return clone(c)
}

// Cycle returns the committed state of id.
func (s *Store) Cycle(id int64) (cycle.CropCycle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.data[id]
	return clone(c), ok
}

// Snapshot copies the committed state.
func (s *Store) Snapshot() map[int64]cycle.CropCycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]cycle.CropCycle, len(s.data))
	for id, c := range s.data {
		out[id] = clone(c)
	}
	return out
}

// Restore replaces the committed state with snap.
func (s *Store) Restore(snap map[int64]cycle.CropCycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = snap
}

// Tx returns transactional access without taking the transaction lock. Callers that
// compose the store into their own fake transaction must serialise and roll back themselves.
func (s *Store) Tx() cycle.TxRepository {
	return &txStore{store: s}
}

// WithTx runs fn serialised against other transactions and restores state when fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, cycle.TxRepository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	snap := s.Snapshot()
	if err := fn(ctx, s.Tx()); err != nil {
		s.Restore(snap)
		return err
	}
	return nil
}

// Get implements cycle.RepositoryPort.
func (s *Store) Get(_ context.Context, id int64) (cycle.CropCycle, error) {
	c, ok := s.Cycle(id)
	if !ok {
		return cycle.CropCycle{}, fmt.Errorf("%w: crop cycle %d", shared.ErrNotFound, id)
	}
	return c, nil
}

// List implements cycle.RepositoryPort.
func (s *Store) List(_ context.Context, filter cycle.ListFilter) ([]cycle.CropCycle, int, error) {
	var matched []cycle.CropCycle
	for _, c := range s.sorted() {
		if filter.Status != nil && c.Status != *filter.Status {
			continue
		}
		if filter.FarmerID != nil && c.FarmerID != *filter.FarmerID {
			continue
		}
		matched = append(matched, c)
	}
	return window(matched, filter.Limit, filter.Offset), len(matched), nil
}

// ListLoadable implements cycle.RepositoryPort.
func (s *Store) ListLoadable(_ context.Context, limit, offset int) ([]cycle.CropCycle, error) {
	var matched []cycle.CropCycle
	for _, c := range s.sorted() {
		if c.Loadable() {
			matched = append(matched, c)
		}
	}
	return window(matched, limit, offset), nil
}

func (s *Store) sorted() []cycle.CropCycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cycle.CropCycle, 0, len(s.data))
	for _, c := range s.data {
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type txStore struct {
	store *Store
}

func (t *txStore) Insert(_ context.Context, c cycle.CropCycle) (int64, error) {
	c.ID = 0
	return t.store.Put(c).ID, nil
}

func (t *txStore) GetForUpdate(ctx context.Context, id int64) (cycle.CropCycle, error) {
	return t.store.Get(ctx, id)
}

func (t *txStore) Update(_ context.Context, c cycle.CropCycle) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, ok := t.store.data[c.ID]; !ok {
		return fmt.Errorf("%w: crop cycle %d", shared.ErrNotFound, c.ID)
	}
	t.store.data[c.ID] = clone(c)
	return nil
}

func window(items []cycle.CropCycle, limit, offset int) []cycle.CropCycle {
	if offset >= len(items) {
		return []cycle.CropCycle{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func clone(c cycle.CropCycle) cycle.CropCycle {
	if c.LotNumbers != nil {
		c.LotNumbers = append([]string(nil), c.LotNumbers...)
	}
	if c.Quality != nil {
		q := *c.Quality
		c.Quality = &q
	}
	return c
}
