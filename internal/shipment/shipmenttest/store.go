// Package shipmenttest provides an in-memory shipment store for service tests.
package shipmenttest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/odyssey-erp/harvest/internal/cycle"
	"github.com/odyssey-erp/harvest/internal/cycle/cycletest"
	"github.com/odyssey-erp/harvest/internal/shared"
	"github.com/odyssey-erp/harvest/internal/shipment"
)

// Store keeps shipments in memory on top of a cycle store.
type Store struct {
	Cycles *cycletest.Store

	txMu        sync.Mutex
	mu          sync.RWMutex
	shipments   map[int64]shipment.Shipment
	allocations map[int64]shipment.Allocation
	nextID      int64
	nextAlloc   int64
	requests    map[string]struct{}
	failNext    error
}

// Snapshot is a copy of the committed state of a Store.
type Snapshot struct {
	cycles      map[int64]cycle.CropCycle
	shipments   map[int64]shipment.Shipment
	allocations map[int64]shipment.Allocation
	nextID      int64
	nextAlloc   int64
	requests    map[string]struct{}
}

// NewStore returns an empty store sharing cycles.
func NewStore(cycles *cycletest.Store) *Store {
	return &Store{
		Cycles:      cycles,
		shipments:   map[int64]shipment.Shipment{},
		allocations: map[int64]shipment.Allocation{},
		requests:    map[string]struct{}{},
	}
}

// FailNextAllocation makes the next InsertAllocation return err.
func (s *Store) FailNextAllocation(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Put stores sh directly, assigning an id when missing.
func (s *Store) Put(sh shipment.Shipment) shipment.Shipment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh.ID == 0 {
		s.nextID++
		sh.ID = s.nextID
	}
	sh.Allocations = nil
	s.shipments[sh.ID] = sh
	return sh
}

// Shipment returns the committed shipment with allocations.
func (s *Store) Shipment(id int64) (shipment.Shipment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shipments[id]
	if !ok {
		return shipment.Shipment{}, false
	}
	sh.Allocations = s.allocationsFor(id)
	return sh, true
}

// Allocations returns every committed allocation.
func (s *Store) Allocations() []shipment.Allocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]shipment.Allocation, 0, len(s.allocations))
	for _, a := range s.allocations {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Requests counts committed request keys.
func (s *Store) Requests() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// Snapshot copies the committed state, cycles included.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		cycles:      s.Cycles.Snapshot(),
		shipments:   make(map[int64]shipment.Shipment, len(s.shipments)),
		allocations: make(map[int64]shipment.Allocation, len(s.allocations)),
		nextID:      s.nextID,
		nextAlloc:   s.nextAlloc,
		requests:    make(map[string]struct{}, len(s.requests)),
	}
	for id, sh := range s.shipments {
		snap.shipments[id] = sh
	}
	for id, a := range s.allocations {
		snap.allocations[id] = a
	}
	for key := range s.requests {
		snap.requests[key] = struct{}{}
	}
	return snap
}

// Restore replaces the committed state with snap.
func (s *Store) Restore(snap Snapshot) {
	s.Cycles.Restore(snap.cycles)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shipments = snap.shipments
	s.allocations = snap.allocations
	s.nextID = snap.nextID
	s.nextAlloc = snap.nextAlloc
	s.requests = snap.requests
}

// Tx returns transactional access without taking the transaction lock.
func (s *Store) Tx() shipment.TxRepository {
	return &txStore{store: s}
}

// WithTx runs fn serialised against other transactions and restores state when fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, shipment.TxRepository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	snap := s.Snapshot()
	if err := fn(ctx, s.Tx()); err != nil {
		s.Restore(snap)
		return err
	}
	return nil
}

// GetShipment implements shipment.RepositoryPort.
func (s *Store) GetShipment(_ context.Context, id int64) (shipment.Shipment, error) {
	sh, ok := s.Shipment(id)
	if !ok {
		return shipment.Shipment{}, fmt.Errorf("%w: shipment %d", shared.ErrNotFound, id)
	}
	return sh, nil
}

func (s *Store) allocationsFor(shipmentID int64) []shipment.Allocation {
	var out []shipment.Allocation
	for _, a := range s.allocations {
		if a.ShipmentID == shipmentID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type txStore struct {
	store *Store
}

func (t *txStore) Cycles() cycle.TxRepository {
	return t.store.Cycles.Tx()
}

func (t *txStore) ClaimRequest(_ context.Context, key string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, ok := t.store.requests[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	t.store.requests[key] = struct{}{}
	return nil
}

func (t *txStore) InsertShipment(_ context.Context, sh shipment.Shipment) (int64, error) {
	sh.ID = 0
	return t.store.Put(sh).ID, nil
}

func (t *txStore) GetShipmentForUpdate(ctx context.Context, id int64) (shipment.Shipment, error) {
	sh, err := t.store.GetShipment(ctx, id)
	if err != nil {
		return shipment.Shipment{}, err
	}
	sh.Allocations = nil
	return sh, nil
}

func (t *txStore) UpdateShipment(_ context.Context, sh shipment.Shipment) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, ok := t.store.shipments[sh.ID]; !ok {
		return fmt.Errorf("%w: shipment %d", shared.ErrNotFound, sh.ID)
	}
	sh.Allocations = nil
	t.store.shipments[sh.ID] = sh
	return nil
}

func (t *txStore) DeleteShipment(_ context.Context, id int64) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, ok := t.store.shipments[id]; !ok {
		return fmt.Errorf("%w: shipment %d", shared.ErrNotFound, id)
	}
	delete(t.store.shipments, id)
	for aid, a := range t.store.allocations {
		if a.ShipmentID == id {
			delete(t.store.allocations, aid)
		}
	}
	return nil
}

func (t *txStore) InsertAllocation(_ context.Context, a shipment.Allocation) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if err := t.store.failNext; err != nil {
		t.store.failNext = nil
		return 0, err
	}
	t.store.nextAlloc++
	a.ID = t.store.nextAlloc
	t.store.allocations[a.ID] = a
	return a.ID, nil
}

func (t *txStore) ListAllocations(_ context.Context, shipmentID int64) ([]shipment.Allocation, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.allocationsFor(shipmentID), nil
}
