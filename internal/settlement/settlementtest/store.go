// Package settlementtest provides an in-memory settlement store for service tests.
package settlementtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/harvest/internal/cycle"
	"github.com/odyssey-erp/harvest/internal/cycle/cycletest"
	"github.com/odyssey-erp/harvest/internal/ledger"
	"github.com/odyssey-erp/harvest/internal/ledger/ledgertest"
	"github.com/odyssey-erp/harvest/internal/settlement"
	"github.com/odyssey-erp/harvest/internal/shared"
)

// Store keeps instruments in memory on top of a ledger store.
type Store struct {
	Ledger *ledgertest.Store

	txMu        sync.Mutex
	mu          sync.RWMutex
	instruments map[int64]settlement.Instrument
	nextID      int64
	dueCalls    int
	sequences   map[int]int

	// BeforeTx runs after a transaction takes its start snapshot and before it
	// waits for the store. Tests use it to line up concurrent transactions.
	BeforeTx func()
}

type snapshot struct {
	ledger      ledgertest.Snapshot
	instruments map[int64]settlement.Instrument
	nextID      int64
	sequences   map[int]int
}

// NewStore returns an empty store sharing led.
func NewStore(led *ledgertest.Store) *Store {
	return &Store{Ledger: led, instruments: map[int64]settlement.Instrument{}, sequences: map[int]int{}}
}

// Instruments returns every committed instrument of cycleID in split order.
func (s *Store) Instruments(cycleID int64) []settlement.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.forCycle(cycleID)
}

// DueCalls counts ListDue calls that reached the store.
func (s *Store) DueCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dueCalls
}

// WithTx runs fn serialised against other transactions and restores state when fn fails.
// Bill counters are read as of the moment WithTx was called, like a repeatable-read snapshot.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, settlement.TxRepository) error) error {
	started := s.sequenceSnapshot()
	if s.BeforeTx != nil {
		s.BeforeTx()
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	snap := s.snapshot()
	if err := fn(ctx, &txStore{store: s, started: started}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// ListInstruments implements settlement.RepositoryPort.
func (s *Store) ListInstruments(_ context.Context, cycleID int64) ([]settlement.Instrument, error) {
	return s.Instruments(cycleID), nil
}

// ListDue implements settlement.RepositoryPort.
func (s *Store) ListDue(_ context.Context, until time.Time) ([]settlement.DueInstrument, error) {
	s.mu.Lock()
	s.dueCalls++
	all := make([]settlement.Instrument, 0, len(s.instruments))
	for _, in := range s.instruments {
		if !in.Cleared && !in.DueDate.After(until) {
			all = append(all, in)
		}
	}
	s.mu.Unlock()
	sort.Slice(all, func(i, j int) bool {
		if !all[i].DueDate.Equal(all[j].DueDate) {
			return all[i].DueDate.Before(all[j].DueDate)
		}
		return all[i].ID < all[j].ID
	})
	due := make([]settlement.DueInstrument, 0, len(all))
	for _, in := range all {
		d := settlement.DueInstrument{Instrument: in}
		if c, ok := s.cycles().Cycle(in.CycleID); ok {
			d.FarmerID = c.FarmerID
			d.BillNumber = c.BillNumber
		}
		due = append(due, d)
	}
	return due, nil
}

func (s *Store) cycles() *cycletest.Store {
	return s.Ledger.Shipments.Cycles
}

func (s *Store) forCycle(cycleID int64) []settlement.Instrument {
	out := []settlement.Instrument{}
	for _, in := range s.instruments {
		if in.CycleID == cycleID {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (s *Store) sequenceSnapshot() map[int]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]int, len(s.sequences))
	for year, seq := range s.sequences {
		out[year] = seq
	}
	return out
}

func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := snapshot{
		ledger:      s.Ledger.Snapshot(),
		instruments: make(map[int64]settlement.Instrument, len(s.instruments)),
		nextID:      s.nextID,
		sequences:   make(map[int]int, len(s.sequences)),
	}
	for id, in := range s.instruments {
		snap.instruments[id] = in
	}
	for year, seq := range s.sequences {
		snap.sequences[year] = seq
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.Ledger.Restore(snap.ledger)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments = snap.instruments
	s.nextID = snap.nextID
	s.sequences = snap.sequences
}

type txStore struct {
	store   *Store
	started map[int]int
}

func (t *txStore) Cycles() cycle.TxRepository {
	return t.store.Ledger.Shipments.Cycles.Tx()
}

func (t *txStore) Ledger() ledger.TxRepository {
	return t.store.Ledger.Tx()
}

// NextBillSequence bumps the year's counter. A bump committed by another transaction
// after this one started is a serialization conflict.
func (t *txStore) NextBillSequence(_ context.Context, year int) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	current, ok := t.store.sequences[year]
	if current != t.started[year] {
		return 0, fmt.Errorf("%w: bill sequence %d updated concurrently", shared.ErrConcurrencyConflict, year)
	}
	highest := t.highestBillSequence(year)
	next := highest + 1
	if ok && current >= highest {
		next = current + 1
	}
	t.store.sequences[year] = next
	return next, nil
}

func (t *txStore) highestBillSequence(year int) int {
	var max int
	for _, c := range t.store.cycles().Snapshot() {
		if c.BillNumber == "" {
			continue
		}
		y, seq, err := settlement.ParseBillNumber(c.BillNumber)
		if err != nil || y != year {
			continue
		}
		if seq > max {
			max = seq
		}
	}
	return max
}

func (t *txStore) InsertInstruments(_ context.Context, instruments []settlement.Instrument) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for i := range instruments {
		in := instruments[i]
		for _, existing := range t.store.instruments {
			if existing.CycleID == in.CycleID && existing.Position == in.Position {
				return fmt.Errorf("%w: instrument %d of cycle %d exists", shared.ErrConcurrencyConflict, in.Position, in.CycleID)
			}
		}
		t.store.nextID++
		instruments[i].ID = t.store.nextID
		t.store.instruments[t.store.nextID] = instruments[i]
	}
	return nil
}

func (t *txStore) ListInstrumentsForUpdate(_ context.Context, cycleID int64) ([]settlement.Instrument, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.forCycle(cycleID), nil
}

func (t *txStore) MarkInstrumentCleared(_ context.Context, in settlement.Instrument) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	existing, ok := t.store.instruments[in.ID]
	if !ok {
		return fmt.Errorf("%w: instrument %d", shared.ErrNotFound, in.ID)
	}
	if existing.Cleared {
		return fmt.Errorf("%w: instrument %d already cleared", shared.ErrAlreadyFinalized, in.ID)
	}
	existing.Cleared = true
	existing.ClearedAt = in.ClearedAt
	existing.WalletID = in.WalletID
	t.store.instruments[in.ID] = existing
	return nil
}
