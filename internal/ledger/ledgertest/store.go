// Package ledgertest provides an in-memory ledger store for service tests.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/harvest/internal/ledger"
	"github.com/odyssey-erp/harvest/internal/shared"
	"github.com/odyssey-erp/harvest/internal/shipment"
	"github.com/odyssey-erp/harvest/internal/shipment/shipmenttest"
)

// Store keeps postings and wallets in memory on top of a shipment store.
type Store struct {
	Shipments *shipmenttest.Store

	txMu    sync.Mutex
	mu      sync.RWMutex
	entries map[int64]ledger.Entry
	wallets map[int64]ledger.Wallet
	nextID  int64
}

// Snapshot is a copy of the committed state of a Store.
type Snapshot struct {
	shipments shipmenttest.Snapshot
	entries   map[int64]ledger.Entry
	wallets   map[int64]ledger.Wallet
	nextID    int64
}

// NewStore returns an empty store sharing shipments.
func NewStore(shipments *shipmenttest.Store) *Store {
	return &Store{
		Shipments: shipments,
		entries:   map[int64]ledger.Entry{},
		wallets:   map[int64]ledger.Wallet{},
	}
}

// PutWallet stores a wallet.
func (s *Store) PutWallet(w ledger.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.ID] = w
}

// Wallet returns the committed wallet.
func (s *Store) Wallet(id int64) (ledger.Wallet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	return w, ok
}

// Entries returns every committed posting in id order.
func (s *Store) Entries() []ledger.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot copies the committed state, shipments and cycles included.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		shipments: s.Shipments.Snapshot(),
		entries:   make(map[int64]ledger.Entry, len(s.entries)),
		wallets:   make(map[int64]ledger.Wallet, len(s.wallets)),
		nextID:    s.nextID,
	}
	for id, e := range s.entries {
		snap.entries[id] = e
	}
	for id, w := range s.wallets {
		snap.wallets[id] = w
	}
	return snap
}

// Restore replaces the committed state with snap.
func (s *Store) Restore(snap Snapshot) {
	s.Shipments.Restore(snap.shipments)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = snap.entries
	s.wallets = snap.wallets
	s.nextID = snap.nextID
}

// Tx returns transactional access without taking the transaction lock.
func (s *Store) Tx() ledger.TxRepository {
	return &txStore{store: s}
}

// WithTx runs fn serialised against other transactions and restores state when fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	snap := s.Snapshot()
	if err := fn(ctx, s.Tx()); err != nil {
		s.Restore(snap)
		return err
	}
	return nil
}

// ListEntries implements ledger.RepositoryPort.
func (s *Store) ListEntries(_ context.Context, cpType ledger.CounterpartyType, cpID int64, limit, offset int) ([]ledger.Entry, error) {
	var matched []ledger.Entry
	all := s.Entries()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].CounterpartyType == cpType && all[i].CounterpartyID == cpID {
			matched = append(matched, all[i])
		}
	}
	if offset >= len(matched) {
		return []ledger.Entry{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// Balance implements ledger.RepositoryPort.
func (s *Store) Balance(_ context.Context, cpType ledger.CounterpartyType, cpID int64) (ledger.Balance, error) {
	b := ledger.Balance{CounterpartyType: cpType, CounterpartyID: cpID}
	for _, e := range s.Entries() {
		if e.CounterpartyType != cpType || e.CounterpartyID != cpID {
			continue
		}
		if e.Direction == ledger.Debit {
			b.Debit += e.Amount
		} else {
			b.Credit += e.Amount
		}
	}
	b.Net = shared.Round2(b.Debit - b.Credit)
	return b, nil
}

type txStore struct {
	store *Store
}

func (t *txStore) Shipments() shipment.TxRepository {
	return t.store.Shipments.Tx()
}

func (t *txStore) InsertEntry(_ context.Context, e ledger.Entry) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.nextID++
	e.ID = t.store.nextID
	t.store.entries[e.ID] = e
	return e.ID, nil
}

func (t *txStore) DeleteEntriesByRef(_ context.Context, cpType ledger.CounterpartyType, dir ledger.Direction, refType string, refID int64) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var n int64
	for id, e := range t.store.entries {
		if e.CounterpartyType == cpType && e.Direction == dir && e.RefType == refType && e.RefID == refID {
			delete(t.store.entries, id)
			n++
		}
	}
	return n, nil
}

func (t *txStore) GetWalletForUpdate(_ context.Context, id int64) (ledger.Wallet, error) {
	w, ok := t.store.Wallet(id)
	if !ok {
		return ledger.Wallet{}, fmt.Errorf("%w: wallet %d", shared.ErrNotFound, id)
	}
	return w, nil
}

func (t *txStore) UpdateWalletBalance(_ context.Context, id int64, balance float64, at time.Time) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	w, ok := t.store.wallets[id]
	if !ok {
		return fmt.Errorf("%w: wallet %d", shared.ErrNotFound, id)
	}
	w.Balance = balance
	w.UpdatedAt = at
	t.store.wallets[id] = w
	return nil
}
