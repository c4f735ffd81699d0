package settlement_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/harvest/internal/cycle"
	"github.com/odyssey-erp/harvest/internal/cycle/cycletest"
	"github.com/odyssey-erp/harvest/internal/ledger"
	"github.com/odyssey-erp/harvest/internal/ledger/ledgertest"
	"github.com/odyssey-erp/harvest/internal/platform/cache"
	"github.com/odyssey-erp/harvest/internal/settlement"
	"github.com/odyssey-erp/harvest/internal/settlement/settlementtest"
	"github.com/odyssey-erp/harvest/internal/shared"
	"github.com/odyssey-erp/harvest/internal/shipment/shipmenttest"
)

var fixedNow = time.Date(2025, 6, 10, 9, 30, 0, 0, time.UTC)

type fixture struct {
	svc    *settlement.Service
	store  *settlementtest.Store
	cycles *cycletest.Store
	ledger *ledgertest.Store
}

func newFixture(t *testing.T, cfg settlement.ServiceConfig, cacheStore settlement.CachePort) fixture {
	t.Helper()
	cycles := cycletest.NewStore()
	led := ledgertest.NewStore(shipmenttest.NewStore(cycles))
	store := settlementtest.NewStore(led)
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	return fixture{
		svc:    settlement.NewService(store, cycles, nil, cacheStore, nil, nil, cfg),
		store:  store,
		cycles: cycles,
		ledger: led,
	}
}

// loadedCycle is worth gross 12500 less 2500 outstanding seed, net 10000.
func (f fixture) loadedCycle() cycle.CropCycle {
	return f.cycles.Put(cycle.CropCycle{
		FarmerID:          11,
		Status:            cycle.StatusLoaded,
		LotNumbers:        []string{"LOT-7"},
		BagsPurchased:     10,
		SeedCost:          3000,
		SeedPaid:          500,
		SeedPaymentStatus: cycle.SeedPartial,
		Deduction:         2500,
		BagsWeighed:       20,
		BagsRemaining:     0,
		FinalRate:         250,
	})
}

func split(amounts ...float64) []settlement.InstrumentInput {
	out := make([]settlement.InstrumentInput, 0, len(amounts))
	for i, a := range amounts {
		out = append(out, settlement.InstrumentInput{
			Payee:  "Ramesh Patel",
			Number: "chq " + string(rune('a'+i)) + "01",
			Amount: a,
		})
	}
	return out
}

func TestProcessPayment(t *testing.T) {
	f := newFixture(t, settlement.ServiceConfig{DefaultDueDays: 15}, nil)
	c := f.loadedCycle()

	got, err := f.svc.ProcessPayment(context.Background(), settlement.PaymentInput{
		CycleID: c.ID, Instruments: split(4000, 6000), ActorID: 5,
	})
	require.NoError(t, err)
	require.Equal(t, "2025-B-001", got.BillNumber)
	require.Equal(t, 12500.0, got.Gross)
	require.Equal(t, 2500.0, got.Deduction)
	require.Equal(t, 10000.0, got.Net)
	require.False(t, got.Paid)
	require.Equal(t, cycle.StatusChequeIssued, got.Status)
	require.Len(t, got.Instruments, 2)
	require.Equal(t, "CHQ A01", got.Instruments[0].Number)
	require.Equal(t, time.Date(2025, 6, 25, 0, 0, 0, 0, time.UTC), got.Instruments[0].DueDate)

	stored, ok := f.cycles.Cycle(c.ID)
	require.True(t, ok)
	require.Equal(t, cycle.StatusChequeIssued, stored.Status)
	require.Equal(t, "2025-B-001", stored.BillNumber)
	require.Equal(t, 10000.0, stored.NetPayment)
	require.NotNil(t, stored.PaidAt)
	require.Len(t, f.store.Instruments(c.ID), 2)

	view, err := f.svc.GetSettlement(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, got.BillNumber, view.BillNumber)
	require.Len(t, view.Instruments, 2)
}

func TestProcessPaymentMismatchWritesNothing(t *testing.T) {
	f := newFixture(t, settlement.ServiceConfig{}, nil)
	c := f.loadedCycle()

	_, err := f.svc.ProcessPayment(context.Background(), settlement.PaymentInput{
		CycleID: c.ID, Instruments: split(4000, 5999),
	})
	require.ErrorIs(t, err, shared.ErrAmountMismatch)

	stored, _ := f.cycles.Cycle(c.ID)
	require.Equal(t, cycle.StatusLoaded, stored.Status)
	require.Empty(t, stored.BillNumber)
	require.Empty(t, f.store.Instruments(c.ID))
}

func TestProcessPaymentTwice(t *testing.T) {
	f := newFixture(t, settlement.ServiceConfig{}, nil)
	c := f.loadedCycle()
	in := settlement.PaymentInput{CycleID: c.ID, Instruments: split(10000)}

	_, err := f.svc.ProcessPayment(context.Background(), in)
	require.NoError(t, err)
	_, err = f.svc.ProcessPayment(context.Background(), in)
	require.ErrorIs(t, err, shared.ErrAlreadyFinalized)
	require.Len(t, f.store.Instruments(c.ID), 1)
}

func TestProcessPaymentRequiresLoaded(t *testing.T) {
	f := newFixture(t, settlement.ServiceConfig{}, nil)
	c := f.loadedCycle()
	c.Status = cycle.StatusWeighed
	c.BagsRemaining = 5
	f.cycles.Put(c)

	_, err := f.svc.ProcessPayment(context.Background(), settlement.PaymentInput{CycleID: c.ID, Instruments: split(10000)})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	_, err = f.svc.GetSettlement(context.Background(), c.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestProcessPaymentNonPositiveNet(t *testing.T) {
	f := newFixture(t, settlement.ServiceConfig{}, nil)
	c := f.loadedCycle()
	c.SeedCost = 20000
	f.cycles.Put(c)

	_, err := f.svc.ProcessPayment(context.Background(), settlement.PaymentInput{CycleID: c.ID, Instruments: split(10000)})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestProcessPaymentConcurrent(t *testing.T) {
	f := newFixture(t, settlement.ServiceConfig{}, nil)
	c := f.loadedCycle()

	var ok, finalized atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := f.svc.ProcessPayment(ctx, settlement.PaymentInput{CycleID: c.ID, Instruments: split(10000)})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, shared.ErrAlreadyFinalized):
				finalized.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), ok.Load())
	require.Equal(t, int32(3), finalized.Load())
	require.Len(t, f.store.Instruments(c.ID), 1)
}

func TestBillNumbersAreSequential(t *testing.T) {
	f := newFixture(t, settlement.ServiceConfig{}, nil)
	prior := f.loadedCycle()
	prior.Status = cycle.StatusCleared
	prior.BillNumber = "2025-B-007"
	prior.GrossPayment, prior.NetPayment = 12500, 10000
	f.cycles.Put(prior)
	old := f.loadedCycle()
	old.Status = cycle.StatusCleared
	old.BillNumber = "2024-B-120"
	old.GrossPayment, old.NetPayment = 12500, 10000
	f.cycles.Put(old)

	first := f.loadedCycle()
	second := f.loadedCycle()
	a, err := f.svc.ProcessPayment(context.Background(), settlement.PaymentInput{CycleID: first.ID, Instruments: split(10000)})
	require.NoError(t, err)
	b, err := f.svc.ProcessPayment(context.Background(), settlement.PaymentInput{CycleID: second.ID, Instruments: split(10000)})
	require.NoError(t, err)
	require.Equal(t, "2025-B-008", a.BillNumber)
	require.Equal(t, "2025-B-009", b.BillNumber)
}

func TestConcurrentPaymentsOnDifferentCyclesGetDistinctBills(t *testing.T) {
	f := newFixture(t, settlement.ServiceConfig{}, nil)
	prior := f.loadedCycle()
	prior.Status = cycle.StatusCleared
	prior.BillNumber = "2025-B-007"
	prior.GrossPayment, prior.NetPayment = 12500, 10000
	f.cycles.Put(prior)
	first := f.loadedCycle()
	second := f.loadedCycle()

	// Both transactions take their start snapshot before either commits.
	var started sync.WaitGroup
	started.Add(2)
	var begun atomic.Int32
	f.store.BeforeTx = func() {
		if begun.Add(1) <= 2 {
			started.Done()
			started.Wait()
		}
	}

	bills := make([]string, 2)
	var g errgroup.Group
	for i, id := range []int64{first.ID, second.ID} {
		g.Go(func() error {
			got, err := f.svc.ProcessPayment(context.Background(), settlement.PaymentInput{CycleID: id, Instruments: split(10000)})
			if err != nil {
				return err
			}
			bills[i] = got.BillNumber
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.ElementsMatch(t, []string{"2025-B-008", "2025-B-009"}, bills)
	require.Equal(t, int32(3), begun.Load(), "the losing payment retries once")

	for _, id := range []int64{first.ID, second.ID} {
		stored, ok := f.cycles.Cycle(id)
		require.True(t, ok)
		require.Equal(t, cycle.StatusChequeIssued, stored.Status)
		require.Len(t, f.store.Instruments(id), 1)
	}
}

func TestProcessPaymentRejectsSubCentInstrument(t *testing.T) {
	f := newFixture(t, settlement.ServiceConfig{}, nil)
	c := f.loadedCycle()

	_, err := f.svc.ProcessPayment(context.Background(), settlement.PaymentInput{
		CycleID: c.ID, Instruments: split(10000, 0.004),
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Empty(t, f.store.Instruments(c.ID))
	stored, _ := f.cycles.Cycle(c.ID)
	require.Equal(t, cycle.StatusLoaded, stored.Status)
	require.Empty(t, stored.BillNumber)
}

func TestClearInstruments(t *testing.T) {
	f := newFixture(t, settlement.ServiceConfig{}, nil)
	f.ledger.PutWallet(ledger.Wallet{ID: 3, Name: "Bank", Balance: 15000})
	c := f.loadedCycle()
	ctx := context.Background()
	_, err := f.svc.ProcessPayment(ctx, settlement.PaymentInput{CycleID: c.ID, Instruments: split(4000, 6000)})
	require.NoError(t, err)

	got, err := f.svc.ClearInstrument(ctx, settlement.ClearInput{CycleID: c.ID, Position: 1, WalletID: 3})
	require.NoError(t, err)
	require.Equal(t, cycle.StatusChequeIssued, got.Status)
	require.False(t, got.Paid)
	require.True(t, got.Instruments[1].Cleared)

	_, err = f.svc.ClearInstrument(ctx, settlement.ClearInput{CycleID: c.ID, Position: 1, WalletID: 3})
	require.ErrorIs(t, err, shared.ErrAlreadyFinalized)
	_, err = f.svc.ClearInstrument(ctx, settlement.ClearInput{CycleID: c.ID, Position: 2, WalletID: 3})
	require.ErrorIs(t, err, shared.ErrValidation)

	got, err = f.svc.ClearInstrument(ctx, settlement.ClearInput{CycleID: c.ID, Position: 0, WalletID: 3})
	require.NoError(t, err)
	require.Equal(t, cycle.StatusCleared, got.Status)
	require.True(t, got.Paid)

	w, _ := f.ledger.Wallet(3)
	require.Equal(t, 5000.0, w.Balance)
	var debits float64
	for _, e := range f.ledger.Entries() {
		require.Equal(t, ledger.CounterpartyWallet, e.CounterpartyType)
		require.Equal(t, ledger.RefInstrument, e.RefType)
		debits += e.Amount
	}
	require.Equal(t, 10000.0, debits)

	stored, _ := f.cycles.Cycle(c.ID)
	require.Equal(t, cycle.StatusCleared, stored.Status)
	require.NotNil(t, stored.ClearedAt)

	_, err = f.svc.ClearInstrument(ctx, settlement.ClearInput{CycleID: c.ID, Position: 0, WalletID: 3})
	require.ErrorIs(t, err, shared.ErrAlreadyFinalized)
}

func TestClearInstrumentInsufficientFunds(t *testing.T) {
	f := newFixture(t, settlement.ServiceConfig{}, nil)
	f.ledger.PutWallet(ledger.Wallet{ID: 3, Name: "Bank", Balance: 1000})
	c := f.loadedCycle()
	ctx := context.Background()
	_, err := f.svc.ProcessPayment(ctx, settlement.PaymentInput{CycleID: c.ID, Instruments: split(10000)})
	require.NoError(t, err)

	_, err = f.svc.ClearInstrument(ctx, settlement.ClearInput{CycleID: c.ID, Position: 0, WalletID: 3})
	require.ErrorIs(t, err, shared.ErrInsufficientFunds)

	w, _ := f.ledger.Wallet(3)
	require.Equal(t, 1000.0, w.Balance)
	require.Empty(t, f.ledger.Entries())
	require.False(t, f.store.Instruments(c.ID)[0].Cleared)
}

func TestClearInstrumentOverdraftAllowed(t *testing.T) {
	f := newFixture(t, settlement.ServiceConfig{AllowNegativeWallet: true}, nil)
	f.ledger.PutWallet(ledger.Wallet{ID: 3, Name: "Bank", Balance: 1000})
	c := f.loadedCycle()
	ctx := context.Background()
	_, err := f.svc.ProcessPayment(ctx, settlement.PaymentInput{CycleID: c.ID, Instruments: split(10000)})
	require.NoError(t, err)

	got, err := f.svc.ClearInstrument(ctx, settlement.ClearInput{CycleID: c.ID, Position: 0, WalletID: 3})
	require.NoError(t, err)
	require.True(t, got.Paid)
	w, _ := f.ledger.Wallet(3)
	require.Equal(t, -9000.0, w.Balance)
}

func TestClearInstrumentBeforePayment(t *testing.T) {
	f := newFixture(t, settlement.ServiceConfig{}, nil)
	c := f.loadedCycle()
	_, err := f.svc.ClearInstrument(context.Background(), settlement.ClearInput{CycleID: c.ID, Position: 0, WalletID: 3})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestChequesDueCached(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	versioned := cache.NewVersioned(client, "harvest:test:due", time.Minute)

	f := newFixture(t, settlement.ServiceConfig{DefaultDueDays: 3, DueWindowDays: 7}, versioned)
	f.ledger.PutWallet(ledger.Wallet{ID: 3, Name: "Bank", Balance: 50000})
	c := f.loadedCycle()
	ctx := context.Background()
	inputs := split(4000, 6000)
	late := fixedNow.AddDate(0, 0, 30)
	inputs[1].DueDate = &late
	_, err := f.svc.ProcessPayment(ctx, settlement.PaymentInput{CycleID: c.ID, Instruments: inputs})
	require.NoError(t, err)

	due, err := f.svc.ChequesDue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, 4000.0, due[0].Amount)
	require.Equal(t, "2025-B-001", due[0].BillNumber)
	require.Equal(t, int64(11), due[0].FarmerID)

	_, err = f.svc.ChequesDue(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, f.store.DueCalls())

	wide, err := f.svc.ChequesDue(ctx, 60)
	require.NoError(t, err)
	require.Len(t, wide, 2)
	require.Equal(t, 2, f.store.DueCalls())

	_, err = f.svc.ClearInstrument(ctx, settlement.ClearInput{CycleID: c.ID, Position: 0, WalletID: 3})
	require.NoError(t, err)
	due, err = f.svc.ChequesDue(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, due)
	require.Equal(t, 3, f.store.DueCalls())
}

func TestChequesDueWithoutCache(t *testing.T) {
	f := newFixture(t, settlement.ServiceConfig{}, nil)
	due, err := f.svc.ChequesDue(context.Background(), 7)
	require.NoError(t, err)
	require.Empty(t, due)
}
