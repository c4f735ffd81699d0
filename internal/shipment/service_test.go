package shipment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/harvest/internal/cycle"
	"github.com/odyssey-erp/harvest/internal/cycle/cycletest"
	"github.com/odyssey-erp/harvest/internal/shared"
	"github.com/odyssey-erp/harvest/internal/shipment"
	"github.com/odyssey-erp/harvest/internal/shipment/shipmenttest"
)

type fixture struct {
	svc    *shipment.Service
	store  *shipmenttest.Store
	cycles *cycletest.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cycles := cycletest.NewStore()
	store := shipmenttest.NewStore(cycles)
	return fixture{
		svc:    shipment.NewService(store, cycles, nil, nil, nil),
		store:  store,
		cycles: cycles,
	}
}

func (f fixture) weighedCycle(purchased, weighed int) cycle.CropCycle {
	now := time.Now().UTC()
	return f.cycles.Put(cycle.CropCycle{
		FarmerID:      11,
		Status:        cycle.StatusWeighed,
		LotNumbers:    []string{"LOT-7"},
		BagsPurchased: purchased,
		BagsWeighed:   weighed,
		BagsRemaining: weighed,
		FinalRate:     250,
		WeighedAt:     &now,
	})
}

func (f fixture) emptyShipment(capacity int) shipment.Shipment {
	return f.store.Put(shipment.Shipment{
		TransporterID: 1,
		BuyerID:       2,
		VehicleNumber: "GJ01AB1234",
		Capacity:      capacity,
		Status:        shipment.StatusFilled,
	})
}

func loadInput(capacity int, reqs ...shipment.AllocationRequest) shipment.LoadInput {
	return shipment.LoadInput{
		TransporterID: 1,
		BuyerID:       2,
		VehicleNumber: " gj 01 ab 1234 ",
		DriverName:    "Ramesh",
		Capacity:      capacity,
		Allocations:   reqs,
		ActorID:       5,
	}
}

func (f fixture) requireConsistent(t *testing.T) {
	t.Helper()
	loaded := map[int64]int{}
	perShipment := map[int64]int{}
	for _, a := range f.store.Allocations() {
		loaded[a.CycleID] += a.BagsLoaded
		perShipment[a.ShipmentID] += a.BagsLoaded
	}
	for id, c := range f.cycles.Snapshot() {
		require.GreaterOrEqual(t, c.BagsRemaining, 0)
		require.Equal(t, c.BagsWeighed-loaded[id], c.BagsRemaining, "cycle %d", id)
	}
	for id, total := range perShipment {
		sh, ok := f.store.Shipment(id)
		require.True(t, ok)
		require.Equal(t, total, sh.TotalBags, "shipment %d", id)
	}
}

func TestAllocationAcrossTwoShipments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.weighedCycle(20, 18)

	first, err := f.svc.LoadShipment(ctx, loadInput(30, shipment.AllocationRequest{CycleID: c.ID, Bags: 10}))
	require.NoError(t, err)
	require.Equal(t, 10, first.TotalBags)
	require.Equal(t, "GJ 01 AB 1234", first.VehicleNumber)

	after, _ := f.cycles.Cycle(c.ID)
	require.Equal(t, 8, after.BagsRemaining)
	require.Equal(t, cycle.StatusWeighed, after.Status)
	require.Nil(t, after.LoadedAt)

	second, err := f.svc.LoadShipment(ctx, loadInput(30, shipment.AllocationRequest{CycleID: c.ID, Bags: 8}))
	require.NoError(t, err)
	require.Equal(t, 8, second.TotalBags)

	after, _ = f.cycles.Cycle(c.ID)
	require.Zero(t, after.BagsRemaining)
	require.Equal(t, cycle.StatusLoaded, after.Status)
	require.NotNil(t, after.LoadedAt)
	f.requireConsistent(t)
}

func TestAllocateExactRemainderLoadsCycle(t *testing.T) {
	f := newFixture(t)
	c := f.weighedCycle(10, 6)
	sh := f.emptyShipment(10)

	a, err := f.svc.Allocate(context.Background(), shipment.AllocateInput{ShipmentID: sh.ID, CycleID: c.ID, Bags: 6, ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, 6, a.BagsLoaded)

	after, _ := f.cycles.Cycle(c.ID)
	require.Equal(t, cycle.StatusLoaded, after.Status)
	require.Zero(t, after.BagsRemaining)
}

func TestAllocateOneBelowRemainderStaysWeighed(t *testing.T) {
	f := newFixture(t)
	c := f.weighedCycle(10, 6)
	sh := f.emptyShipment(10)

	_, err := f.svc.Allocate(context.Background(), shipment.AllocateInput{ShipmentID: sh.ID, CycleID: c.ID, Bags: 5, ActorID: 1})
	require.NoError(t, err)

	after, _ := f.cycles.Cycle(c.ID)
	require.Equal(t, cycle.StatusWeighed, after.Status)
	require.Equal(t, 1, after.BagsRemaining)
}

func TestOverRequestWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.weighedCycle(20, 18)
	other := f.weighedCycle(20, 5)

	_, err := f.svc.LoadShipment(ctx, loadInput(50,
		shipment.AllocationRequest{CycleID: c.ID, Bags: 10},
		shipment.AllocationRequest{CycleID: other.ID, Bags: 6},
	))
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	after, _ := f.cycles.Cycle(c.ID)
	require.Equal(t, 18, after.BagsRemaining)
	_, exists := f.store.Shipment(1)
	require.False(t, exists)
	require.Empty(t, f.store.Allocations())
}

func TestDuplicateCycleRequestsAreMerged(t *testing.T) {
	f := newFixture(t)
	c := f.weighedCycle(20, 18)

	sh, err := f.svc.LoadShipment(context.Background(), loadInput(30,
		shipment.AllocationRequest{CycleID: c.ID, Bags: 4},
		shipment.AllocationRequest{CycleID: c.ID, Bags: 5},
	))
	require.NoError(t, err)
	require.Len(t, sh.Allocations, 1)
	require.Equal(t, 9, sh.TotalBags)
}

func TestAllocateRequiresWeighedCycle(t *testing.T) {
	f := newFixture(t)
	c := f.cycles.Put(cycle.CropCycle{Status: cycle.StatusPriced, BagsPurchased: 10})
	sh := f.emptyShipment(10)

	_, err := f.svc.Allocate(context.Background(), shipment.AllocateInput{ShipmentID: sh.ID, CycleID: c.ID, Bags: 1, ActorID: 1})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestAllocateRejectsNonPositiveBags(t *testing.T) {
	f := newFixture(t)
	c := f.weighedCycle(10, 6)
	sh := f.emptyShipment(10)

	_, err := f.svc.Allocate(context.Background(), shipment.AllocateInput{ShipmentID: sh.ID, CycleID: c.ID, Bags: 0, ActorID: 1})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCapacityIsEnforcedUnlessOverridden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.weighedCycle(20, 18)
	sh := f.emptyShipment(10)

	_, err := f.svc.Allocate(ctx, shipment.AllocateInput{ShipmentID: sh.ID, CycleID: c.ID, Bags: 12, ActorID: 1})
	require.ErrorIs(t, err, shared.ErrCapacityExceeded)

	_, err = f.svc.Allocate(ctx, shipment.AllocateInput{ShipmentID: sh.ID, CycleID: c.ID, Bags: 12, AllowOverCapacity: true, ActorID: 1})
	require.NoError(t, err)
	got, _ := f.store.Shipment(sh.ID)
	require.Equal(t, 12, got.TotalBags)
}

func TestAllocateToDispatchedShipment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.weighedCycle(20, 18)
	sh, err := f.svc.LoadShipment(ctx, loadInput(30, shipment.AllocationRequest{CycleID: c.ID, Bags: 4}))
	require.NoError(t, err)
	_, err = f.svc.Dispatch(ctx, shipment.DispatchInput{ShipmentID: sh.ID, City: "Unjha", ActorID: 1})
	require.NoError(t, err)

	_, err = f.svc.Allocate(ctx, shipment.AllocateInput{ShipmentID: sh.ID, CycleID: c.ID, Bags: 1, ActorID: 1})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestConcurrentAllocationsNeverOvercommit(t *testing.T) {
	f := newFixture(t)
	c := f.weighedCycle(20, 18)
	shipments := []shipment.Shipment{f.emptyShipment(20), f.emptyShipment(20)}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, sh := range shipments {
		g.Go(func() error {
			_, err := f.svc.Allocate(context.Background(), shipment.AllocateInput{ShipmentID: sh.ID, CycleID: c.ID, Bags: 10, ActorID: 1})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, shared.ErrInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, short)

	after, _ := f.cycles.Cycle(c.ID)
	require.Equal(t, 8, after.BagsRemaining)
	f.requireConsistent(t)
}

func TestFailedInsertRollsBackStock(t *testing.T) {
	f := newFixture(t)
	c := f.weighedCycle(20, 18)
	sh := f.emptyShipment(20)
	f.store.FailNextAllocation(errors.New("disk full"))

	_, err := f.svc.Allocate(context.Background(), shipment.AllocateInput{ShipmentID: sh.ID, CycleID: c.ID, Bags: 18, ActorID: 1})
	require.Error(t, err)

	after, _ := f.cycles.Cycle(c.ID)
	require.Equal(t, 18, after.BagsRemaining)
	require.Equal(t, cycle.StatusWeighed, after.Status)
	got, _ := f.store.Shipment(sh.ID)
	require.Zero(t, got.TotalBags)
}

func TestRetriedRequestIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.weighedCycle(20, 18)
	sh := f.emptyShipment(20)
	input := shipment.AllocateInput{ShipmentID: sh.ID, CycleID: c.ID, Bags: 3, IdempotencyKey: "req-1", ActorID: 1}

	_, err := f.svc.Allocate(ctx, input)
	require.NoError(t, err)
	_, err = f.svc.Allocate(ctx, input)
	require.ErrorIs(t, err, shared.ErrAlreadyFinalized)

	after, _ := f.cycles.Cycle(c.ID)
	require.Equal(t, 15, after.BagsRemaining)
}

func TestFailedRequestReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	c := f.weighedCycle(20, 18)
	sh := f.emptyShipment(20)

	_, err := f.svc.Allocate(context.Background(), shipment.AllocateInput{ShipmentID: sh.ID, CycleID: c.ID, Bags: 30, IdempotencyKey: "req-2", ActorID: 1})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Zero(t, f.store.Requests())
}

func TestRequestInterruptedBeforeCommitCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.weighedCycle(20, 18)
	sh := f.emptyShipment(20)
	input := shipment.AllocateInput{ShipmentID: sh.ID, CycleID: c.ID, Bags: 4, IdempotencyKey: "req-3", ActorID: 1}

	f.store.FailNextAllocation(fmt.Errorf("%w: connection reset", shared.ErrPersistence))
	_, err := f.svc.Allocate(ctx, input)
	require.ErrorIs(t, err, shared.ErrPersistence)
	require.Zero(t, f.store.Requests())

	got, err := f.svc.Allocate(ctx, input)
	require.NoError(t, err)
	require.Equal(t, 4, got.BagsLoaded)
	require.Equal(t, 1, f.store.Requests())

	_, err = f.svc.Allocate(ctx, input)
	require.ErrorIs(t, err, shared.ErrAlreadyFinalized)
	after, _ := f.cycles.Cycle(c.ID)
	require.Equal(t, 14, after.BagsRemaining)
}

func TestDeleteShipmentRestoresStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.weighedCycle(20, 18)
	other := f.weighedCycle(10, 4)
	sh, err := f.svc.LoadShipment(ctx, loadInput(30,
		shipment.AllocationRequest{CycleID: c.ID, Bags: 18},
		shipment.AllocationRequest{CycleID: other.ID, Bags: 2},
	))
	require.NoError(t, err)
	loaded, _ := f.cycles.Cycle(c.ID)
	require.Equal(t, cycle.StatusLoaded, loaded.Status)

	require.NoError(t, f.svc.DeleteShipment(ctx, sh.ID, 1))

	restored, _ := f.cycles.Cycle(c.ID)
	require.Equal(t, 18, restored.BagsRemaining)
	require.Equal(t, cycle.StatusWeighed, restored.Status)
	require.Nil(t, restored.LoadedAt)
	partial, _ := f.cycles.Cycle(other.ID)
	require.Equal(t, 4, partial.BagsRemaining)
	_, exists := f.store.Shipment(sh.ID)
	require.False(t, exists)
	require.Empty(t, f.store.Allocations())
}

func TestDeleteBilledShipmentIsRejected(t *testing.T) {
	f := newFixture(t)
	sh := f.store.Put(shipment.Shipment{Capacity: 10, Status: shipment.StatusBillGenerated})

	err := f.svc.DeleteShipment(context.Background(), sh.ID, 1)
	require.ErrorIs(t, err, shared.ErrAlreadyFinalized)
}

func TestDeleteDispatchedShipmentIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.weighedCycle(20, 18)
	sh, err := f.svc.LoadShipment(ctx, loadInput(30, shipment.AllocationRequest{CycleID: c.ID, Bags: 18}))
	require.NoError(t, err)
	_, err = f.svc.Dispatch(ctx, shipment.DispatchInput{ShipmentID: sh.ID, City: "Unjha", ActorID: 1})
	require.NoError(t, err)

	err = f.svc.DeleteShipment(ctx, sh.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	_, exists := f.store.Shipment(sh.ID)
	require.True(t, exists)
	after, _ := f.cycles.Cycle(c.ID)
	require.Equal(t, cycle.StatusLoaded, after.Status)
	require.Zero(t, after.BagsRemaining)
}

func TestDeleteShipmentOfPaidCycleIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.weighedCycle(20, 18)
	sh, err := f.svc.LoadShipment(ctx, loadInput(30, shipment.AllocationRequest{CycleID: c.ID, Bags: 18}))
	require.NoError(t, err)

	paid, _ := f.cycles.Cycle(c.ID)
	paid.Status = cycle.StatusChequeIssued
	f.cycles.Put(paid)

	err = f.svc.DeleteShipment(ctx, sh.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	_, exists := f.store.Shipment(sh.ID)
	require.True(t, exists)
}

func TestDispatchOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.weighedCycle(20, 18)
	sh, err := f.svc.LoadShipment(ctx, loadInput(30, shipment.AllocationRequest{CycleID: c.ID, Bags: 5}))
	require.NoError(t, err)
	on := time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)

	dispatched, err := f.svc.Dispatch(ctx, shipment.DispatchInput{ShipmentID: sh.ID, DispatchedOn: on, City: "Unjha", ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, shipment.StatusDispatched, dispatched.Status)
	require.Equal(t, on, *dispatched.DispatchedAt)

	_, err = f.svc.Dispatch(ctx, shipment.DispatchInput{ShipmentID: sh.ID, ActorID: 1})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestBillLines(t *testing.T) {
	f := newFixture(t)
	c := f.weighedCycle(20, 18)
	sh, err := f.svc.LoadShipment(context.Background(), loadInput(30, shipment.AllocationRequest{CycleID: c.ID, Bags: 10}))
	require.NoError(t, err)

	lines, err := f.svc.BillLines(context.Background(), sh.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, c.ID, lines[0].CycleID)
	require.EqualValues(t, 11, lines[0].FarmerID)
	require.Equal(t, 25.0, lines[0].WeightMan)
	require.Equal(t, 250.0, lines[0].Rate)
	require.Equal(t, []string{"LOT-7"}, lines[0].LotNumbers)
}

func TestGetMissingShipment(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Get(context.Background(), 99)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
