package shipment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/harvest/internal/cycle"
	"github.com/odyssey-erp/harvest/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetShipment(ctx context.Context, id int64) (Shipment, error)
}

// CycleReader reads committed crop cycles.
type CycleReader interface {
	Get(ctx context.Context, id int64) (cycle.CropCycle, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

const idempotencyModule = "shipment"

// Service loads produce onto shipments without over-committing stock.
type Service struct {
	repo     RepositoryPort
	cycles   CycleReader
	audit    AuditPort
	observer shared.OperationObserver
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, cycles CycleReader, audit AuditPort, observer shared.OperationObserver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		cycles:   cycles,
		audit:    audit,
		observer: observer,
		logger:   logger,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// LoadShipment creates a shipment together with its first allocations in one transaction.
func (s *Service) LoadShipment(ctx context.Context, input LoadInput) (Shipment, error) {
	if err := s.check(input); err != nil {
		return Shipment{}, err
	}
	requests := mergeRequests(input.Allocations)
	vehicle := shared.NormalizeIdentifier(input.VehicleNumber)
	if vehicle == "" {
		return Shipment{}, fmt.Errorf("%w: vehicle number required", shared.ErrValidation)
	}
	var result Shipment
	err := shared.RetryOnConflict(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := claim(ctx, tx, input.IdempotencyKey); err != nil {
				return err
			}
			now := s.now()
			sh := Shipment{
				TransporterID: input.TransporterID,
				BuyerID:       input.BuyerID,
				EmployeeIDs:   input.EmployeeIDs,
				VehicleNumber: vehicle,
				DriverName:    strings.TrimSpace(input.DriverName),
				DriverMobile:  strings.TrimSpace(input.DriverMobile),
				Capacity:      input.Capacity,
				Status:        StatusFilled,
				CreatedBy:     input.ActorID,
				UpdatedBy:     input.ActorID,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			id, err := tx.InsertShipment(ctx, sh)
			if err != nil {
				return err
			}
			sh.ID = id
			for _, req := range requests {
				a, err := s.allocate(ctx, tx, &sh, req, input.AllowOverCapacity, input.ActorID, now)
				if err != nil {
					return err
				}
				sh.Allocations = append(sh.Allocations, a)
			}
			if err := tx.UpdateShipment(ctx, sh); err != nil {
				return err
			}
			result = sh
			return nil
		})
	})
	shared.Observe(s.observer, "shipment.load", err)
	if err != nil {
		return Shipment{}, err
	}
	s.logger.Info("shipment loaded", slog.Int64("shipment_id", result.ID), slog.Int("total_bags", result.TotalBags))
	s.record(ctx, input.ActorID, "shipment:load", result.ID, map[string]any{
		"vehicle_number": result.VehicleNumber,
		"total_bags":     result.TotalBags,
		"allocations":    len(result.Allocations),
	})
	return result, nil
}

// Allocate loads more bags of one cycle onto a Filled shipment.
func (s *Service) Allocate(ctx context.Context, input AllocateInput) (Allocation, error) {
	if err := s.check(input); err != nil {
		return Allocation{}, err
	}
	if input.ShipmentID <= 0 {
		return Allocation{}, fmt.Errorf("%w: shipment id required", shared.ErrValidation)
	}
	var result Allocation
	err := shared.RetryOnConflict(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := claim(ctx, tx, input.IdempotencyKey); err != nil {
				return err
			}
			sh, err := tx.GetShipmentForUpdate(ctx, input.ShipmentID)
			if err != nil {
				return err
			}
			if !sh.Status.CanAllocate() {
				return fmt.Errorf("%w: shipment %d is %s", shared.ErrInvalidTransition, sh.ID, sh.Status)
			}
			now := s.now()
			req := AllocationRequest{CycleID: input.CycleID, Bags: input.Bags}
			a, err := s.allocate(ctx, tx, &sh, req, input.AllowOverCapacity, input.ActorID, now)
			if err != nil {
				return err
			}
			sh.UpdatedBy = input.ActorID
			sh.UpdatedAt = now
			if err := tx.UpdateShipment(ctx, sh); err != nil {
				return err
			}
			result = a
			return nil
		})
	})
	shared.Observe(s.observer, "shipment.allocate", err)
	if err != nil {
		return Allocation{}, err
	}
	s.record(ctx, input.ActorID, "shipment:allocate", result.ShipmentID, map[string]any{
		"cycle_id": result.CycleID,
		"bags":     result.BagsLoaded,
	})
	return result, nil
}

// Dispatch marks a Filled shipment as departed.
func (s *Service) Dispatch(ctx context.Context, input DispatchInput) (Shipment, error) {
	if err := s.check(input); err != nil {
		return Shipment{}, err
	}
	var result Shipment
	err := shared.RetryOnConflict(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			sh, err := tx.GetShipmentForUpdate(ctx, input.ShipmentID)
			if err != nil {
				return err
			}
			if !sh.Status.CanDispatch() {
				return fmt.Errorf("%w: cannot dispatch shipment in %s", shared.ErrInvalidTransition, sh.Status)
			}
			if sh.TotalBags == 0 {
				return fmt.Errorf("%w: shipment %d carries no bags", shared.ErrValidation, sh.ID)
			}
			now := s.now()
			at := now
			if !input.DispatchedOn.IsZero() {
				at = input.DispatchedOn.UTC()
			}
			sh.Status = StatusDispatched
			sh.DispatchedAt = &at
			if city := strings.TrimSpace(input.City); city != "" {
				sh.DispatchCity = city
			}
			sh.UpdatedBy = input.ActorID
			sh.UpdatedAt = now
			if err := tx.UpdateShipment(ctx, sh); err != nil {
				return err
			}
			result = sh
			return nil
		})
	})
	shared.Observe(s.observer, "shipment.dispatch", err)
	if err != nil {
		return Shipment{}, err
	}
	s.record(ctx, input.ActorID, "shipment:dispatch", result.ID, map[string]any{"city": result.DispatchCity})
	return result, nil
}

// DeleteShipment removes a shipment and returns every allocated bag to its cycle.
func (s *Service) DeleteShipment(ctx context.Context, shipmentID, actorID int64) error {
	if shipmentID <= 0 {
		return fmt.Errorf("%w: shipment id required", shared.ErrValidation)
	}
	var restored map[int64]int
	err := shared.RetryOnConflict(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			sh, err := tx.GetShipmentForUpdate(ctx, shipmentID)
			if err != nil {
				return err
			}
			if sh.Status == StatusBillGenerated {
				return fmt.Errorf("%w: shipment %d already billed", shared.ErrAlreadyFinalized, sh.ID)
			}
			if sh.Status == StatusDispatched {
				return fmt.Errorf("%w: shipment %d has been dispatched", shared.ErrInvalidTransition, sh.ID)
			}
			allocations, err := tx.ListAllocations(ctx, sh.ID)
			if err != nil {
				return err
			}
			restored = bagsByCycle(allocations)
			now := s.now()
			for _, cycleID := range sortedKeys(restored) {
				if err := restoreStock(ctx, tx.Cycles(), cycleID, restored[cycleID], actorID, now); err != nil {
					return err
				}
			}
			return tx.DeleteShipment(ctx, sh.ID)
		})
	})
	shared.Observe(s.observer, "shipment.delete", err)
	if err != nil {
		return err
	}
	s.record(ctx, actorID, "shipment:delete", shipmentID, map[string]any{"restored": restored})
	return nil
}

// Get returns a shipment with its allocations.
func (s *Service) Get(ctx context.Context, id int64) (Shipment, error) {
	if id <= 0 {
		return Shipment{}, fmt.Errorf("%w: shipment id required", shared.ErrValidation)
	}
	return s.repo.GetShipment(ctx, id)
}

// BillLines lists the printable rows for a shipment.
func (s *Service) BillLines(ctx context.Context, shipmentID int64) ([]BillLine, error) {
	sh, err := s.Get(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	lines := make([]BillLine, 0, len(sh.Allocations))
	for _, a := range sh.Allocations {
		c, err := s.cycles.Get(ctx, a.CycleID)
		if err != nil {
			return nil, err
		}
		lines = append(lines, NewBillLine(c, a.BagsLoaded))
	}
	return lines, nil
}

// allocate moves bags from a locked cycle onto sh. The caller persists sh.
func (s *Service) allocate(ctx context.Context, tx TxRepository, sh *Shipment, req AllocationRequest, allowOver bool, actorID int64, now time.Time) (Allocation, error) {
	if req.Bags <= 0 {
		return Allocation{}, fmt.Errorf("%w: bags must be positive", shared.ErrValidation)
	}
	c, err := tx.Cycles().GetForUpdate(ctx, req.CycleID)
	if err != nil {
		return Allocation{}, err
	}
	if c.Status != cycle.StatusWeighed && c.Status != cycle.StatusLoaded {
		return Allocation{}, fmt.Errorf("%w: cycle %d is %s, not weighed", shared.ErrInvalidTransition, c.ID, c.Status)
	}
	if req.Bags > c.BagsRemaining {
		return Allocation{}, fmt.Errorf("%w: cycle %d has %d bags remaining, requested %d", shared.ErrInsufficientStock, c.ID, c.BagsRemaining, req.Bags)
	}
	if !allowOver && sh.TotalBags+req.Bags > sh.Capacity {
		return Allocation{}, fmt.Errorf("%w: shipment %d has room for %d bags, requested %d", shared.ErrCapacityExceeded, sh.ID, sh.FreeCapacity(), req.Bags)
	}

	c.BagsRemaining -= req.Bags
	if c.BagsRemaining == 0 && c.Status == cycle.StatusWeighed {
		next, err := cycle.Transition(c.Status, cycle.EventLoad)
		if err != nil {
			return Allocation{}, err
		}
		c.Status = next
		c.LoadedAt = &now
	}
	c.UpdatedBy = actorID
	c.UpdatedAt = now
	if err := c.CheckInvariants(); err != nil {
		return Allocation{}, err
	}
	if err := tx.Cycles().Update(ctx, c); err != nil {
		return Allocation{}, err
	}

	a := Allocation{ShipmentID: sh.ID, CycleID: c.ID, BagsLoaded: req.Bags, CreatedBy: actorID, CreatedAt: now}
	id, err := tx.InsertAllocation(ctx, a)
	if err != nil {
		return Allocation{}, err
	}
	a.ID = id
	sh.TotalBags += req.Bags
	return a, nil
}

func restoreStock(ctx context.Context, cycles cycle.TxRepository, cycleID int64, bags int, actorID int64, now time.Time) error {
	c, err := cycles.GetForUpdate(ctx, cycleID)
	if err != nil {
		return err
	}
	if c.Status != cycle.StatusWeighed && c.Status != cycle.StatusLoaded {
		return fmt.Errorf("%w: cycle %d is already %s", shared.ErrInvalidTransition, c.ID, c.Status)
	}
	c.BagsRemaining += bags
	if c.Status == cycle.StatusLoaded {
		next, err := cycle.Transition(c.Status, cycle.EventUnload)
		if err != nil {
			return err
		}
		c.Status = next
		c.LoadedAt = nil
	}
	c.UpdatedBy = actorID
	c.UpdatedAt = now
	if err := c.CheckInvariants(); err != nil {
		return err
	}
	return cycles.Update(ctx, c)
}

// claim records token inside tx, so a request whose transaction never commits can be retried.
func claim(ctx context.Context, tx TxRepository, token string) error {
	if token == "" {
		return nil
	}
	return tx.ClaimRequest(ctx, shared.IdempotencyKey(idempotencyModule, token))
}

func (s *Service) check(input any) error {
	if err := s.validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, shipmentID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   shared.EntityShipment,
		EntityID: shared.EntityRef(shipmentID),
		Meta:     meta,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Int64("shipment_id", shipmentID), slog.Any("error", err))
	}
}

// mergeRequests sums bags per cycle and orders them by cycle id so locks are taken consistently.
func mergeRequests(reqs []AllocationRequest) []AllocationRequest {
	totals := map[int64]int{}
	for _, r := range reqs {
		totals[r.CycleID] += r.Bags
	}
	out := make([]AllocationRequest, 0, len(totals))
	for _, id := range sortedKeys(totals) {
		out = append(out, AllocationRequest{CycleID: id, Bags: totals[id]})
	}
	return out
}

func bagsByCycle(allocations []Allocation) map[int64]int {
	out := map[int64]int{}
	for _, a := range allocations {
		out[a.CycleID] += a.BagsLoaded
	}
	return out
}

func sortedKeys(m map[int64]int) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
