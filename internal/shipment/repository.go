package shipment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/harvest/internal/cycle"
	"github.com/odyssey-erp/harvest/internal/platform/db"
	"github.com/odyssey-erp/harvest/internal/shared"
)

// Repository persists shipments and allocations in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by services.
type TxRepository interface {
	Cycles() cycle.TxRepository
	ClaimRequest(ctx context.Context, key string) error
	InsertShipment(ctx context.Context, s Shipment) (int64, error)
	GetShipmentForUpdate(ctx context.Context, id int64) (Shipment, error)
	UpdateShipment(ctx context.Context, s Shipment) error
	DeleteShipment(ctx context.Context, id int64) error
	InsertAllocation(ctx context.Context, a Allocation) (int64, error)
	ListAllocations(ctx context.Context, shipmentID int64) ([]Allocation, error)
}

type txRepository struct {
	tx     pgx.Tx
	cycles cycle.TxRepository
}

// NewTxRepository binds shipment persistence to an open transaction owned by another module.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx, cycles: cycle.NewTxRepository(tx)}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("shipment repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

const shipmentColumns = `id, transporter_id, buyer_id, employee_ids, vehicle_number, driver_name, driver_mobile,
	capacity, total_bags, status, dispatched_at, dispatch_city, billed_amount, bill_date,
	created_by, updated_by, created_at, updated_at`

// GetShipment loads a shipment with its allocations.
func (r *Repository) GetShipment(ctx context.Context, id int64) (Shipment, error) {
	s, err := scanShipment(r.pool.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM shipments WHERE id = $1", shipmentColumns), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Shipment{}, fmt.Errorf("%w: shipment %d", shared.ErrNotFound, id)
		}
		return Shipment{}, db.Classify(err)
	}
	allocations, err := listAllocations(ctx, r.pool, id)
	if err != nil {
		return Shipment{}, db.Classify(err)
	}
	s.Allocations = allocations
	return s, nil
}

func (r *txRepository) Cycles() cycle.TxRepository {
	return r.cycles
}

// ClaimRequest records key in the idempotency table; it commits or rolls back with the allocation.
func (r *txRepository) ClaimRequest(ctx context.Context, key string) error {
	return shared.ClaimIdempotencyKey(ctx, r.tx, key, idempotencyModule)
}

func (r *txRepository) InsertShipment(ctx context.Context, s Shipment) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO shipments (
	transporter_id, buyer_id, employee_ids, vehicle_number, driver_name, driver_mobile,
	capacity, total_bags, status, created_by, updated_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING id`,
		s.TransporterID, s.BuyerID, employeesOrEmpty(s.EmployeeIDs), s.VehicleNumber, s.DriverName, s.DriverMobile,
		s.Capacity, s.TotalBags, string(s.Status), s.CreatedBy, s.UpdatedBy, s.CreatedAt, s.UpdatedAt,
	).Scan(&id)
	return id, err
}

func (r *txRepository) GetShipmentForUpdate(ctx context.Context, id int64) (Shipment, error) {
	s, err := scanShipment(r.tx.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM shipments WHERE id = $1 FOR UPDATE", shipmentColumns), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Shipment{}, fmt.Errorf("%w: shipment %d", shared.ErrNotFound, id)
	}
	return s, err
}

func (r *txRepository) UpdateShipment(ctx context.Context, s Shipment) error {
	tag, err := r.tx.Exec(ctx, `UPDATE shipments SET
	total_bags = $2, status = $3, dispatched_at = $4, dispatch_city = $5,
	billed_amount = $6, bill_date = $7, updated_by = $8, updated_at = $9
WHERE id = $1`,
		s.ID, s.TotalBags, string(s.Status), s.DispatchedAt, s.DispatchCity,
		s.BilledAmount, s.BillDate, s.UpdatedBy, s.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: shipment %d", shared.ErrNotFound, s.ID)
	}
	return nil
}

func (r *txRepository) DeleteShipment(ctx context.Context, id int64) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM shipment_allocations WHERE shipment_id = $1`, id); err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `DELETE FROM shipments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: shipment %d", shared.ErrNotFound, id)
	}
	return nil
}

func (r *txRepository) InsertAllocation(ctx context.Context, a Allocation) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO shipment_allocations (shipment_id, cycle_id, bags_loaded, created_by, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`, a.ShipmentID, a.CycleID, a.BagsLoaded, a.CreatedBy, a.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) ListAllocations(ctx context.Context, shipmentID int64) ([]Allocation, error) {
	return listAllocations(ctx, r.tx, shipmentID)
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listAllocations(ctx context.Context, q rowQuerier, shipmentID int64) ([]Allocation, error) {
	rows, err := q.Query(ctx, `SELECT id, shipment_id, cycle_id, bags_loaded, created_by, created_at
FROM shipment_allocations
WHERE shipment_id = $1
ORDER BY id ASC`, shipmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	allocations := []Allocation{}
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.ShipmentID, &a.CycleID, &a.BagsLoaded, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

func scanShipment(row pgx.Row) (Shipment, error) {
	var s Shipment
	var city *string
	err := row.Scan(
		&s.ID, &s.TransporterID, &s.BuyerID, &s.EmployeeIDs, &s.VehicleNumber, &s.DriverName, &s.DriverMobile,
		&s.Capacity, &s.TotalBags, &s.Status, &s.DispatchedAt, &city, &s.BilledAmount, &s.BillDate,
		&s.CreatedBy, &s.UpdatedBy, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return Shipment{}, err
	}
	if city != nil {
		s.DispatchCity = *city
	}
	return s, nil
}

func employeesOrEmpty(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
