package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/harvest/internal/platform/db"
	"github.com/odyssey-erp/harvest/internal/shared"
)

// Repository persists crop cycles in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by services.
type TxRepository interface {
	Insert(ctx context.Context, c CropCycle) (int64, error)
	GetForUpdate(ctx context.Context, id int64) (CropCycle, error)
	Update(ctx context.Context, c CropCycle) error
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds cycle persistence to an open transaction owned by another module.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("cycle repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const selectColumns = `id, farmer_id, farm_id, seed_variety_id, status, lot_numbers,
	bags_purchased, bags_returned, bags_weighed, bags_remaining, high_yield_flag,
	seed_rate_per_bag, seed_cost, seed_paid, seed_outstanding, seed_payment_status,
	moisture_pct, purity_pct, dust_pct, color_grade, non_seed_level, quality_remark,
	temporary_price, final_rate, proposed_by, verified_by,
	gross_payment, deduction, net_payment, bill_number, paid,
	harvested_at, sample_collected_at, sampled_at, price_proposed_at, priced_at,
	weighed_at, loaded_at, paid_at, cleared_at,
	created_by, updated_by, created_at, updated_at`

// Get loads a cycle by id.
func (r *Repository) Get(ctx context.Context, id int64) (CropCycle, error) {
	c, err := getCycle(ctx, r.pool, id, false)
	return c, db.Classify(err)
}

// List returns cycles matching filter and the total count ignoring pagination.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]CropCycle, int, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.FarmerID != nil {
		args = append(args, *filter.FarmerID)
		clauses = append(clauses, fmt.Sprintf("farmer_id = $%d", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM crop_cycles"+where, args...).Scan(&total); err != nil {
		return nil, 0, db.Classify(err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf("SELECT %s FROM crop_cycles%s ORDER BY id DESC LIMIT $%d OFFSET $%d",
		selectColumns, where, len(args)-1, len(args))
	cycles, err := queryCycles(ctx, r.pool, query, args...)
	if err != nil {
		return nil, 0, db.Classify(err)
	}
	return cycles, total, nil
}

// ListLoadable lists weighed cycles that still have bags to load, oldest first.
func (r *Repository) ListLoadable(ctx context.Context, limit, offset int) ([]CropCycle, error) {
	query := fmt.Sprintf(`SELECT %s FROM crop_cycles
WHERE status IN ($1, $2) AND bags_remaining > 0
ORDER BY weighed_at ASC NULLS LAST, id ASC
LIMIT $3 OFFSET $4`, selectColumns)
	cycles, err := queryCycles(ctx, r.pool, query, string(StatusWeighed), string(StatusLoaded), limit, offset)
	return cycles, db.Classify(err)
}

func (r *txRepository) Insert(ctx context.Context, c CropCycle) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO crop_cycles (
	farmer_id, farm_id, seed_variety_id, status, lot_numbers,
	bags_purchased, bags_returned, bags_weighed, bags_remaining,
	seed_rate_per_bag, seed_cost, seed_paid, seed_outstanding, seed_payment_status,
	deduction, created_by, updated_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
RETURNING id`,
		c.FarmerID, c.FarmID, c.SeedVarietyID, string(c.Status), lotsOrEmpty(c.LotNumbers),
		c.BagsPurchased, c.BagsReturned, c.BagsWeighed, c.BagsRemaining,
		c.SeedRatePerBag, c.SeedCost, c.SeedPaid, c.SeedOutstanding, string(c.SeedPaymentStatus),
		c.Deduction, c.CreatedBy, c.UpdatedBy, c.CreatedAt, c.UpdatedAt,
	).Scan(&id)
	return id, err
}

func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (CropCycle, error) {
	return getCycle(ctx, r.tx, id, true)
}

func (r *txRepository) Update(ctx context.Context, c CropCycle) error {
	q := qualityColumns(c.Quality)
	tag, err := r.tx.Exec(ctx, `UPDATE crop_cycles SET
	status = $2, lot_numbers = $3,
	bags_returned = $4, bags_weighed = $5, bags_remaining = $6, high_yield_flag = $7,
	seed_cost = $8, seed_paid = $9, seed_outstanding = $10, seed_payment_status = $11,
	moisture_pct = $12, purity_pct = $13, dust_pct = $14, color_grade = $15, non_seed_level = $16, quality_remark = $17,
	temporary_price = $18, final_rate = $19, proposed_by = $20, verified_by = $21,
	gross_payment = $22, deduction = $23, net_payment = $24, bill_number = $25, paid = $26,
	harvested_at = $27, sample_collected_at = $28, sampled_at = $29, price_proposed_at = $30, priced_at = $31,
	weighed_at = $32, loaded_at = $33, paid_at = $34, cleared_at = $35,
	updated_by = $36, updated_at = $37
WHERE id = $1`,
		c.ID, string(c.Status), lotsOrEmpty(c.LotNumbers),
		c.BagsReturned, c.BagsWeighed, c.BagsRemaining, c.HighYieldFlag,
		c.SeedCost, c.SeedPaid, c.SeedOutstanding, string(c.SeedPaymentStatus),
		q.moisture, q.purity, q.dust, q.color, q.nonSeed, q.remark,
		c.TemporaryPrice, c.FinalRate, nullInt(c.ProposedBy), nullInt(c.VerifiedBy),
		c.GrossPayment, c.Deduction, c.NetPayment, nullString(c.BillNumber), c.Paid,
		c.HarvestedAt, c.SampleCollectedAt, c.SampledAt, c.PriceProposedAt, c.PricedAt,
		c.WeighedAt, c.LoadedAt, c.PaidAt, c.ClearedAt,
		c.UpdatedBy, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: crop cycle %d", shared.ErrNotFound, c.ID)
	}
	return nil
}

func getCycle(ctx context.Context, q querier, id int64, lock bool) (CropCycle, error) {
	query := fmt.Sprintf("SELECT %s FROM crop_cycles WHERE id = $1", selectColumns)
	if lock {
		query += " FOR UPDATE"
	}
	c, err := scanCycle(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return CropCycle{}, fmt.Errorf("%w: crop cycle %d", shared.ErrNotFound, id)
	}
	return c, err
}

func queryCycles(ctx context.Context, q querier, query string, args ...any) ([]CropCycle, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cycles := []CropCycle{}
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

func scanCycle(row pgx.Row) (CropCycle, error) {
	var (
		c          CropCycle
		moisture   *float64
		purity     *float64
		dust       *float64
		color      *string
		nonSeed    *string
		remark     *string
		proposedBy *int64
		verifiedBy *int64
		billNumber *string
	)
	err := row.Scan(
		&c.ID, &c.FarmerID, &c.FarmID, &c.SeedVarietyID, &c.Status, &c.LotNumbers,
		&c.BagsPurchased, &c.BagsReturned, &c.BagsWeighed, &c.BagsRemaining, &c.HighYieldFlag,
		&c.SeedRatePerBag, &c.SeedCost, &c.SeedPaid, &c.SeedOutstanding, &c.SeedPaymentStatus,
		&moisture, &purity, &dust, &color, &nonSeed, &remark,
		&c.TemporaryPrice, &c.FinalRate, &proposedBy, &verifiedBy,
		&c.GrossPayment, &c.Deduction, &c.NetPayment, &billNumber, &c.Paid,
		&c.HarvestedAt, &c.SampleCollectedAt, &c.SampledAt, &c.PriceProposedAt, &c.PricedAt,
		&c.WeighedAt, &c.LoadedAt, &c.PaidAt, &c.ClearedAt,
		&c.CreatedBy, &c.UpdatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return CropCycle{}, err
	}
	if color != nil {
		c.Quality = &Quality{
			MoisturePct: deref(moisture),
			PurityPct:   deref(purity),
			DustPct:     deref(dust),
			Color:       ColorGrade(*color),
			NonSeed:     NonSeedLevel(derefString(nonSeed)),
			Remark:      derefString(remark),
		}
	}
	if proposedBy != nil {
		c.ProposedBy = *proposedBy
	}
	if verifiedBy != nil {
		c.VerifiedBy = *verifiedBy
	}
	c.BillNumber = derefString(billNumber)
	return c, nil
}

type qualityArgs struct {
	moisture, purity, dust *float64
	color, nonSeed, remark *string
}

func qualityColumns(q *Quality) qualityArgs {
	if q == nil {
		return qualityArgs{}
	}
	color := string(q.Color)
	nonSeed := string(q.NonSeed)
	remark := q.Remark
	return qualityArgs{
		moisture: &q.MoisturePct,
		purity:   &q.PurityPct,
		dust:     &q.DustPct,
		color:    &color,
		nonSeed:  &nonSeed,
		remark:   &remark,
	}
}

func lotsOrEmpty(lots []string) []string {
	if lots == nil {
		return []string{}
	}
	return lots
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
