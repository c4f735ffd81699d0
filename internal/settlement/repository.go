package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/harvest/internal/cycle"
	"github.com/odyssey-erp/harvest/internal/ledger"
	"github.com/odyssey-erp/harvest/internal/platform/db"
	"github.com/odyssey-erp/harvest/internal/shared"
)

// Repository persists settlement instruments in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	Cycles() cycle.TxRepository
	Ledger() ledger.TxRepository
	NextBillSequence(ctx context.Context, year int) (int, error)
	InsertInstruments(ctx context.Context, instruments []Instrument) error
	ListInstrumentsForUpdate(ctx context.Context, cycleID int64) ([]Instrument, error)
	MarkInstrumentCleared(ctx context.Context, in Instrument) error
}

type txRepository struct {
	tx     pgx.Tx
	cycles cycle.TxRepository
	ledger ledger.TxRepository
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("settlement repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, cycles: cycle.NewTxRepository(tx), ledger: ledger.NewTxRepository(tx)})
	})
}

const instrumentColumns = `i.id, i.cycle_id, i.position, i.payee, i.number, i.amount, i.due_date,
	i.cleared, i.cleared_at, i.wallet_id, i.created_by, i.created_at`

// ListInstruments returns the instruments of a cycle in split order.
func (r *Repository) ListInstruments(ctx context.Context, cycleID int64) ([]Instrument, error) {
	instruments, err := queryInstruments(ctx, r.pool, fmt.Sprintf(`SELECT %s FROM settlement_instruments i
WHERE i.cycle_id = $1 ORDER BY i.position ASC`, instrumentColumns), cycleID)
	return instruments, db.Classify(err)
}

// ListDue returns uncleared instruments due on or before until.
func (r *Repository) ListDue(ctx context.Context, until time.Time) ([]DueInstrument, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s, c.farmer_id, COALESCE(c.bill_number, '')
FROM settlement_instruments i
JOIN crop_cycles c ON c.id = i.cycle_id
WHERE NOT i.cleared AND i.due_date <= $1
ORDER BY i.due_date ASC, i.id ASC`, instrumentColumns), until)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	due := []DueInstrument{}
	for rows.Next() {
		var d DueInstrument
		var walletID *int64
		if err := rows.Scan(&d.ID, &d.CycleID, &d.Position, &d.Payee, &d.Number, &d.Amount, &d.DueDate,
			&d.Cleared, &d.ClearedAt, &walletID, &d.CreatedBy, &d.CreatedAt, &d.FarmerID, &d.BillNumber); err != nil {
			return nil, db.Classify(err)
		}
		if walletID != nil {
			d.WalletID = *walletID
		}
		due = append(due, d)
	}
	return due, db.Classify(rows.Err())
}

func (r *txRepository) Cycles() cycle.TxRepository {
	return r.cycles
}

func (r *txRepository) Ledger() ledger.TxRepository {
	return r.ledger
}

// NextBillSequence bumps the year's counter row, seeding it from the highest bill number on record.
// A concurrent bump of the same row fails the transaction with a serialization error.
func (r *txRepository) NextBillSequence(ctx context.Context, year int) (int, error) {
	var seq int
	err := r.tx.QueryRow(ctx, `INSERT INTO bill_sequences (year, last_seq, updated_at)
SELECT $1, COALESCE(MAX(CAST(split_part(bill_number, '-B-', 2) AS integer)), 0) + 1, NOW()
FROM crop_cycles
WHERE bill_number LIKE $2
ON CONFLICT (year) DO UPDATE
SET last_seq = GREATEST(bill_sequences.last_seq, EXCLUDED.last_seq - 1) + 1,
    updated_at = NOW()
RETURNING last_seq`, year, fmt.Sprintf("%d%s%%", year, billSeparator)).Scan(&seq)
	return seq, err
}

// InsertInstruments stores the split and writes the generated ids back into instruments.
func (r *txRepository) InsertInstruments(ctx context.Context, instruments []Instrument) error {
	batch := &pgx.Batch{}
	for _, in := range instruments {
		batch.Queue(`INSERT INTO settlement_instruments (cycle_id, position, payee, number, amount, due_date, cleared, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8)
RETURNING id`,
			in.CycleID, in.Position, in.Payee, in.Number, in.Amount, in.DueDate, in.CreatedBy, in.CreatedAt)
	}
	br := r.tx.SendBatch(ctx, batch)
	for i := range instruments {
		if err := br.QueryRow().Scan(&instruments[i].ID); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func (r *txRepository) ListInstrumentsForUpdate(ctx context.Context, cycleID int64) ([]Instrument, error) {
	return queryInstruments(ctx, r.tx, fmt.Sprintf(`SELECT %s FROM settlement_instruments i
WHERE i.cycle_id = $1 ORDER BY i.position ASC FOR UPDATE`, instrumentColumns), cycleID)
}

func (r *txRepository) MarkInstrumentCleared(ctx context.Context, in Instrument) error {
	tag, err := r.tx.Exec(ctx, `UPDATE settlement_instruments SET cleared = TRUE, cleared_at = $2, wallet_id = $3
WHERE id = $1 AND NOT cleared`, in.ID, in.ClearedAt, in.WalletID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: instrument %d already cleared", shared.ErrAlreadyFinalized, in.ID)
	}
	return nil
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryInstruments(ctx context.Context, q rowQuerier, query string, args ...any) ([]Instrument, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	instruments := []Instrument{}
	for rows.Next() {
		var in Instrument
		var walletID *int64
		if err := rows.Scan(&in.ID, &in.CycleID, &in.Position, &in.Payee, &in.Number, &in.Amount, &in.DueDate,
			&in.Cleared, &in.ClearedAt, &walletID, &in.CreatedBy, &in.CreatedAt); err != nil {
			return nil, err
		}
		if walletID != nil {
			in.WalletID = *walletID
		}
		instruments = append(instruments, in)
	}
	return instruments, rows.Err()
}
