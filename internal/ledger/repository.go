package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/harvest/internal/platform/db"
	"github.com/odyssey-erp/harvest/internal/shared"
	"github.com/odyssey-erp/harvest/internal/shipment"
)

// Repository persists ledger postings and wallets in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by services.
type TxRepository interface {
	Shipments() shipment.TxRepository
	InsertEntry(ctx context.Context, e Entry) (int64, error)
	DeleteEntriesByRef(ctx context.Context, cpType CounterpartyType, dir Direction, refType string, refID int64) (int64, error)
	GetWalletForUpdate(ctx context.Context, id int64) (Wallet, error)
	UpdateWalletBalance(ctx context.Context, id int64, balance float64, at time.Time) error
}

type txRepository struct {
	tx        pgx.Tx
	shipments shipment.TxRepository
}

// NewTxRepository binds ledger persistence to an open transaction owned by another module.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx, shipments: shipment.NewTxRepository(tx)}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// ListEntries lists postings for a counterparty, newest first.
func (r *Repository) ListEntries(ctx context.Context, cpType CounterpartyType, cpID int64, limit, offset int) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, counterparty_type, counterparty_id, direction, amount, description,
	ref_type, ref_id, entry_date, created_by, created_at
FROM ledger_entries
WHERE counterparty_type = $1 AND counterparty_id = $2
ORDER BY entry_date DESC, id DESC
LIMIT $3 OFFSET $4`, string(cpType), cpID, limit, offset)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CounterpartyType, &e.CounterpartyID, &e.Direction, &e.Amount, &e.Description,
			&e.RefType, &e.RefID, &e.EntryDate, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, db.Classify(err)
		}
		entries = append(entries, e)
	}
	return entries, db.Classify(rows.Err())
}

// Balance sums postings for a counterparty.
func (r *Repository) Balance(ctx context.Context, cpType CounterpartyType, cpID int64) (Balance, error) {
	b := Balance{CounterpartyType: cpType, CounterpartyID: cpID}
	err := r.pool.QueryRow(ctx, `SELECT
	COALESCE(SUM(amount) FILTER (WHERE direction = 'DEBIT'), 0)::float8,
	COALESCE(SUM(amount) FILTER (WHERE direction = 'CREDIT'), 0)::float8
FROM ledger_entries
WHERE counterparty_type = $1 AND counterparty_id = $2`, string(cpType), cpID).Scan(&b.Debit, &b.Credit)
	if err != nil {
		return Balance{}, db.Classify(err)
	}
	b.Net = shared.Round2(b.Debit - b.Credit)
	return b, nil
}

func (r *txRepository) Shipments() shipment.TxRepository {
	return r.shipments
}

func (r *txRepository) InsertEntry(ctx context.Context, e Entry) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO ledger_entries (
	counterparty_type, counterparty_id, direction, amount, description, ref_type, ref_id, entry_date, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`,
		string(e.CounterpartyType), e.CounterpartyID, string(e.Direction), e.Amount, e.Description,
		e.RefType, e.RefID, e.EntryDate, e.CreatedBy, e.CreatedAt,
	).Scan(&id)
	return id, err
}

func (r *txRepository) DeleteEntriesByRef(ctx context.Context, cpType CounterpartyType, dir Direction, refType string, refID int64) (int64, error) {
	tag, err := r.tx.Exec(ctx, `DELETE FROM ledger_entries
WHERE counterparty_type = $1 AND direction = $2 AND ref_type = $3 AND ref_id = $4`,
		string(cpType), string(dir), refType, refID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *txRepository) GetWalletForUpdate(ctx context.Context, id int64) (Wallet, error) {
	var w Wallet
	err := r.tx.QueryRow(ctx, `SELECT id, name, balance, updated_at FROM wallets WHERE id = $1 FOR UPDATE`, id).
		Scan(&w.ID, &w.Name, &w.Balance, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, fmt.Errorf("%w: wallet %d", shared.ErrNotFound, id)
	}
	return w, err
}

func (r *txRepository) UpdateWalletBalance(ctx context.Context, id int64, balance float64, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE wallets SET balance = $2, updated_at = $3 WHERE id = $1`, id, balance, at)
	return err
}
