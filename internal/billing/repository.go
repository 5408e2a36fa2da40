package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/loomworks/loom/internal/platform/db"
	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const selectDocument = `SELECT id, number, kind, order_id, source_id, status, amount, reason, created_at, updated_at FROM billing_documents`

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Number, &d.Kind, &d.OrderID, &d.SourceID, &d.Status, &d.Amount, &d.Reason, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("billing document: %w", shared.ErrNotFound)
	}
	return d, err
}

// Get returns one document.
func (r *Repository) Get(ctx context.Context, id int64) (Document, error) {
	return scanDocument(r.pool.QueryRow(ctx, selectDocument+` WHERE id = $1`, id))
}

// ListByOrder returns the documents of an order.
func (r *Repository) ListByOrder(ctx context.Context, orderID int64) ([]Document, error) {
	rows, err := r.pool.Query(ctx, selectDocument+` WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Document, error) {
	return scanDocument(t.tx.QueryRow(ctx, selectDocument+` WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) Insert(ctx context.Context, d Document) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO billing_documents (number, kind, order_id, source_id, status, amount, reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		d.Number, d.Kind, d.OrderID, d.SourceID, d.Status, d.Amount, d.Reason, d.CreatedAt, d.UpdatedAt).Scan(&id)
	if db.IsUniqueViolation(err, "idx_billing_single_conversion") {
		return 0, fmt.Errorf("%w: document %d already converted", shared.ErrConflict, *d.SourceID)
	}
	return id, err
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status Status, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE billing_documents SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("billing document: %w", shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) NoteTotal(ctx context.Context, invoiceID int64, kind Kind) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM billing_documents WHERE source_id = $1 AND kind = $2 AND status = 'Open'`, invoiceID, kind).Scan(&total)
	return total, err
}

func (t *txRepo) Sequences() sequence.Store {
	return sequence.NewRepository(t.tx)
}
