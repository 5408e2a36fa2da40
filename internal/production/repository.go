package production

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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

const selectProduction = `SELECT id, number, order_id, status, history, created_at, updated_at FROM productions`

func scanProduction(row pgx.Row) (Production, error) {
	var (
		p       Production
		history []byte
	)
	if err := row.Scan(&p.ID, &p.Number, &p.OrderID, &p.Status, &history, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Production{}, fmt.Errorf("production: %w", shared.ErrNotFound)
		}
		return Production{}, err
	}
	if err := json.Unmarshal(history, &p.WorkflowHistory); err != nil {
		return Production{}, fmt.Errorf("production: decode history: %w", err)
	}
	return p, nil
}

// Get returns one production.
func (r *Repository) Get(ctx context.Context, id int64) (Production, error) {
	return scanProduction(r.pool.QueryRow(ctx, selectProduction+` WHERE id = $1`, id))
}

// GetByOrder returns the production of an order.
func (r *Repository) GetByOrder(ctx context.Context, orderID int64) (Production, error) {
	return scanProduction(r.pool.QueryRow(ctx, selectProduction+` WHERE order_id = $1`, orderID))
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Production, error) {
	return scanProduction(t.tx.QueryRow(ctx, selectProduction+` WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) GetByOrder(ctx context.Context, orderID int64) (Production, error) {
	return scanProduction(t.tx.QueryRow(ctx, selectProduction+` WHERE order_id = $1`, orderID))
}

func (t *txRepo) Insert(ctx context.Context, p Production) (int64, error) {
	history, err := json.Marshal(p.WorkflowHistory)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx, `INSERT INTO productions (number, order_id, status, history, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, p.Number, p.OrderID, p.Status, history, p.CreatedAt, p.UpdatedAt).Scan(&id)
	if db.IsUniqueViolation(err, "productions_order_id_key") {
		return 0, fmt.Errorf("%w: production for order %d", shared.ErrConflict, p.OrderID)
	}
	return id, err
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status Stage, history []HistoryEntry) error {
	raw, err := json.Marshal(history)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE productions SET status = $2, history = $3, updated_at = NOW() WHERE id = $1`, id, status, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("production: %w", shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) Sequences() sequence.Store {
	return sequence.NewRepository(t.tx)
}
