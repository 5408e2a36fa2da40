package purchases

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

const selectPurchase = `SELECT id, number, order_id, status, products, items, grand_total_cost, completed_at, created_at, updated_at FROM purchases`

func scanPurchase(row pgx.Row) (Purchase, error) {
	var (
		p               Purchase
		products, items []byte
	)
	err := row.Scan(&p.ID, &p.Number, &p.OrderID, &p.Status, &products, &items, &p.GrandTotalCost, &p.CompletedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Purchase{}, fmt.Errorf("purchase: %w", shared.ErrNotFound)
		}
		return Purchase{}, err
	}
	if err := json.Unmarshal(products, &p.Products); err != nil {
		return Purchase{}, fmt.Errorf("purchases: decode products: %w", err)
	}
	if err := json.Unmarshal(items, &p.Items); err != nil {
		return Purchase{}, fmt.Errorf("purchases: decode items: %w", err)
	}
	return p, nil
}

// Get returns one purchase.
func (r *Repository) Get(ctx context.Context, id int64) (Purchase, error) {
	return scanPurchase(r.pool.QueryRow(ctx, selectPurchase+` WHERE id = $1`, id))
}

// GetByOrder returns the purchase of an order.
func (r *Repository) GetByOrder(ctx context.Context, orderID int64) (Purchase, error) {
	return scanPurchase(r.pool.QueryRow(ctx, selectPurchase+` WHERE order_id = $1`, orderID))
}

// ListReturns lists return notes of a purchase in creation order.
func (r *Repository) ListReturns(ctx context.Context, purchaseID int64) ([]Return, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, number, purchase_id, items, reason, created_at FROM purchase_returns WHERE purchase_id = $1 ORDER BY id`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Return
	for rows.Next() {
		var (
			ret   Return
			items []byte
		)
		if err := rows.Scan(&ret.ID, &ret.Number, &ret.PurchaseID, &items, &ret.Reason, &ret.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(items, &ret.Items); err != nil {
			return nil, fmt.Errorf("purchases: decode return items: %w", err)
		}
		out = append(out, ret)
	}
	return out, rows.Err()
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Purchase, error) {
	return scanPurchase(t.tx.QueryRow(ctx, selectPurchase+` WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) GetByOrder(ctx context.Context, orderID int64) (Purchase, error) {
	return scanPurchase(t.tx.QueryRow(ctx, selectPurchase+` WHERE order_id = $1`, orderID))
}

func (t *txRepo) Insert(ctx context.Context, p Purchase) (int64, error) {
	products, err := json.Marshal(p.Products)
	if err != nil {
		return 0, err
	}
	items, err := json.Marshal(p.Items)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx, `INSERT INTO purchases (number, order_id, status, products, items, grand_total_cost, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		p.Number, p.OrderID, p.Status, products, items, p.GrandTotalCost, p.CreatedAt, p.UpdatedAt).Scan(&id)
	if db.IsUniqueViolation(err, "purchases_order_id_key") {
		return 0, fmt.Errorf("%w: purchase for order %d", shared.ErrConflict, p.OrderID)
	}
	return id, err
}

func (t *txRepo) Update(ctx context.Context, p Purchase) error {
	items, err := json.Marshal(p.Items)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE purchases SET status = $2, items = $3, grand_total_cost = $4, completed_at = $5, updated_at = $6 WHERE id = $1`,
		p.ID, p.Status, items, p.GrandTotalCost, p.CompletedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("purchase: %w", shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) ReturnedQty(ctx context.Context, purchaseID int64) (map[string]int64, error) {
	rows, err := t.tx.Query(ctx, `SELECT ri.name, SUM(ri.qty)::BIGINT
FROM purchase_returns pr, jsonb_to_recordset(pr.items) AS ri(name TEXT, qty BIGINT)
WHERE pr.purchase_id = $1 GROUP BY ri.name`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var (
			name string
			qty  int64
		)
		if err := rows.Scan(&name, &qty); err != nil {
			return nil, err
		}
		out[name] = qty
	}
	return out, rows.Err()
}

func (t *txRepo) InsertReturn(ctx context.Context, r Return) (int64, error) {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx, `INSERT INTO purchase_returns (number, purchase_id, items, reason, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		r.Number, r.PurchaseID, items, r.Reason, r.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) Sequences() sequence.Store {
	return sequence.NewRepository(t.tx)
}
