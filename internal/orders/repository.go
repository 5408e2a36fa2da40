package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

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

const selectOrder = `SELECT o.id, o.order_id, o.order_type, o.serial, o.serial_number, o.buyer_id, b.name,
o.products, o.total_qty, o.status, o.purchase_id, o.production_id, o.invoice_id, o.created_at, o.updated_at
FROM orders o JOIN buyers b ON b.id = o.buyer_id`

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o        Order
		products []byte
	)
	err := row.Scan(&o.ID, &o.OrderID, &o.Type, &o.Serial, &o.SerialNumber, &o.BuyerID, &o.BuyerName,
		&products, &o.TotalQty, &o.Status, &o.PurchaseID, &o.ProductionID, &o.InvoiceID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fmt.Errorf("order: %w", shared.ErrNotFound)
		}
		return Order{}, err
	}
	if err := json.Unmarshal(products, &o.Products); err != nil {
		return Order{}, fmt.Errorf("orders: decode products: %w", err)
	}
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Get returns one order.
func (r *Repository) Get(ctx context.Context, id int64) (Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, selectOrder+` WHERE o.id = $1`, id))
}

// List returns filtered orders, newest first.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Order, int, error) {
	var (
		where []string
		args  []any
	)
	if filters.Type != "" {
		args = append(args, filters.Type)
		where = append(where, fmt.Sprintf("o.order_type = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("o.status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders o`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, filters.Limit, filters.Offset)
	rows, err := r.pool.Query(ctx, selectOrder+clause+fmt.Sprintf(` ORDER BY o.id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectOrders(rows)
	return items, total, err
}

// ListOrphans returns orders without a purchase created before the cutoff.
func (r *Repository) ListOrphans(ctx context.Context, createdBefore time.Time, limit int) ([]Order, error) {
	rows, err := r.pool.Query(ctx, selectOrder+` WHERE o.purchase_id IS NULL AND o.created_at < $1 ORDER BY o.id LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (t *txRepo) resolve(ctx context.Context, table, name string) (int64, string, error) {
	var (
		id      int64
		display string
	)
	err := t.tx.QueryRow(ctx, `INSERT INTO `+table+` (name, name_key) VALUES ($1, $2)
ON CONFLICT (name_key) DO UPDATE SET name_key = EXCLUDED.name_key
RETURNING id, name`, shared.DisplayName(name), shared.NormalizeName(name)).Scan(&id, &display)
	return id, display, err
}

func (t *txRepo) ResolveBuyer(ctx context.Context, name string) (Buyer, error) {
	id, display, err := t.resolve(ctx, "buyers", name)
	if err != nil {
		return Buyer{}, fmt.Errorf("orders: resolve buyer: %w", err)
	}
	return Buyer{ID: id, Name: display}, nil
}

func (t *txRepo) ResolveProduct(ctx context.Context, name string) (Product, error) {
	id, display, err := t.resolve(ctx, "products", name)
	if err != nil {
		return Product{}, fmt.Errorf("orders: resolve product: %w", err)
	}
	return Product{ID: id, Name: display}, nil
}

func (t *txRepo) Insert(ctx context.Context, o Order) (int64, error) {
	products, err := json.Marshal(o.Products)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx, `INSERT INTO orders (order_id, order_type, serial, serial_number, buyer_id, products, total_qty, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		o.OrderID, o.Type, o.Serial, o.SerialNumber, o.BuyerID, products, o.TotalQty, o.Status, o.CreatedAt, o.UpdatedAt).Scan(&id)
	if db.IsUniqueViolation(err, "") {
		return 0, fmt.Errorf("%w: order number %s", shared.ErrConflict, o.OrderID)
	}
	return id, err
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, selectOrder+` WHERE o.id = $1 FOR UPDATE OF o`, id))
}

func (t *txRepo) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order: %w", shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status Status) error {
	return t.exec(ctx, `UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
}

func (t *txRepo) UpdateLines(ctx context.Context, id int64, lines []Line, totalQty int64) error {
	products, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	return t.exec(ctx, `UPDATE orders SET products = $2, total_qty = $3, updated_at = NOW() WHERE id = $1`, id, products, totalQty)
}

func (t *txRepo) SetPurchase(ctx context.Context, id, purchaseID int64) error {
	return t.exec(ctx, `UPDATE orders SET purchase_id = $2, updated_at = NOW() WHERE id = $1`, id, purchaseID)
}

func (t *txRepo) SetProduction(ctx context.Context, id, productionID int64) error {
	return t.exec(ctx, `UPDATE orders SET production_id = $2, updated_at = NOW() WHERE id = $1`, id, productionID)
}

func (t *txRepo) SetInvoice(ctx context.Context, id, invoiceID int64) error {
	return t.exec(ctx, `UPDATE orders SET invoice_id = $2, updated_at = NOW() WHERE id = $1`, id, invoiceID)
}

func (t *txRepo) Delete(ctx context.Context, id int64) error {
	return t.exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
}

func (t *txRepo) Sequences() sequence.Store {
	return sequence.NewRepository(t.tx)
}
