package store

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

// WithTx wraps callback in a read-committed transaction. Read committed matters:
// after LockItems returns, the next statement sees every log committed by the
// writer that held the lock before.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const selectEntry = `SELECT id, store_id, purchase_id, status, entry_date, items, total_invoice, total_store_in, total_shortage, total_surplus, created_at, updated_at FROM store_entries`

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e     Entry
		items []byte
	)
	err := row.Scan(&e.ID, &e.StoreID, &e.PurchaseID, &e.Status, &e.EntryDate, &items, &e.TotalInvoiceQty, &e.TotalStoreInQty, &e.TotalShortage, &e.TotalSurplus, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, fmt.Errorf("store entry: %w", shared.ErrNotFound)
		}
		return Entry{}, err
	}
	if err := json.Unmarshal(items, &e.Items); err != nil {
		return Entry{}, fmt.Errorf("store: decode entry items: %w", err)
	}
	return e, nil
}

const selectLog = `SELECT id, number, store_entry_id, log_date, taken_by, status, status_source, opening, created_at, updated_at FROM store_logs`

func scanLogHeader(row pgx.Row) (Log, error) {
	var l Log
	err := row.Scan(&l.ID, &l.Number, &l.EntryID, &l.LogDate, &l.TakenBy, &l.Status, &l.StatusSource, &l.Opening, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Log{}, fmt.Errorf("store log: %w", shared.ErrNotFound)
	}
	return l, err
}

func loadLogItems(ctx context.Context, q db.Querier, logs []Log) error {
	if len(logs) == 0 {
		return nil
	}
	ids := make([]int64, len(logs))
	index := make(map[int64]int, len(logs))
	for i, l := range logs {
		ids[i] = l.ID
		index[l.ID] = i
	}
	rows, err := q.Query(ctx, `SELECT log_id, item_name, taken_qty, returned_qty FROM store_log_items WHERE log_id = ANY($1) ORDER BY log_id, item_name`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			logID int64
			it    LogItem
		)
		if err := rows.Scan(&logID, &it.Name, &it.TakenQty, &it.ReturnedQty); err != nil {
			return err
		}
		it.InHandQty = it.TakenQty - it.ReturnedQty
		l := &logs[index[logID]]
		l.Items = append(l.Items, it)
	}
	return rows.Err()
}

func getLog(ctx context.Context, q db.Querier, sql string, id int64) (Log, error) {
	l, err := scanLogHeader(q.QueryRow(ctx, sql, id))
	if err != nil {
		return Log{}, err
	}
	logs := []Log{l}
	if err := loadLogItems(ctx, q, logs); err != nil {
		return Log{}, err
	}
	return logs[0], nil
}

func movements(ctx context.Context, q db.Querier, entryID, excludeLogID int64) (map[string]Movement, error) {
	rows, err := q.Query(ctx, `SELECT li.item_name, COALESCE(SUM(li.taken_qty), 0)::BIGINT, COALESCE(SUM(li.returned_qty), 0)::BIGINT
FROM store_log_items li JOIN store_logs l ON l.id = li.log_id
WHERE l.store_entry_id = $1 AND l.id <> $2
GROUP BY li.item_name`, entryID, excludeLogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]Movement{}
	for rows.Next() {
		var (
			name string
			m    Movement
		)
		if err := rows.Scan(&name, &m.Taken, &m.Returned); err != nil {
			return nil, err
		}
		out[name] = m
	}
	return out, rows.Err()
}

// GetEntry returns one store entry.
func (r *Repository) GetEntry(ctx context.Context, id int64) (Entry, error) {
	return scanEntry(r.pool.QueryRow(ctx, selectEntry+` WHERE id = $1`, id))
}

// GetLog returns one store log with its items.
func (r *Repository) GetLog(ctx context.Context, id int64) (Log, error) {
	return getLog(ctx, r.pool, selectLog+` WHERE id = $1`, id)
}

// ListLogs returns every log of an entry in creation order.
func (r *Repository) ListLogs(ctx context.Context, entryID int64) ([]Log, error) {
	rows, err := r.pool.Query(ctx, selectLog+` WHERE store_entry_id = $1 ORDER BY opening DESC, id`, entryID)
	if err != nil {
		return nil, err
	}
	var logs []Log
	for rows.Next() {
		l, err := scanLogHeader(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		logs = append(logs, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadLogItems(ctx, r.pool, logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// Movements sums taken and returned quantities per item.
func (r *Repository) Movements(ctx context.Context, entryID, excludeLogID int64) (map[string]Movement, error) {
	return movements(ctx, r.pool, entryID, excludeLogID)
}

func (t *txRepo) GetEntryForUpdate(ctx context.Context, id int64) (Entry, error) {
	return scanEntry(t.tx.QueryRow(ctx, selectEntry+` WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) GetEntryForShare(ctx context.Context, id int64) (Entry, error) {
	return scanEntry(t.tx.QueryRow(ctx, selectEntry+` WHERE id = $1 FOR SHARE`, id))
}

func (t *txRepo) InsertEntry(ctx context.Context, e Entry) (int64, error) {
	items, err := json.Marshal(e.Items)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx, `INSERT INTO store_entries (store_id, purchase_id, status, entry_date, items, total_invoice, total_store_in, total_shortage, total_surplus, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		e.StoreID, e.PurchaseID, e.Status, e.EntryDate, items, e.TotalInvoiceQty, e.TotalStoreInQty, e.TotalShortage, e.TotalSurplus, e.CreatedAt, e.UpdatedAt).Scan(&id)
	if db.IsUniqueViolation(err, "store_entries_purchase_id_key") {
		return 0, fmt.Errorf("%w: store entry for purchase %d", shared.ErrConflict, e.PurchaseID)
	}
	return id, err
}

func (t *txRepo) UpdateEntry(ctx context.Context, e Entry) error {
	items, err := json.Marshal(e.Items)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE store_entries SET store_id = $2, status = $3, items = $4, total_invoice = $5, total_store_in = $6,
total_shortage = $7, total_surplus = $8, updated_at = $9 WHERE id = $1`,
		e.ID, e.StoreID, e.Status, items, e.TotalInvoiceQty, e.TotalStoreInQty, e.TotalShortage, e.TotalSurplus, e.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store entry: %w", shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) LockItems(ctx context.Context, entryID int64, items []string) error {
	for _, key := range shared.OrderedKeys(itemKeys(entryID, items)) {
		if err := db.AdvisoryXactLock(ctx, t.tx, key); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) Movements(ctx context.Context, entryID, excludeLogID int64) (map[string]Movement, error) {
	return movements(ctx, t.tx, entryID, excludeLogID)
}

func (t *txRepo) GetLogForUpdate(ctx context.Context, id int64) (Log, error) {
	return getLog(ctx, t.tx, selectLog+` WHERE id = $1 FOR UPDATE`, id)
}

func (t *txRepo) insertItems(ctx context.Context, logID int64, items []LogItem) error {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`INSERT INTO store_log_items (log_id, item_name, taken_qty, returned_qty) VALUES ($1, $2, $3, $4)`, logID, it.Name, it.TakenQty, it.ReturnedQty)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *txRepo) InsertLog(ctx context.Context, l Log) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO store_logs (number, store_entry_id, log_date, taken_by, status, status_source, opening, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		l.Number, l.EntryID, l.LogDate, l.TakenBy, l.Status, l.StatusSource, l.Opening, l.CreatedAt, l.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, t.insertItems(ctx, id, l.Items)
}

func (t *txRepo) UpdateLog(ctx context.Context, l Log) error {
	tag, err := t.tx.Exec(ctx, `UPDATE store_logs SET log_date = $2, taken_by = $3, status = $4, status_source = $5, updated_at = $6 WHERE id = $1`,
		l.ID, l.LogDate, l.TakenBy, l.Status, l.StatusSource, l.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store log: %w", shared.ErrNotFound)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM store_log_items WHERE log_id = $1`, l.ID); err != nil {
		return err
	}
	return t.insertItems(ctx, l.ID, l.Items)
}

func (t *txRepo) DeleteLog(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM store_logs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store log: %w", shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) Sequences() sequence.Store {
	return sequence.NewRepository(t.tx)
}
