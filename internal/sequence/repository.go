package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loomworks/loom/internal/platform/db"
)

// Repository is the PostgreSQL counter store. It runs against a pool or, via
// NewRepository(tx), inside a caller's transaction so a document and its number
// commit or roll back together.
type Repository struct {
	q db.Querier
}

// NewRepository constructs a repository over a pool or transaction.
func NewRepository(q db.Querier) *Repository {
	return &Repository{q: q}
}

// Increment implements Store with one upsert round trip.
func (r *Repository) Increment(ctx context.Context, key string) (int64, error) {
	var value int64
	err := r.q.QueryRow(ctx, `INSERT INTO counters (key, value) VALUES ($1, 1)
ON CONFLICT (key) DO UPDATE SET value = counters.value + 1, updated_at = NOW()
RETURNING value`, key).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("sequence: increment %s: %w", key, err)
	}
	return value, nil
}

// Current implements Store.
func (r *Repository) Current(ctx context.Context, key string) (int64, bool, error) {
	var value int64
	err := r.q.QueryRow(ctx, `SELECT value FROM counters WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sequence: read %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements Store.
func (r *Repository) Set(ctx context.Context, key string, value int64) error {
	_, err := r.q.Exec(ctx, `INSERT INTO counters (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("sequence: set %s: %w", key, err)
	}
	return nil
}
