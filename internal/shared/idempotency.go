package shared

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyPort is the subset of IdempotencyStore used by services. A key is
// claimed with CheckAndInsert, bound to the record it produced with Resolve,
// and released with Delete when processing failed before anything was written.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Resolve(ctx context.Context, key string, refID int64) error
	// Lookup returns the record bound to key; ok is false while the key is
	// unknown or still in flight.
	Lookup(ctx context.Context, key string) (refID int64, ok bool, err error)
	Delete(ctx context.Context, key string) error
}

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

func checkKey(key, module string) error {
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	return nil
}

// IdempotencyStore persists processed keys.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// CheckAndInsert ensures key uniqueness per module.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if err := checkKey(key, module); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)`, key, module, time.Now())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

// Resolve binds key to the record produced by the request.
func (s *IdempotencyStore) Resolve(ctx context.Context, key string, refID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE idempotency_keys SET ref_id = $2 WHERE key = $1`, key, refID)
	return err
}

// Lookup implements IdempotencyPort.
func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (int64, bool, error) {
	var ref *int64
	err := s.pool.QueryRow(ctx, `SELECT ref_id FROM idempotency_keys WHERE key = $1`, key).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil || ref == nil {
		return 0, false, err
	}
	return *ref, true, nil
}

// Cleanup removes entries older than retention and reports how many went.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	return tag.RowsAffected(), err
}

// Delete removes a key, typically used to roll back failed processing.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if s == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key=$1`, key)
	return err
}

// MemoryIdempotency is the in-process IdempotencyPort.
type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]*int64
}

// NewMemoryIdempotency constructs an empty MemoryIdempotency.
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{keys: map[string]*int64{}}
}

// CheckAndInsert implements IdempotencyPort.
func (m *MemoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	if err := checkKey(key, module); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return ErrIdempotencyConflict
	}
	m.keys[key] = nil
	return nil
}

// Resolve implements IdempotencyPort.
func (m *MemoryIdempotency) Resolve(_ context.Context, key string, refID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		m.keys[key] = &refID
	}
	return nil
}

// Lookup implements IdempotencyPort.
func (m *MemoryIdempotency) Lookup(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref := m.keys[key]; ref != nil {
		return *ref, true, nil
	}
	return 0, false, nil
}

// Delete implements IdempotencyPort.
func (m *MemoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}
