package sequence

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore is a process-local Store used in tests and single-node tooling.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]int64
	// FailNext, when set, makes the next Increment fail with the given error.
	FailNext error
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]int64)}
}

// Increment implements Store.
func (m *MemoryStore) Increment(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailNext; err != nil {
		m.FailNext = nil
		return 0, err
	}
	m.values[key]++
	return m.values[key], nil
}

// Current implements Store.
func (m *MemoryStore) Current(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Journal is a transaction-scoped view of a Store for the memory backends. It
// remembers where each counter stood before the transaction drew from it so
// Rollback can hand the numbers back, keeping memory numbering gapless the way
// a rolled back upsert is in postgres. Callers must serialise the transactions
// that draw from the same keys.
type Journal struct {
	store  Store
	before map[string]int64
	drawn  map[string]int64
}

func NewJournal(store Store) *Journal {
	return &Journal{store: store, before: map[string]int64{}, drawn: map[string]int64{}}
}

func (j *Journal) Increment(ctx context.Context, key string) (int64, error) {
	if _, seen := j.before[key]; !seen {
		cur, _, err := j.store.Current(ctx, key)
		if err != nil {
			return 0, err
		}
		j.before[key] = cur
	}
	v, err := j.store.Increment(ctx, key)
	if err != nil {
		return 0, err
	}
	j.drawn[key] = v
	return v, nil
}

func (j *Journal) Current(ctx context.Context, key string) (int64, bool, error) {
	return j.store.Current(ctx, key)
}

func (j *Journal) Set(ctx context.Context, key string, value int64) error {
	delete(j.before, key)
	delete(j.drawn, key)
	return j.store.Set(ctx, key, value)
}

// Rollback restores every counter this journal drew from. A counter that moved
// past the last drawn value was touched outside the transaction and is left
// alone.
func (j *Journal) Rollback(ctx context.Context) error {
	for key, last := range j.drawn {
		cur, _, err := j.store.Current(ctx, key)
		if err != nil {
			return err
		}
		if cur != last {
			continue
		}
		if err := j.store.Set(ctx, key, j.before[key]); err != nil {
			return err
		}
	}
	j.drawn = map[string]int64{}
	return nil
}

// Abort rolls back and returns cause, joined with any rollback failure.
func (j *Journal) Abort(ctx context.Context, cause error) error {
	if err := j.Rollback(ctx); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
