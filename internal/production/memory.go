package production

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
)

// MemoryRepository is an in-process RepositoryPort. Transactions are
// serialised, so a second spawn for the same order finds the first one in
// GetByOrder and never draws a number; Insert still enforces order_id
// uniqueness for writers that bypass WithTx.
type MemoryRepository struct {
	txMu        sync.Mutex
	mu          sync.RWMutex
	productions map[int64]Production
	nextID      int64
	seq         sequence.Store
}

// NewMemoryRepository builds an empty repository numbering through seq.
func NewMemoryRepository(seq sequence.Store) *MemoryRepository {
	return &MemoryRepository{productions: map[int64]Production{}, seq: seq}
}

type memoryTx struct {
	repo *MemoryRepository
	seq  *sequence.Journal
}

// WithTx implements RepositoryPort.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.mu.RLock()
	saved := make(map[int64]Production, len(r.productions))
	for k, v := range r.productions {
		saved[k] = cloneProduction(v)
	}
	nextID := r.nextID
	r.mu.RUnlock()

	tx := &memoryTx{repo: r, seq: sequence.NewJournal(r.seq)}
	if err := fn(ctx, tx); err != nil {
		r.mu.Lock()
		r.productions, r.nextID = saved, nextID
		r.mu.Unlock()
		return tx.seq.Abort(ctx, err)
	}
	return nil
}

func cloneProduction(p Production) Production {
	p.WorkflowHistory = append([]HistoryEntry(nil), p.WorkflowHistory...)
	return p
}

// Get implements RepositoryPort.
func (r *MemoryRepository) Get(_ context.Context, id int64) (Production, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.productions[id]
	if !ok {
		return Production{}, fmt.Errorf("production: %w", shared.ErrNotFound)
	}
	return cloneProduction(p), nil
}

// GetByOrder implements RepositoryPort.
func (r *MemoryRepository) GetByOrder(_ context.Context, orderID int64) (Production, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.productions {
		if p.OrderID == orderID {
			return cloneProduction(p), nil
		}
	}
	return Production{}, fmt.Errorf("production: %w", shared.ErrNotFound)
}

// Count returns how many productions exist for orderID.
func (r *MemoryRepository) Count(orderID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.productions {
		if p.OrderID == orderID {
			n++
		}
	}
	return n
}

// DeleteByOrder drops the production of a deleted order.
func (r *MemoryRepository) DeleteByOrder(orderID int64) {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.productions {
		if p.OrderID == orderID {
			delete(r.productions, id)
		}
	}
}

func (t *memoryTx) GetForUpdate(ctx context.Context, id int64) (Production, error) {
	return t.repo.Get(ctx, id)
}

func (t *memoryTx) GetByOrder(ctx context.Context, orderID int64) (Production, error) {
	return t.repo.GetByOrder(ctx, orderID)
}

func (t *memoryTx) Insert(_ context.Context, p Production) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.productions {
		if existing.OrderID == p.OrderID {
			return 0, fmt.Errorf("%w: production for order %d", shared.ErrConflict, p.OrderID)
		}
	}
	r.nextID++
	p.ID = r.nextID
	r.productions[p.ID] = cloneProduction(p)
	return p.ID, nil
}

func (t *memoryTx) UpdateStatus(_ context.Context, id int64, status Stage, history []HistoryEntry) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.productions[id]
	if !ok {
		return fmt.Errorf("production: %w", shared.ErrNotFound)
	}
	p.Status = status
	p.WorkflowHistory = append([]HistoryEntry(nil), history...)
	if n := len(history); n > 0 {
		p.UpdatedAt = history[n-1].At
	}
	r.productions[id] = p
	return nil
}

func (t *memoryTx) Sequences() sequence.Store {
	return t.seq
}
