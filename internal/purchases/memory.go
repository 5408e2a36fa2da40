package purchases

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loomworks/loom/internal/orders"
	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
)

// MemoryRepository is an in-process RepositoryPort with the same uniqueness
// rule on order_id as the database.
type MemoryRepository struct {
	txMu      sync.Mutex
	mu        sync.RWMutex
	purchases map[int64]Purchase
	returns   map[int64]Return
	nextID    int64
	seq       sequence.Store
}

// NewMemoryRepository builds an empty repository numbering through seq.
func NewMemoryRepository(seq sequence.Store) *MemoryRepository {
	return &MemoryRepository{purchases: map[int64]Purchase{}, returns: map[int64]Return{}, seq: seq}
}

type memoryTx struct {
	repo *MemoryRepository
	seq  *sequence.Journal
}

func clonePurchase(p Purchase) Purchase {
	p.Items = append([]Item(nil), p.Items...)
	lines := make([]orders.Line, len(p.Products))
	for i, l := range p.Products {
		l.Sizes = append([]orders.SizeQty(nil), l.Sizes...)
		lines[i] = l
	}
	p.Products = lines
	return p
}

// WithTx implements RepositoryPort.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.mu.RLock()
	purchases := make(map[int64]Purchase, len(r.purchases))
	for k, v := range r.purchases {
		purchases[k] = clonePurchase(v)
	}
	returns := make(map[int64]Return, len(r.returns))
	for k, v := range r.returns {
		returns[k] = v
	}
	nextID := r.nextID
	r.mu.RUnlock()
	tx := &memoryTx{repo: r, seq: sequence.NewJournal(r.seq)}
	if err := fn(ctx, tx); err != nil {
		r.mu.Lock()
		r.purchases, r.returns, r.nextID = purchases, returns, nextID
		r.mu.Unlock()
		return tx.seq.Abort(ctx, err)
	}
	return nil
}

// Get implements RepositoryPort.
func (r *MemoryRepository) Get(_ context.Context, id int64) (Purchase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.purchases[id]
	if !ok {
		return Purchase{}, fmt.Errorf("purchase: %w", shared.ErrNotFound)
	}
	return clonePurchase(p), nil
}

// GetByOrder implements RepositoryPort.
func (r *MemoryRepository) GetByOrder(_ context.Context, orderID int64) (Purchase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.purchases {
		if p.OrderID == orderID {
			return clonePurchase(p), nil
		}
	}
	return Purchase{}, fmt.Errorf("purchase: %w", shared.ErrNotFound)
}

// ListReturns implements RepositoryPort.
func (r *MemoryRepository) ListReturns(_ context.Context, purchaseID int64) ([]Return, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Return
	for _, ret := range r.returns {
		if ret.PurchaseID == purchaseID {
			out = append(out, ret)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteByOrder drops the purchase of a deleted order and its returns.
func (r *MemoryRepository) DeleteByOrder(orderID int64) []int64 {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []int64
	for id, p := range r.purchases {
		if p.OrderID != orderID {
			continue
		}
		delete(r.purchases, id)
		removed = append(removed, id)
		for rid, ret := range r.returns {
			if ret.PurchaseID == id {
				delete(r.returns, rid)
			}
		}
	}
	return removed
}

func (t *memoryTx) GetForUpdate(ctx context.Context, id int64) (Purchase, error) {
	return t.repo.Get(ctx, id)
}

func (t *memoryTx) GetByOrder(ctx context.Context, orderID int64) (Purchase, error) {
	return t.repo.GetByOrder(ctx, orderID)
}

func (t *memoryTx) Insert(_ context.Context, p Purchase) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.purchases {
		if existing.OrderID == p.OrderID {
			return 0, fmt.Errorf("%w: purchase for order %d", shared.ErrConflict, p.OrderID)
		}
	}
	r.nextID++
	p.ID = r.nextID
	r.purchases[p.ID] = clonePurchase(p)
	return p.ID, nil
}

func (t *memoryTx) Update(_ context.Context, p Purchase) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.purchases[p.ID]; !ok {
		return fmt.Errorf("purchase: %w", shared.ErrNotFound)
	}
	r.purchases[p.ID] = clonePurchase(p)
	return nil
}

func (t *memoryTx) ReturnedQty(_ context.Context, purchaseID int64) (map[string]int64, error) {
	r := t.repo
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]int64{}
	for _, ret := range r.returns {
		if ret.PurchaseID != purchaseID {
			continue
		}
		for _, it := range ret.Items {
			out[it.Name] += it.Qty
		}
	}
	return out, nil
}

func (t *memoryTx) InsertReturn(_ context.Context, ret Return) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	ret.ID = r.nextID
	ret.Items = append([]ReturnItem(nil), ret.Items...)
	r.returns[ret.ID] = ret
	return ret.ID, nil
}

func (t *memoryTx) Sequences() sequence.Store {
	return t.seq
}
