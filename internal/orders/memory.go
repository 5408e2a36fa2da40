package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
)

// MemoryRepository is an in-process RepositoryPort. Transactions run one at a
// time and are rolled back by restoring a snapshot.
type MemoryRepository struct {
	txMu     sync.Mutex
	mu       sync.RWMutex
	orders   map[int64]Order
	buyers   map[string]Buyer
	products map[string]Product
	nextID   int64
	seq      sequence.Store
	// Cascade is invoked when an order is deleted so sibling memory stores can
	// drop dependent documents.
	Cascade func(orderID int64)
}

// NewMemoryRepository builds an empty repository numbering through seq.
func NewMemoryRepository(seq sequence.Store) *MemoryRepository {
	return &MemoryRepository{
		orders:   make(map[int64]Order),
		buyers:   make(map[string]Buyer),
		products: make(map[string]Product),
		seq:      seq,
	}
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
	orders := cloneOrders(r.orders)
	buyers, products, nextID := cloneMap(r.buyers), cloneMap(r.products), r.nextID
	r.mu.RUnlock()
	tx := &memoryTx{repo: r, seq: sequence.NewJournal(r.seq)}
	if err := fn(ctx, tx); err != nil {
		r.mu.Lock()
		r.orders, r.buyers, r.products, r.nextID = orders, buyers, products, nextID
		r.mu.Unlock()
		return tx.seq.Abort(ctx, err)
	}
	return nil
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneOrders(in map[int64]Order) map[int64]Order {
	out := make(map[int64]Order, len(in))
	for k, v := range in {
		out[k] = cloneOrder(v)
	}
	return out
}

func cloneOrder(o Order) Order {
	lines := make([]Line, len(o.Products))
	for i, l := range o.Products {
		l.Sizes = append([]SizeQty(nil), l.Sizes...)
		lines[i] = l
	}
	o.Products = lines
	return o
}

// Get implements RepositoryPort.
func (r *MemoryRepository) Get(_ context.Context, id int64) (Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("order: %w", shared.ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (r *MemoryRepository) sorted(keep func(Order) bool) []Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Order
	for _, o := range r.orders {
		if keep(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List implements RepositoryPort.
func (r *MemoryRepository) List(_ context.Context, filters ListFilters) ([]Order, int, error) {
	all := r.sorted(func(o Order) bool {
		return (filters.Type == "" || o.Type == filters.Type) && (filters.Status == "" || o.Status == filters.Status)
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if filters.Offset >= total {
		return nil, total, nil
	}
	end := filters.Offset + filters.Limit
	if end > total {
		end = total
	}
	return all[filters.Offset:end], total, nil
}

// ListOrphans implements RepositoryPort.
func (r *MemoryRepository) ListOrphans(_ context.Context, createdBefore time.Time, limit int) ([]Order, error) {
	out := r.sorted(func(o Order) bool { return o.PurchaseID == nil && o.CreatedAt.Before(createdBefore) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memoryTx) ResolveBuyer(_ context.Context, name string) (Buyer, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	key := shared.NormalizeName(name)
	if b, ok := r.buyers[key]; ok {
		return b, nil
	}
	r.nextID++
	b := Buyer{ID: r.nextID, Name: shared.DisplayName(name)}
	r.buyers[key] = b
	return b, nil
}

func (t *memoryTx) ResolveProduct(_ context.Context, name string) (Product, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	key := shared.NormalizeName(name)
	if p, ok := r.products[key]; ok {
		return p, nil
	}
	r.nextID++
	p := Product{ID: r.nextID, Name: shared.DisplayName(name)}
	r.products[key] = p
	return p, nil
}

func (t *memoryTx) Insert(_ context.Context, o Order) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.orders {
		if existing.OrderID == o.OrderID || existing.SerialNumber == o.SerialNumber {
			return 0, fmt.Errorf("%w: order number %s", shared.ErrConflict, o.OrderID)
		}
	}
	r.nextID++
	o.ID = r.nextID
	r.orders[o.ID] = cloneOrder(o)
	return o.ID, nil
}

func (t *memoryTx) GetForUpdate(ctx context.Context, id int64) (Order, error) {
	return t.repo.Get(ctx, id)
}

func (t *memoryTx) mutate(id int64, fn func(*Order)) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return fmt.Errorf("order: %w", shared.ErrNotFound)
	}
	fn(&o)
	o.UpdatedAt = time.Now().UTC()
	r.orders[id] = o
	return nil
}

func (t *memoryTx) UpdateStatus(_ context.Context, id int64, status Status) error {
	return t.mutate(id, func(o *Order) { o.Status = status })
}

func (t *memoryTx) UpdateLines(_ context.Context, id int64, lines []Line, totalQty int64) error {
	return t.mutate(id, func(o *Order) {
		o.Products = cloneOrder(Order{Products: lines}).Products
		o.TotalQty = totalQty
	})
}

func (t *memoryTx) SetPurchase(_ context.Context, id, purchaseID int64) error {
	return t.mutate(id, func(o *Order) { o.PurchaseID = &purchaseID })
}

func (t *memoryTx) SetProduction(_ context.Context, id, productionID int64) error {
	return t.mutate(id, func(o *Order) { o.ProductionID = &productionID })
}

func (t *memoryTx) SetInvoice(_ context.Context, id, invoiceID int64) error {
	return t.mutate(id, func(o *Order) { o.InvoiceID = &invoiceID })
}

func (t *memoryTx) Delete(_ context.Context, id int64) error {
	r := t.repo
	r.mu.Lock()
	if _, ok := r.orders[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("order: %w", shared.ErrNotFound)
	}
	delete(r.orders, id)
	r.mu.Unlock()
	if r.Cascade != nil {
		r.Cascade(id)
	}
	return nil
}

func (t *memoryTx) Sequences() sequence.Store {
	return t.seq
}
