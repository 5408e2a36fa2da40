package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
)

// MemoryRepository is an in-process RepositoryPort. Transactions run one at a
// time and are rolled back by restoring a snapshot.
type MemoryRepository struct {
	txMu   sync.Mutex
	mu     sync.RWMutex
	docs   map[int64]Document
	nextID int64
	seq    sequence.Store
}

// NewMemoryRepository builds an empty repository numbering through seq.
func NewMemoryRepository(seq sequence.Store) *MemoryRepository {
	return &MemoryRepository{docs: map[int64]Document{}, seq: seq}
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
	docs, nextID := make(map[int64]Document, len(r.docs)), r.nextID
	for k, v := range r.docs {
		docs[k] = v
	}
	r.mu.RUnlock()
	tx := &memoryTx{repo: r, seq: sequence.NewJournal(r.seq)}
	if err := fn(ctx, tx); err != nil {
		r.mu.Lock()
		r.docs, r.nextID = docs, nextID
		r.mu.Unlock()
		return tx.seq.Abort(ctx, err)
	}
	return nil
}

// Get implements RepositoryPort.
func (r *MemoryRepository) Get(_ context.Context, id int64) (Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("billing document: %w", shared.ErrNotFound)
	}
	return d, nil
}

// ListByOrder implements RepositoryPort.
func (r *MemoryRepository) ListByOrder(_ context.Context, orderID int64) ([]Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Document
	for _, d := range r.docs {
		if d.OrderID == orderID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteByOrder drops the documents of a deleted order.
func (r *MemoryRepository) DeleteByOrder(orderID int64) {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, d := range r.docs {
		if d.OrderID == orderID {
			delete(r.docs, id)
		}
	}
}

func (t *memoryTx) GetForUpdate(ctx context.Context, id int64) (Document, error) {
	return t.repo.Get(ctx, id)
}

func (t *memoryTx) Insert(_ context.Context, d Document) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.SourceID != nil && (d.Kind == KindProforma || d.Kind == KindInvoice) {
		for _, existing := range r.docs {
			if existing.Kind == d.Kind && existing.Status != StatusCancelled && existing.SourceID != nil && *existing.SourceID == *d.SourceID {
				return 0, fmt.Errorf("%w: document %d already converted", shared.ErrConflict, *d.SourceID)
			}
		}
	}
	r.nextID++
	d.ID = r.nextID
	r.docs[d.ID] = d
	return d.ID, nil
}

func (t *memoryTx) UpdateStatus(_ context.Context, id int64, status Status, at time.Time) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return fmt.Errorf("billing document: %w", shared.ErrNotFound)
	}
	d.Status, d.UpdatedAt = status, at
	r.docs[id] = d
	return nil
}

func (t *memoryTx) NoteTotal(_ context.Context, invoiceID int64, kind Kind) (decimal.Decimal, error) {
	r := t.repo
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := decimal.Zero
	for _, d := range r.docs {
		if d.Kind == kind && d.Status == StatusOpen && d.SourceID != nil && *d.SourceID == invoiceID {
			total = total.Add(d.Amount)
		}
	}
	return total, nil
}

func (t *memoryTx) Sequences() sequence.Store {
	return t.seq
}
