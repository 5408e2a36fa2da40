package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
)

// MemoryRepository is an in-process RepositoryPort. Transactions are
// serialised and a failed one restores the rows and counters it touched; the
// ledger still takes the service's keyed locks as it does against postgres.
type MemoryRepository struct {
	txMu      sync.Mutex
	mu        sync.RWMutex
	entries   map[int64]Entry
	logs      map[int64]Log
	nextEntry int64
	nextLog   int64
	seq       sequence.Store
}

// NewMemoryRepository builds an empty repository numbering through seq.
func NewMemoryRepository(seq sequence.Store) *MemoryRepository {
	return &MemoryRepository{entries: map[int64]Entry{}, logs: map[int64]Log{}, seq: seq}
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
	entries := make(map[int64]Entry, len(r.entries))
	for k, v := range r.entries {
		entries[k] = cloneEntry(v)
	}
	logs := make(map[int64]Log, len(r.logs))
	for k, v := range r.logs {
		logs[k] = cloneLog(v)
	}
	nextEntry, nextLog := r.nextEntry, r.nextLog
	r.mu.RUnlock()

	tx := &memoryTx{repo: r, seq: sequence.NewJournal(r.seq)}
	if err := fn(ctx, tx); err != nil {
		r.mu.Lock()
		r.entries, r.logs, r.nextEntry, r.nextLog = entries, logs, nextEntry, nextLog
		r.mu.Unlock()
		return tx.seq.Abort(ctx, err)
	}
	return nil
}

func cloneEntry(e Entry) Entry {
	e.Items = append([]EntryItem(nil), e.Items...)
	if e.StoreID != nil {
		id := *e.StoreID
		e.StoreID = &id
	}
	return e
}

func cloneLog(l Log) Log {
	l.Items = append([]LogItem(nil), l.Items...)
	return l
}

// GetEntry implements RepositoryPort.
func (r *MemoryRepository) GetEntry(_ context.Context, id int64) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("store entry: %w", shared.ErrNotFound)
	}
	return cloneEntry(e), nil
}

// GetLog implements RepositoryPort.
func (r *MemoryRepository) GetLog(_ context.Context, id int64) (Log, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.logs[id]
	if !ok {
		return Log{}, fmt.Errorf("store log: %w", shared.ErrNotFound)
	}
	return cloneLog(l), nil
}

// ListLogs implements RepositoryPort.
func (r *MemoryRepository) ListLogs(_ context.Context, entryID int64) ([]Log, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Log
	for _, l := range r.logs {
		if l.EntryID == entryID {
			out = append(out, cloneLog(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Opening != out[j].Opening {
			return out[i].Opening
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Movements implements RepositoryPort.
func (r *MemoryRepository) Movements(_ context.Context, entryID, excludeLogID int64) (map[string]Movement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]Movement{}
	for id, l := range r.logs {
		if l.EntryID != entryID || id == excludeLogID {
			continue
		}
		for _, it := range l.Items {
			m := out[it.Name]
			m.Taken += it.TakenQty
			m.Returned += it.ReturnedQty
			out[it.Name] = m
		}
	}
	return out, nil
}

// DeleteByPurchase drops the entry of a purchase and its logs.
func (r *MemoryRepository) DeleteByPurchase(purchaseID int64) {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.PurchaseID != purchaseID {
			continue
		}
		for lid, l := range r.logs {
			if l.EntryID == id {
				delete(r.logs, lid)
			}
		}
		delete(r.entries, id)
	}
}

func (t *memoryTx) GetEntryForUpdate(ctx context.Context, id int64) (Entry, error) {
	return t.repo.GetEntry(ctx, id)
}

func (t *memoryTx) GetEntryForShare(ctx context.Context, id int64) (Entry, error) {
	return t.repo.GetEntry(ctx, id)
}

func (t *memoryTx) InsertEntry(_ context.Context, e Entry) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries {
		if existing.PurchaseID == e.PurchaseID {
			return 0, fmt.Errorf("%w: store entry for purchase %d", shared.ErrConflict, e.PurchaseID)
		}
	}
	r.nextEntry++
	e.ID = r.nextEntry
	r.entries[e.ID] = cloneEntry(e)
	return e.ID, nil
}

func (t *memoryTx) UpdateEntry(_ context.Context, e Entry) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ID]; !ok {
		return fmt.Errorf("store entry: %w", shared.ErrNotFound)
	}
	r.entries[e.ID] = cloneEntry(e)
	return nil
}

// LockItems is a no-op; the keyed locker already serialises writers in process.
func (t *memoryTx) LockItems(context.Context, int64, []string) error {
	return nil
}

func (t *memoryTx) Movements(ctx context.Context, entryID, excludeLogID int64) (map[string]Movement, error) {
	return t.repo.Movements(ctx, entryID, excludeLogID)
}

func (t *memoryTx) GetLogForUpdate(ctx context.Context, id int64) (Log, error) {
	return t.repo.GetLog(ctx, id)
}

func (t *memoryTx) InsertLog(_ context.Context, l Log) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[l.EntryID]; !ok {
		return 0, fmt.Errorf("store entry: %w", shared.ErrNotFound)
	}
	r.nextLog++
	l.ID = r.nextLog
	r.logs[l.ID] = cloneLog(l)
	return l.ID, nil
}

func (t *memoryTx) UpdateLog(_ context.Context, l Log) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.logs[l.ID]
	if !ok {
		return fmt.Errorf("store log: %w", shared.ErrNotFound)
	}
	l.Opening, l.Number, l.EntryID, l.CreatedAt = cur.Opening, cur.Number, cur.EntryID, cur.CreatedAt
	r.logs[l.ID] = cloneLog(l)
	return nil
}

func (t *memoryTx) DeleteLog(_ context.Context, id int64) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.logs[id]; !ok {
		return fmt.Errorf("store log: %w", shared.ErrNotFound)
	}
	delete(r.logs, id)
	return nil
}

func (t *memoryTx) Sequences() sequence.Store {
	return t.seq
}
