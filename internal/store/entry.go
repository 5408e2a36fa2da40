package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetEntry(ctx context.Context, id int64) (Entry, error)
	GetLog(ctx context.Context, id int64) (Log, error)
	ListLogs(ctx context.Context, entryID int64) ([]Log, error)
	Movements(ctx context.Context, entryID, excludeLogID int64) (map[string]Movement, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	// GetEntryForUpdate locks the entry row exclusively; GetEntryForShare lets
	// concurrent log writers proceed while blocking entry edits.
	GetEntryForUpdate(ctx context.Context, id int64) (Entry, error)
	GetEntryForShare(ctx context.Context, id int64) (Entry, error)
	InsertEntry(ctx context.Context, e Entry) (int64, error)
	UpdateEntry(ctx context.Context, e Entry) error
	// LockItems serialises ledger writes per entry item until the transaction ends.
	LockItems(ctx context.Context, entryID int64, items []string) error
	Movements(ctx context.Context, entryID, excludeLogID int64) (map[string]Movement, error)
	GetLogForUpdate(ctx context.Context, id int64) (Log, error)
	InsertLog(ctx context.Context, l Log) (int64, error)
	UpdateLog(ctx context.Context, l Log) error
	DeleteLog(ctx context.Context, id int64) error
	Sequences() sequence.Store
}

// PurchaseReader answers whether a purchase is completed.
type PurchaseReader interface {
	IsCompleted(ctx context.Context, purchaseID int64) (bool, error)
}

// Recorder receives ledger events for metrics.
type Recorder interface {
	StoreLogRejected()
}

// Service owns store entries and the store log ledger.
type Service struct {
	repo      RepositoryPort
	purchases PurchaseReader
	locker    shared.KeyedLocker
	seq       *sequence.Service
	metrics   Recorder
	audit     shared.AuditPort
	logger    *slog.Logger
	now       func() time.Time
	snapshots singleflight.Group
}

// Config groups optional collaborators. A nil Locker falls back to an
// in-process locker.
type Config struct {
	Locker  shared.KeyedLocker
	Metrics Recorder
	Audit   shared.AuditPort
	Logger  *slog.Logger
}

// NewService constructs the store service.
func NewService(repo RepositoryPort, purchases PurchaseReader, seq *sequence.Service, cfg Config) *Service {
	if cfg.Locker == nil {
		cfg.Locker = shared.NewLocalLocker()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{repo: repo, purchases: purchases, locker: cfg.Locker, seq: seq, metrics: cfg.Metrics, audit: cfg.Audit, logger: cfg.Logger, now: time.Now}
}

// EntryItemInput is a received line as entered by the clerk.
type EntryItemInput struct {
	Name       string
	InvoiceQty int64
	StoreInQty int64
}

// CreateEntryInput describes a new store entry.
type CreateEntryInput struct {
	PurchaseID int64
	EntryDate  time.Time
	Items      []EntryItemInput
	Status     EntryStatus
}

func buildEntryItems(inputs []EntryItemInput) ([]EntryItem, error) {
	if len(inputs) == 0 {
		return nil, shared.Invalid("entries", "at least one item required")
	}
	items := make([]EntryItem, 0, len(inputs))
	seen := map[string]struct{}{}
	received := false
	for i, in := range inputs {
		field := fmt.Sprintf("entries[%d]", i)
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return nil, shared.Invalid(field+".name", "required")
		}
		key := shared.NormalizeName(name)
		if _, dup := seen[key]; dup {
			return nil, shared.Invalid(field+".name", "duplicate item %q", name)
		}
		seen[key] = struct{}{}
		if in.InvoiceQty < 0 {
			return nil, shared.Invalid(field+".invoiceQty", "must be >= 0, got %d", in.InvoiceQty)
		}
		if in.StoreInQty < 0 {
			return nil, shared.Invalid(field+".storeInQty", "must be >= 0, got %d", in.StoreInQty)
		}
		if in.StoreInQty > 0 {
			received = true
		}
		items = append(items, EntryItem{Name: name, InvoiceQty: in.InvoiceQty, StoreInQty: in.StoreInQty})
	}
	if !received {
		return nil, shared.Invalid("entries", "at least one item needs storeInQty > 0")
	}
	return items, nil
}

func itemKeys(entryID int64, names []string) []string {
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = shared.StoreItemLockKey(entryID, n)
	}
	return keys
}

// CreateEntry records what arrived for a completed purchase and synthesises the
// opening log with zero movements.
func (s *Service) CreateEntry(ctx context.Context, input CreateEntryInput) (Entry, error) {
	if input.PurchaseID <= 0 {
		return Entry{}, shared.Invalid("purchaseId", "required")
	}
	if input.Status == "" {
		input.Status = EntryDraft
	}
	if input.Status != EntryDraft && input.Status != EntryCompleted {
		return Entry{}, shared.Invalid("status", "unknown store entry status %q", input.Status)
	}
	items, err := buildEntryItems(input.Items)
	if err != nil {
		return Entry{}, err
	}
	completed, err := s.purchases.IsCompleted(ctx, input.PurchaseID)
	if err != nil {
		return Entry{}, err
	}
	if !completed {
		return Entry{}, fmt.Errorf("%w: purchase %d is not completed", shared.ErrInvalidState, input.PurchaseID)
	}
	now := s.now().UTC()
	if input.EntryDate.IsZero() {
		input.EntryDate = now
	}
	entry := Entry{PurchaseID: input.PurchaseID, Status: input.Status, EntryDate: input.EntryDate, Items: items, CreatedAt: now, UpdatedAt: now}
	ComputeEntryTotals(&entry)

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		seq := s.seq.In(tx.Sequences())
		if entry.Status == EntryCompleted {
			storeID, err := seq.NextFormatted(ctx, sequence.KeyStoreEntry, sequence.FormatStoreEntry)
			if err != nil {
				return err
			}
			entry.StoreID = &storeID
		}
		logNumber, err := seq.NextFormatted(ctx, sequence.KeyStoreLog, sequence.FormatStoreLog)
		if err != nil {
			return err
		}
		id, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return err
		}
		entry.ID = id
		opening := Log{Number: logNumber, EntryID: id, LogDate: input.EntryDate, Status: LogInStore, StatusSource: SourceExplicit, Opening: true, CreatedAt: now, UpdatedAt: now}
		for _, it := range items {
			opening.Items = append(opening.Items, LogItem{Name: it.Name})
		}
		_, err = tx.InsertLog(ctx, opening)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	s.recordAudit(ctx, "STORE_ENTRY_CREATE", "store_entry", entry.ID, map[string]any{"purchaseId": entry.PurchaseID, "status": entry.Status})
	return entry, nil
}

// GetEntry returns a store entry.
func (s *Service) GetEntry(ctx context.Context, id int64) (Entry, error) {
	return s.repo.GetEntry(ctx, id)
}

// CompleteEntry moves a Draft entry to Completed and assigns its STR number.
// Completing a completed entry returns it unchanged.
func (s *Service) CompleteEntry(ctx context.Context, id int64) (Entry, error) {
	var out Entry
	changed := false
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		e, err := tx.GetEntryForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if e.Status == EntryCompleted {
			out = e
			return nil
		}
		storeID, err := s.seq.In(tx.Sequences()).NextFormatted(ctx, sequence.KeyStoreEntry, sequence.FormatStoreEntry)
		if err != nil {
			return err
		}
		e.Status = EntryCompleted
		e.StoreID = &storeID
		e.UpdatedAt = s.now().UTC()
		if err := tx.UpdateEntry(ctx, e); err != nil {
			return err
		}
		out, changed = e, true
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	if changed {
		s.recordAudit(ctx, "STORE_ENTRY_COMPLETE", "store_entry", id, map[string]any{"storeId": *out.StoreID})
	}
	return out, nil
}

// UpdateEntryItems replaces the lines of a Draft entry. An item with logged
// movements cannot be dropped, and its new storeInQty must cover what is still
// out of the store.
func (s *Service) UpdateEntryItems(ctx context.Context, id int64, inputs []EntryItemInput) (Entry, error) {
	items, err := buildEntryItems(inputs)
	if err != nil {
		return Entry{}, err
	}
	current, err := s.repo.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	names := make([]string, 0, len(items)+len(current.Items))
	for _, it := range current.Items {
		names = append(names, it.Name)
	}
	for _, it := range items {
		names = append(names, it.Name)
	}
	release, err := s.locker.Acquire(ctx, itemKeys(id, names)...)
	if err != nil {
		return Entry{}, err
	}
	defer release()

	var out Entry
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		e, err := tx.GetEntryForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != EntryDraft {
			return fmt.Errorf("%w: store entry %d is %s", shared.ErrInvalidState, id, e.Status)
		}
		raw, err := tx.Movements(ctx, id, 0)
		if err != nil {
			return err
		}
		moves := normalizeMoves(raw)
		next := Entry{Items: items}
		for name, m := range moves {
			if m.Taken == 0 && m.Returned == 0 {
				continue
			}
			it, ok := next.Item(name)
			if !ok {
				return shared.Invalid("entries", "item %q has store movements and cannot be removed", name)
			}
			if out := m.Taken - m.Returned; it.StoreInQty < out {
				return shared.Invalid("entries", "storeInQty of %q cannot drop below %d still out of the store", it.Name, out)
			}
		}
		e.Items = items
		ComputeEntryTotals(&e)
		e.UpdatedAt = s.now().UTC()
		if err := tx.UpdateEntry(ctx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	s.recordAudit(ctx, "STORE_ENTRY_ITEMS", "store_entry", id, map[string]any{"totalStoreIn": out.TotalStoreInQty})
	return out, nil
}

func (s *Service) recordAudit(ctx context.Context, action, entity string, id int64, meta map[string]any) {
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{Action: action, Entity: entity, EntityID: strconv.FormatInt(id, 10), Meta: meta})
}
