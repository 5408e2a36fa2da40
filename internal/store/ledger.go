package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
)

// LogItemInput is one movement line as entered by the clerk.
type LogItemInput struct {
	Name        string
	TakenQty    int64
	ReturnedQty int64
}

// LogInput describes a store log write. An empty Status asks for the suggested one.
type LogInput struct {
	EntryID int64
	LogDate time.Time
	TakenBy string
	Items   []LogItemInput
	Status  string
}

func normalizeMoves(in map[string]Movement) map[string]Movement {
	out := make(map[string]Movement, len(in))
	for name, m := range in {
		key := shared.NormalizeName(name)
		cur := out[key]
		cur.Taken += m.Taken
		cur.Returned += m.Returned
		out[key] = cur
	}
	return out
}

// validateLogItems checks the shape of a log independent of stock.
func validateLogItems(inputs []LogItemInput) error {
	if len(inputs) == 0 {
		return shared.Invalid("items", "at least one item required")
	}
	seen := map[string]struct{}{}
	moved := false
	for i, in := range inputs {
		field := fmt.Sprintf("items[%d]", i)
		key := shared.NormalizeName(in.Name)
		if key == "" {
			return shared.Invalid(field+".name", "required")
		}
		if _, dup := seen[key]; dup {
			return shared.Invalid(field+".name", "item %q appears twice", in.Name)
		}
		seen[key] = struct{}{}
		if in.TakenQty < 0 {
			return shared.Invalid(field+".takenQty", "must be >= 0, got %d", in.TakenQty)
		}
		if in.ReturnedQty < 0 {
			return shared.Invalid(field+".returnedQty", "must be >= 0, got %d", in.ReturnedQty)
		}
		if in.ReturnedQty > in.TakenQty {
			return shared.Invalid(field+".returnedQty", "cannot return %d of %q when %d were taken", in.ReturnedQty, in.Name, in.TakenQty)
		}
		if in.TakenQty > 0 || in.ReturnedQty > 0 {
			moved = true
		}
	}
	if !moved {
		return shared.Invalid("items", "at least one quantity must be non-zero")
	}
	return nil
}

// resolveLogItems maps input names onto the entry's item names.
func resolveLogItems(e Entry, inputs []LogItemInput) ([]LogItem, error) {
	items := make([]LogItem, 0, len(inputs))
	for i, in := range inputs {
		it, ok := e.Item(in.Name)
		if !ok {
			return nil, shared.Invalid(fmt.Sprintf("items[%d].name", i), "item %q is not on store entry %d", in.Name, e.ID)
		}
		items = append(items, LogItem{Name: it.Name, TakenQty: in.TakenQty, ReturnedQty: in.ReturnedQty, InHandQty: in.TakenQty - in.ReturnedQty})
	}
	return items, nil
}

// checkStock rejects any take-out larger than what the other logs leave available.
func (s *Service) checkStock(e Entry, items []LogItem, moves map[string]Movement) error {
	for _, it := range items {
		if it.TakenQty == 0 {
			continue
		}
		entryItem, _ := e.Item(it.Name)
		available := Available(entryItem.StoreInQty, moves[shared.NormalizeName(it.Name)])
		if it.TakenQty > available {
			if s.metrics != nil {
				s.metrics.StoreLogRejected()
			}
			return &InsufficientStockError{Item: it.Name, Requested: it.TakenQty, Available: available}
		}
	}
	return nil
}

func itemNames(items []LogItem) []string {
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Name
	}
	return names
}

func inputNames(inputs []LogItemInput) []string {
	names := make([]string, len(inputs))
	for i, in := range inputs {
		names[i] = in.Name
	}
	return names
}

// resolveStatus applies the explicit-wins rule. previous is nil on create.
func resolveStatus(requested string, items []LogItem, previous *Log) (LogStatus, StatusSource, error) {
	if strings.TrimSpace(requested) != "" {
		st, err := ParseLogStatus(requested)
		if err != nil {
			return "", "", err
		}
		return st, SourceExplicit, nil
	}
	if previous != nil && previous.StatusSource == SourceExplicit {
		return previous.Status, SourceExplicit, nil
	}
	return SuggestStatus(items), SourceSuggested, nil
}

// CreateLog validates and records a movement. Writers touching the same entry
// item are serialised by the keyed locker and, inside the transaction, by the
// repository's item locks, so the availability read and the insert cannot
// interleave with another writer.
func (s *Service) CreateLog(ctx context.Context, input LogInput) (Log, error) {
	if input.EntryID <= 0 {
		return Log{}, shared.Invalid("storeEntryId", "required")
	}
	if err := validateLogItems(input.Items); err != nil {
		return Log{}, err
	}
	release, err := s.locker.Acquire(ctx, itemKeys(input.EntryID, inputNames(input.Items))...)
	if err != nil {
		return Log{}, err
	}
	defer release()

	var created Log
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryForShare(ctx, input.EntryID)
		if err != nil {
			return err
		}
		items, err := resolveLogItems(entry, input.Items)
		if err != nil {
			return err
		}
		if err := tx.LockItems(ctx, entry.ID, itemNames(items)); err != nil {
			return err
		}
		moves, err := tx.Movements(ctx, entry.ID, 0)
		if err != nil {
			return err
		}
		if err := s.checkStock(entry, items, normalizeMoves(moves)); err != nil {
			return err
		}
		status, source, err := resolveStatus(input.Status, items, nil)
		if err != nil {
			return err
		}
		number, err := s.seq.In(tx.Sequences()).NextFormatted(ctx, sequence.KeyStoreLog, sequence.FormatStoreLog)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if input.LogDate.IsZero() {
			input.LogDate = now
		}
		l := Log{Number: number, EntryID: entry.ID, LogDate: input.LogDate, TakenBy: strings.TrimSpace(input.TakenBy), Items: items, Status: status, StatusSource: source, CreatedAt: now, UpdatedAt: now}
		id, err := tx.InsertLog(ctx, l)
		if err != nil {
			return err
		}
		l.ID = id
		created = l
		return nil
	})
	if err != nil {
		return Log{}, err
	}
	created.SuggestedStatus = SuggestStatus(created.Items)
	s.recordAudit(ctx, "STORE_LOG_CREATE", "store_log", created.ID, map[string]any{"number": created.Number, "entryId": created.EntryID})
	return created, nil
}

// UpdateLog replaces the movements of a log, validating stock as if the log
// did not exist yet. Opening logs are immutable.
func (s *Service) UpdateLog(ctx context.Context, id int64, input LogInput) (Log, error) {
	if err := validateLogItems(input.Items); err != nil {
		return Log{}, err
	}
	existing, err := s.repo.GetLog(ctx, id)
	if err != nil {
		return Log{}, err
	}
	if input.EntryID != 0 && input.EntryID != existing.EntryID {
		return Log{}, shared.Invalid("storeEntryId", "a log cannot move to another store entry")
	}
	names := append(itemNames(existing.Items), inputNames(input.Items)...)
	release, err := s.locker.Acquire(ctx, itemKeys(existing.EntryID, names)...)
	if err != nil {
		return Log{}, err
	}
	defer release()

	var updated Log
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.GetLogForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Opening {
			return fmt.Errorf("%w: opening log %s cannot be edited", shared.ErrInvalidState, cur.Number)
		}
		entry, err := tx.GetEntryForShare(ctx, cur.EntryID)
		if err != nil {
			return err
		}
		items, err := resolveLogItems(entry, input.Items)
		if err != nil {
			return err
		}
		if err := tx.LockItems(ctx, entry.ID, append(itemNames(cur.Items), itemNames(items)...)); err != nil {
			return err
		}
		moves, err := tx.Movements(ctx, entry.ID, cur.ID)
		if err != nil {
			return err
		}
		if err := s.checkStock(entry, items, normalizeMoves(moves)); err != nil {
			return err
		}
		status, source, err := resolveStatus(input.Status, items, &cur)
		if err != nil {
			return err
		}
		cur.Items = items
		cur.Status, cur.StatusSource = status, source
		if !input.LogDate.IsZero() {
			cur.LogDate = input.LogDate
		}
		if strings.TrimSpace(input.TakenBy) != "" {
			cur.TakenBy = strings.TrimSpace(input.TakenBy)
		}
		cur.UpdatedAt = s.now().UTC()
		if err := tx.UpdateLog(ctx, cur); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if err != nil {
		return Log{}, err
	}
	updated.SuggestedStatus = SuggestStatus(updated.Items)
	s.recordAudit(ctx, "STORE_LOG_UPDATE", "store_log", id, map[string]any{"status": updated.Status, "statusSource": updated.StatusSource})
	return updated, nil
}

// DeleteLog removes a log if the remaining logs keep every item non-negative.
func (s *Service) DeleteLog(ctx context.Context, id int64) error {
	existing, err := s.repo.GetLog(ctx, id)
	if err != nil {
		return err
	}
	release, err := s.locker.Acquire(ctx, itemKeys(existing.EntryID, itemNames(existing.Items))...)
	if err != nil {
		return err
	}
	defer release()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.GetLogForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Opening {
			return fmt.Errorf("%w: opening log %s cannot be deleted", shared.ErrInvalidState, cur.Number)
		}
		entry, err := tx.GetEntryForShare(ctx, cur.EntryID)
		if err != nil {
			return err
		}
		if err := tx.LockItems(ctx, entry.ID, itemNames(cur.Items)); err != nil {
			return err
		}
		raw, err := tx.Movements(ctx, entry.ID, cur.ID)
		if err != nil {
			return err
		}
		moves := normalizeMoves(raw)
		for _, it := range cur.Items {
			entryItem, _ := entry.Item(it.Name)
			m := moves[shared.NormalizeName(it.Name)]
			if left := entryItem.StoreInQty - m.Taken + m.Returned; left < 0 {
				return &InsufficientStockError{Item: it.Name, Requested: -left, Available: 0}
			}
		}
		return tx.DeleteLog(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "STORE_LOG_DELETE", "store_log", id, map[string]any{"number": existing.Number})
	return nil
}

// GetLog returns one log with its suggested status.
func (s *Service) GetLog(ctx context.Context, id int64) (Log, error) {
	l, err := s.repo.GetLog(ctx, id)
	if err != nil {
		return Log{}, err
	}
	l.SuggestedStatus = SuggestStatus(l.Items)
	return l, nil
}

// ListLogs returns every log of an entry, opening log first.
func (s *Service) ListLogs(ctx context.Context, entryID int64) ([]Log, error) {
	if _, err := s.repo.GetEntry(ctx, entryID); err != nil {
		return nil, err
	}
	logs, err := s.repo.ListLogs(ctx, entryID)
	if err != nil {
		return nil, err
	}
	for i := range logs {
		logs[i].SuggestedStatus = SuggestStatus(logs[i].Items)
	}
	return logs, nil
}

// AvailableStock computes the availability of one item, optionally ignoring
// the log being edited.
func (s *Service) AvailableStock(ctx context.Context, entryID int64, item string, excludeLogID int64) (int64, error) {
	entry, err := s.repo.GetEntry(ctx, entryID)
	if err != nil {
		return 0, err
	}
	it, ok := entry.Item(item)
	if !ok {
		return 0, shared.Invalid("item", "item %q is not on store entry %d", item, entryID)
	}
	moves, err := s.repo.Movements(ctx, entryID, excludeLogID)
	if err != nil {
		return 0, err
	}
	return Available(it.StoreInQty, normalizeMoves(moves)[shared.NormalizeName(it.Name)]), nil
}

// Snapshot returns initial and available stock of every item of an entry. It
// is computed on every call; concurrent callers for the same entry share one
// computation, which outlives any single caller's cancellation.
func (s *Service) Snapshot(ctx context.Context, entryID int64) ([]ItemStock, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.snapshots.DoChan(strconv.FormatInt(entryID, 10), func() (any, error) {
		return s.snapshot(detached, entryID)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	stock := res.Val.([]ItemStock)
	return append([]ItemStock(nil), stock...), nil
}

func (s *Service) snapshot(ctx context.Context, entryID int64) ([]ItemStock, error) {
	entry, err := s.repo.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	raw, err := s.repo.Movements(ctx, entryID, 0)
	if err != nil {
		return nil, err
	}
	moves := normalizeMoves(raw)
	out := make([]ItemStock, 0, len(entry.Items))
	for _, it := range entry.Items {
		out = append(out, ItemStock{Item: it.Name, InitialStock: it.StoreInQty, AvailableStock: Available(it.StoreInQty, moves[shared.NormalizeName(it.Name)])})
	}
	return out, nil
}
