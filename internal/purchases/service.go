package purchases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loomworks/loom/internal/orders"
	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Purchase, error)
	GetByOrder(ctx context.Context, orderID int64) (Purchase, error)
	ListReturns(ctx context.Context, purchaseID int64) ([]Return, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (Purchase, error)
	GetByOrder(ctx context.Context, orderID int64) (Purchase, error)
	Insert(ctx context.Context, p Purchase) (int64, error)
	Update(ctx context.Context, p Purchase) error
	ReturnedQty(ctx context.Context, purchaseID int64) (map[string]int64, error)
	InsertReturn(ctx context.Context, r Return) (int64, error)
	Sequences() sequence.Store
}

// Service manages purchases.
type Service struct {
	repo   RepositoryPort
	seq    *sequence.Service
	audit  shared.AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs purchase service.
func NewService(repo RepositoryPort, seq *sequence.Service, audit shared.AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, seq: seq, audit: audit, logger: logger, now: time.Now}
}

// CreatePlaceholder creates the Pending purchase of an order with the order's
// products copied. It is idempotent per order: an existing purchase is returned.
func (s *Service) CreatePlaceholder(ctx context.Context, orderID int64, products []orders.Line) (Purchase, error) {
	if orderID <= 0 {
		return Purchase{}, shared.Invalid("orderId", "required")
	}
	var created Purchase
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetByOrder(ctx, orderID)
		if err == nil {
			created = existing
			return nil
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		number, err := s.seq.In(tx.Sequences()).NextFormatted(ctx, sequence.KeyPurchase, sequence.FormatPurchase)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		p := Purchase{
			Number:         number,
			OrderID:        orderID,
			Status:         StatusPending,
			Products:       products,
			Items:          []Item{},
			GrandTotalCost: decimal.Zero,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		id, err := tx.Insert(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id
		created = p
		return nil
	})
	if errors.Is(err, shared.ErrConflict) {
		// lost a race with a concurrent placeholder for the same order
		return s.repo.GetByOrder(ctx, orderID)
	}
	if err != nil {
		return Purchase{}, fmt.Errorf("purchases: placeholder for order %d: %w", orderID, err)
	}
	s.recordAudit(ctx, "PURCHASE_CREATE", created.ID, map[string]any{"number": created.Number, "orderId": orderID})
	return created, nil
}

// Get returns a purchase.
func (s *Service) Get(ctx context.Context, id int64) (Purchase, error) {
	return s.repo.Get(ctx, id)
}

// GetByOrder returns the purchase of an order.
func (s *Service) GetByOrder(ctx context.Context, orderID int64) (Purchase, error) {
	return s.repo.GetByOrder(ctx, orderID)
}

// IsCompleted reports whether the purchase exists and is Completed.
func (s *Service) IsCompleted(ctx context.Context, id int64) (bool, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return p.Status == StatusCompleted, nil
}

// ItemInput is an editable purchase line.
type ItemInput struct {
	Category Category
	Name     string
	Vendor   string
	Qty      int64
	UnitCost decimal.Decimal
}

// SaveInput edits a purchase that is not yet completed.
type SaveInput struct {
	Items  []ItemInput
	Status Status
}

func buildItems(inputs []ItemInput) ([]Item, error) {
	items := make([]Item, 0, len(inputs))
	seen := map[string]struct{}{}
	for i, in := range inputs {
		field := fmt.Sprintf("items[%d]", i)
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return nil, shared.Invalid(field+".name", "required")
		}
		key := shared.NormalizeName(name)
		if _, dup := seen[key]; dup {
			return nil, shared.Invalid(field+".name", "duplicate item %q", name)
		}
		seen[key] = struct{}{}
		if !in.Category.valid() {
			return nil, shared.Invalid(field+".category", "unknown category %q", in.Category)
		}
		if in.Qty < 0 {
			return nil, shared.Invalid(field+".qty", "must be >= 0, got %d", in.Qty)
		}
		if in.UnitCost.IsNegative() {
			return nil, shared.Invalid(field+".unitCost", "must be >= 0")
		}
		items = append(items, Item{Category: in.Category, Name: name, Vendor: strings.TrimSpace(in.Vendor), Qty: in.Qty, UnitCost: in.UnitCost})
	}
	return items, nil
}

// Save replaces items and status of an open purchase; totals are re-derived.
func (s *Service) Save(ctx context.Context, id int64, input SaveInput) (Purchase, error) {
	if input.Status == "" {
		input.Status = StatusPending
	}
	if input.Status != StatusPending && input.Status != StatusPartial {
		return Purchase{}, shared.Invalid("status", "use the complete operation to finish a purchase; got %q", input.Status)
	}
	items, err := buildItems(input.Items)
	if err != nil {
		return Purchase{}, err
	}
	var saved Purchase
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == StatusCompleted {
			return fmt.Errorf("%w: purchase %s is completed", shared.ErrInvalidState, p.Number)
		}
		p.Items = items
		p.GrandTotalCost = ComputeTotals(p.Items)
		p.Status = input.Status
		p.UpdatedAt = s.now().UTC()
		if err := tx.Update(ctx, p); err != nil {
			return err
		}
		saved = p
		return nil
	})
	if err != nil {
		return Purchase{}, err
	}
	s.recordAudit(ctx, "PURCHASE_SAVE", id, map[string]any{"status": saved.Status, "total": saved.GrandTotalCost.String()})
	return saved, nil
}

// Complete marks the purchase Completed. Completing an already completed
// purchase returns it unchanged with changed=false.
func (s *Service) Complete(ctx context.Context, id int64) (p Purchase, changed bool, err error) {
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == StatusCompleted {
			p = cur
			return nil
		}
		if len(cur.Items) == 0 {
			return shared.Invalid("items", "a purchase needs at least one item to complete")
		}
		for i, item := range cur.Items {
			if item.Qty <= 0 {
				return shared.Invalid(fmt.Sprintf("items[%d].qty", i), "must be > 0 to complete, got %d", item.Qty)
			}
		}
		now := s.now().UTC()
		cur.GrandTotalCost = ComputeTotals(cur.Items)
		cur.Status = StatusCompleted
		cur.CompletedAt = &now
		cur.UpdatedAt = now
		if err := tx.Update(ctx, cur); err != nil {
			return err
		}
		p, changed = cur, true
		return nil
	})
	if err != nil {
		return Purchase{}, false, err
	}
	if changed {
		s.recordAudit(ctx, "PURCHASE_COMPLETE", id, map[string]any{"number": p.Number, "total": p.GrandTotalCost.String()})
	}
	return p, changed, nil
}

// CreateReturn records material sent back from a completed purchase. Each
// item's cumulative returned quantity cannot exceed what was purchased.
func (s *Service) CreateReturn(ctx context.Context, purchaseID int64, items []ReturnItem, reason string) (Return, error) {
	if len(items) == 0 {
		return Return{}, shared.Invalid("items", "at least one item required")
	}
	var created Return
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetForUpdate(ctx, purchaseID)
		if err != nil {
			return err
		}
		if p.Status != StatusCompleted {
			return fmt.Errorf("%w: purchase %s is not completed", shared.ErrInvalidState, p.Number)
		}
		purchased := map[string]Item{}
		for _, it := range p.Items {
			purchased[shared.NormalizeName(it.Name)] = it
		}
		returned, err := tx.ReturnedQty(ctx, purchaseID)
		if err != nil {
			return err
		}
		lines := make([]ReturnItem, 0, len(items))
		seen := map[string]struct{}{}
		for i, ri := range items {
			field := fmt.Sprintf("items[%d]", i)
			key := shared.NormalizeName(ri.Name)
			item, ok := purchased[key]
			if !ok {
				return shared.Invalid(field+".name", "item %q is not on purchase %s", ri.Name, p.Number)
			}
			if _, dup := seen[key]; dup {
				return shared.Invalid(field+".name", "duplicate item %q", ri.Name)
			}
			seen[key] = struct{}{}
			if ri.Qty <= 0 {
				return shared.Invalid(field+".qty", "must be > 0, got %d", ri.Qty)
			}
			if left := item.Qty - returned[item.Name]; ri.Qty > left {
				return shared.Invalid(field+".qty", "returning %d of %q but only %d left to return", ri.Qty, item.Name, left)
			}
			lines = append(lines, ReturnItem{Name: item.Name, Qty: ri.Qty})
		}
		number, err := s.seq.In(tx.Sequences()).NextFormatted(ctx, sequence.KeyPurchaseReturn, sequence.FormatPurchaseReturn)
		if err != nil {
			return err
		}
		r := Return{Number: number, PurchaseID: purchaseID, Items: lines, Reason: strings.TrimSpace(reason), CreatedAt: s.now().UTC()}
		id, err := tx.InsertReturn(ctx, r)
		if err != nil {
			return err
		}
		r.ID = id
		created = r
		return nil
	})
	if err != nil {
		return Return{}, err
	}
	s.recordAudit(ctx, "PURCHASE_RETURN", purchaseID, map[string]any{"number": created.Number})
	return created, nil
}

// ListReturns lists return notes of a purchase.
func (s *Service) ListReturns(ctx context.Context, purchaseID int64) ([]Return, error) {
	return s.repo.ListReturns(ctx, purchaseID)
}

func (s *Service) recordAudit(ctx context.Context, action string, id int64, meta map[string]any) {
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{Action: action, Entity: "purchase", EntityID: strconv.FormatInt(id, 10), Meta: meta})
}
