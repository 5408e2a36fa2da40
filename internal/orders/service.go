package orders

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Order, error)
	List(ctx context.Context, filters ListFilters) ([]Order, int, error)
	ListOrphans(ctx context.Context, createdBefore time.Time, limit int) ([]Order, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	ResolveBuyer(ctx context.Context, name string) (Buyer, error)
	ResolveProduct(ctx context.Context, name string) (Product, error)
	Insert(ctx context.Context, order Order) (int64, error)
	GetForUpdate(ctx context.Context, id int64) (Order, error)
	UpdateStatus(ctx context.Context, id int64, status Status) error
	UpdateLines(ctx context.Context, id int64, lines []Line, totalQty int64) error
	SetPurchase(ctx context.Context, id, purchaseID int64) error
	SetProduction(ctx context.Context, id, productionID int64) error
	SetInvoice(ctx context.Context, id, invoiceID int64) error
	Delete(ctx context.Context, id int64) error
	Sequences() sequence.Store
}

// Service owns buyers, products and orders.
type Service struct {
	repo   RepositoryPort
	seq    *sequence.Service
	audit  shared.AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the order service.
func NewService(repo RepositoryPort, seq *sequence.Service, audit shared.AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, seq: seq, audit: audit, logger: logger, now: time.Now}
}

// CreateInput describes a new order.
type CreateInput struct {
	Buyer    string
	Type     Type
	Products []LineInput
}

// LineInput names a product by free text.
type LineInput struct {
	Name  string
	Sizes []SizeQty
}

func validateLines(lines []LineInput) error {
	if len(lines) == 0 {
		return shared.Invalid("products", "at least one product required")
	}
	seen := map[string]struct{}{}
	for i, l := range lines {
		key := shared.NormalizeName(l.Name)
		if key == "" {
			return shared.Invalid(fmt.Sprintf("products[%d].name", i), "required")
		}
		if _, dup := seen[key]; dup {
			return shared.Invalid(fmt.Sprintf("products[%d].name", i), "duplicate product %q", l.Name)
		}
		seen[key] = struct{}{}
		if len(l.Sizes) == 0 {
			return shared.Invalid(fmt.Sprintf("products[%d].sizes", i), "at least one size required")
		}
		sizes := map[string]struct{}{}
		for j, s := range l.Sizes {
			field := fmt.Sprintf("products[%d].sizes[%d]", i, j)
			size := strings.TrimSpace(s.Size)
			if size == "" {
				return shared.Invalid(field+".size", "required")
			}
			if _, dup := sizes[size]; dup {
				return shared.Invalid(field+".size", "duplicate size %q", size)
			}
			sizes[size] = struct{}{}
			if s.Qty <= 0 {
				return shared.Invalid(field+".qty", "must be > 0, got %d", s.Qty)
			}
		}
	}
	return nil
}

func resolveLines(ctx context.Context, tx TxRepository, inputs []LineInput) ([]Line, error) {
	lines := make([]Line, 0, len(inputs))
	for _, in := range inputs {
		product, err := tx.ResolveProduct(ctx, in.Name)
		if err != nil {
			return nil, err
		}
		sizes := make([]SizeQty, len(in.Sizes))
		for i, s := range in.Sizes {
			sizes[i] = SizeQty{Size: strings.TrimSpace(s.Size), Qty: s.Qty}
		}
		lines = append(lines, Line{ProductID: product.ID, Name: product.Name, Sizes: sizes})
	}
	return lines, nil
}

// Create resolves the buyer and products, numbers the order and persists it in
// one transaction. The placeholder purchase is created by the caller afterwards.
func (s *Service) Create(ctx context.Context, input CreateInput) (Order, error) {
	if strings.TrimSpace(input.Buyer) == "" {
		return Order{}, shared.Invalid("buyer", "required")
	}
	if !input.Type.Valid() {
		return Order{}, shared.Invalid("orderType", "unknown order type %q", input.Type)
	}
	if err := validateLines(input.Products); err != nil {
		return Order{}, err
	}
	var created Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		buyer, err := tx.ResolveBuyer(ctx, input.Buyer)
		if err != nil {
			return err
		}
		lines, err := resolveLines(ctx, tx, input.Products)
		if err != nil {
			return err
		}
		seq := s.seq.In(tx.Sequences())
		global, err := seq.Next(ctx, sequence.KeyGlobalOrder)
		if err != nil {
			return err
		}
		serial, err := seq.Next(ctx, sequence.OrderTypeKey(string(input.Type)))
		if err != nil {
			return err
		}
		now := s.now().UTC()
		order := Order{
			OrderID:      sequence.FormatOrderID(global),
			Type:         input.Type,
			Serial:       serial,
			SerialNumber: sequence.FormatOrderSerial(string(input.Type), serial),
			BuyerID:      buyer.ID,
			BuyerName:    buyer.Name,
			Products:     lines,
			TotalQty:     ComputeTotalQty(lines),
			Status:       StatusPendingPurchase,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		id, err := tx.Insert(ctx, order)
		if err != nil {
			return err
		}
		order.ID = id
		created = order
		return nil
	})
	if err != nil {
		return Order{}, fmt.Errorf("orders: create: %w", err)
	}
	s.recordAudit(ctx, "ORDER_CREATE", created.ID, map[string]any{"orderId": created.OrderID, "totalQty": created.TotalQty})
	return created, nil
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, id int64) (Order, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of orders and the total matching count.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Order, shared.Pagination, error) {
	if filters.Type != "" && !filters.Type.Valid() {
		return nil, shared.Pagination{}, shared.Invalid("type", "unknown order type %q", filters.Type)
	}
	if filters.Status != "" {
		if _, err := ParseStatus(string(filters.Status)); err != nil {
			return nil, shared.Pagination{}, err
		}
	}
	filters.Limit, filters.Offset = shared.ClampPage(filters.Limit, filters.Offset)
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filters.Limit, filters.Offset, total), nil
}

// SetStatus moves the order to any known status. It is the correction path.
func (s *Service) SetStatus(ctx context.Context, id int64, status string) (Order, error) {
	st, err := ParseStatus(status)
	if err != nil {
		return Order{}, err
	}
	return s.transition(ctx, id, func(Order) (Status, error) { return st, nil })
}

// AdvanceStatus moves the order exactly one step forward in Lifecycle.
func (s *Service) AdvanceStatus(ctx context.Context, id int64) (Order, error) {
	return s.transition(ctx, id, func(o Order) (Status, error) { return NextStatus(o.Status) })
}

func (s *Service) transition(ctx context.Context, id int64, next func(Order) (Status, error)) (Order, error) {
	var updated Order
	var from Status
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		to, err := next(order)
		if err != nil {
			return err
		}
		from, updated = order.Status, order
		if to == order.Status {
			return nil
		}
		if err := tx.UpdateStatus(ctx, id, to); err != nil {
			return err
		}
		order.Status = to
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if from != updated.Status {
		s.recordAudit(ctx, "ORDER_STATUS", id, map[string]any{"from": from, "to": updated.Status})
	}
	return updated, nil
}

// UpdateLines replaces the order's products and recomputes TotalQty. The
// purchase's copied product snapshot is left untouched.
func (s *Service) UpdateLines(ctx context.Context, id int64, inputs []LineInput) (Order, error) {
	if err := validateLines(inputs); err != nil {
		return Order{}, err
	}
	var updated Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		lines, err := resolveLines(ctx, tx, inputs)
		if err != nil {
			return err
		}
		order.Products = lines
		order.TotalQty = ComputeTotalQty(lines)
		if err := tx.UpdateLines(ctx, id, order.Products, order.TotalQty); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.recordAudit(ctx, "ORDER_LINES", id, map[string]any{"totalQty": updated.TotalQty})
	return updated, nil
}

// Delete removes the order; its purchase, production, store entries and billing
// documents go with it through cascading foreign keys.
func (s *Service) Delete(ctx context.Context, id int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetForUpdate(ctx, id); err != nil {
			return err
		}
		return tx.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "ORDER_DELETE", id, nil)
	return nil
}

// LinkPurchase back-fills the order's purchase reference. Re-linking the same
// purchase is a no-op; a different one is a conflict.
func (s *Service) LinkPurchase(ctx context.Context, orderID, purchaseID int64) error {
	return s.link(ctx, orderID, purchaseID, func(o Order) *int64 { return o.PurchaseID }, TxRepository.SetPurchase)
}

// LinkProduction back-fills the order's production reference.
func (s *Service) LinkProduction(ctx context.Context, orderID, productionID int64) error {
	return s.link(ctx, orderID, productionID, func(o Order) *int64 { return o.ProductionID }, TxRepository.SetProduction)
}

// LinkInvoice back-fills the order's invoice reference.
func (s *Service) LinkInvoice(ctx context.Context, orderID, invoiceID int64) error {
	return s.link(ctx, orderID, invoiceID, func(o Order) *int64 { return o.InvoiceID }, TxRepository.SetInvoice)
}

func (s *Service) link(ctx context.Context, orderID, refID int64, current func(Order) *int64, set func(TxRepository, context.Context, int64, int64) error) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if cur := current(order); cur != nil {
			if *cur == refID {
				return nil
			}
			return fmt.Errorf("%w: order %s already linked to %d", shared.ErrConflict, order.OrderID, *cur)
		}
		return set(tx, ctx, orderID, refID)
	})
}

// SetStatusIfBehind advances the order to status unless it is already at or past
// it in Lifecycle. Workflow events use it so a late event never rewinds an order.
func (s *Service) SetStatusIfBehind(ctx context.Context, id int64, status Status) error {
	target := indexOf(status)
	if target < 0 {
		return shared.Invalid("status", "unknown order status %q", status)
	}
	_, err := s.transition(ctx, id, func(o Order) (Status, error) {
		if indexOf(o.Status) >= target {
			return o.Status, nil
		}
		return status, nil
	})
	return err
}

func indexOf(s Status) int {
	for i, st := range Lifecycle {
		if st == s {
			return i
		}
	}
	return -1
}

// ListOrphans returns orders older than grace that still lack a purchase.
func (s *Service) ListOrphans(ctx context.Context, grace time.Duration, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListOrphans(ctx, s.now().Add(-grace), limit)
}

func (s *Service) recordAudit(ctx context.Context, action string, id int64, meta map[string]any) {
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{Action: action, Entity: "order", EntityID: strconv.FormatInt(id, 10), Meta: meta})
}
