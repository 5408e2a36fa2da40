package billing

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
	Get(ctx context.Context, id int64) (Document, error)
	ListByOrder(ctx context.Context, orderID int64) ([]Document, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (Document, error)
	Insert(ctx context.Context, d Document) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status Status, at time.Time) error
	// NoteTotal sums the open notes of one kind raised against an invoice.
	NoteTotal(ctx context.Context, invoiceID int64, kind Kind) (decimal.Decimal, error)
	Sequences() sequence.Store
}

// OrderPort is the slice of the order service billing depends on.
type OrderPort interface {
	Get(ctx context.Context, id int64) (orders.Order, error)
	LinkInvoice(ctx context.Context, orderID, invoiceID int64) error
}

// Service manages billing documents.
type Service struct {
	repo   RepositoryPort
	orders OrderPort
	seq    *sequence.Service
	audit  shared.AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs billing service.
func NewService(repo RepositoryPort, orders OrderPort, seq *sequence.Service, audit shared.AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, orders: orders, seq: seq, audit: audit, logger: logger, now: time.Now}
}

func (s *Service) number(ctx context.Context, seq *sequence.Service, kind Kind, at time.Time) (string, error) {
	switch kind {
	case KindEstimate:
		return seq.NextFormatted(ctx, sequence.KeyEstimate, sequence.FormatEstimate)
	case KindProforma:
		return seq.NextFormatted(ctx, sequence.KeyProforma, sequence.FormatProforma)
	case KindInvoice:
		fy := sequence.FinancialYear(at)
		return seq.NextFormatted(ctx, sequence.InvoiceKey(fy), func(n int64) string { return sequence.FormatInvoice(fy, n) })
	case KindCreditNote:
		return seq.NextFormatted(ctx, sequence.KeyCreditNote, sequence.FormatCreditNote)
	case KindDebitNote:
		return seq.NextFormatted(ctx, sequence.KeyDebitNote, sequence.FormatDebitNote)
	}
	return "", fmt.Errorf("billing: no counter for kind %q", kind)
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return shared.Invalid("amount", "must be > 0")
	}
	if !amount.Equal(amount.Round(2)) {
		return shared.Invalid("amount", "at most two decimal places")
	}
	return nil
}

// CreateEstimate opens an estimate for an existing order.
func (s *Service) CreateEstimate(ctx context.Context, orderID int64, amount decimal.Decimal, note string) (Document, error) {
	if orderID <= 0 {
		return Document{}, shared.Invalid("orderId", "required")
	}
	if err := validAmount(amount); err != nil {
		return Document{}, err
	}
	if _, err := s.orders.Get(ctx, orderID); err != nil {
		return Document{}, err
	}
	var created Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.now().UTC()
		number, err := s.number(ctx, s.seq.In(tx.Sequences()), KindEstimate, now)
		if err != nil {
			return err
		}
		d := Document{Number: number, Kind: KindEstimate, OrderID: orderID, Status: StatusOpen, Amount: amount, Reason: strings.TrimSpace(note), CreatedAt: now, UpdatedAt: now}
		id, err := tx.Insert(ctx, d)
		if err != nil {
			return err
		}
		d.ID = id
		created = d
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	s.recordAudit(ctx, "BILLING_ESTIMATE", created.ID, map[string]any{"number": created.Number, "orderId": orderID})
	return created, nil
}

// Convert turns an open estimate into a proforma or an open proforma into an
// invoice. The source is marked Converted; converting it again is rejected.
// An invoice is linked back to its order.
func (s *Service) Convert(ctx context.Context, id int64) (Document, error) {
	src, err := s.repo.Get(ctx, id)
	if err != nil {
		return Document{}, err
	}
	target, ok := src.Kind.ConvertsTo()
	if !ok {
		return Document{}, fmt.Errorf("%w: a %s cannot be converted", shared.ErrInvalidState, src.Kind)
	}
	if target == KindInvoice {
		order, err := s.orders.Get(ctx, src.OrderID)
		if err != nil {
			return Document{}, err
		}
		if order.InvoiceID != nil {
			return Document{}, fmt.Errorf("%w: order %s is already invoiced", shared.ErrConflict, order.OrderID)
		}
	}

	var created Document
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != StatusOpen {
			return fmt.Errorf("%w: %s %s is %s", shared.ErrInvalidState, cur.Kind, cur.Number, cur.Status)
		}
		now := s.now().UTC()
		number, err := s.number(ctx, s.seq.In(tx.Sequences()), target, now)
		if err != nil {
			return err
		}
		source := cur.ID
		d := Document{Number: number, Kind: target, OrderID: cur.OrderID, SourceID: &source, Status: StatusOpen, Amount: cur.Amount, CreatedAt: now, UpdatedAt: now}
		newID, err := tx.Insert(ctx, d)
		if err != nil {
			return err
		}
		d.ID = newID
		if err := tx.UpdateStatus(ctx, cur.ID, StatusConverted, now); err != nil {
			return err
		}
		created = d
		return nil
	})
	if errors.Is(err, shared.ErrConflict) {
		return Document{}, fmt.Errorf("%w: %s %d was converted concurrently", shared.ErrInvalidState, src.Kind, id)
	}
	if err != nil {
		return Document{}, err
	}

	if created.Kind == KindInvoice {
		if err := s.orders.LinkInvoice(ctx, created.OrderID, created.ID); err != nil {
			s.logger.Warn("invoice link failed, cancelling invoice", slog.String("invoice", created.Number), slog.Int64("order_id", created.OrderID), slog.Any("error", err))
			if rerr := s.revert(ctx, created, id); rerr != nil {
				return Document{}, errors.Join(err, rerr)
			}
			return Document{}, err
		}
	}
	s.recordAudit(ctx, "BILLING_CONVERT", created.ID, map[string]any{"number": created.Number, "from": src.Number})
	return created, nil
}

// revert cancels a freshly issued document and reopens its source.
func (s *Service) revert(ctx context.Context, issued Document, sourceID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.now().UTC()
		if err := tx.UpdateStatus(ctx, issued.ID, StatusCancelled, now); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, sourceID, StatusOpen, now)
	})
}

// NoteInput describes a credit or debit note.
type NoteInput struct {
	InvoiceID int64
	Kind      Kind
	Amount    decimal.Decimal
	Reason    string
}

// CreateNote raises a credit or debit note against a non-cancelled invoice.
// Open credit notes never exceed the invoiced amount.
func (s *Service) CreateNote(ctx context.Context, input NoteInput) (Document, error) {
	if input.InvoiceID <= 0 {
		return Document{}, shared.Invalid("invoiceId", "required")
	}
	if input.Kind != KindCreditNote && input.Kind != KindDebitNote {
		return Document{}, shared.Invalid("kind", "expected credit or debit, got %q", input.Kind)
	}
	if err := validAmount(input.Amount); err != nil {
		return Document{}, err
	}
	if strings.TrimSpace(input.Reason) == "" {
		return Document{}, shared.Invalid("reason", "required")
	}
	var created Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Kind != KindInvoice {
			return shared.Invalid("invoiceId", "document %s is a %s, not an invoice", inv.Number, inv.Kind)
		}
		if inv.Status == StatusCancelled {
			return fmt.Errorf("%w: invoice %s is cancelled", shared.ErrInvalidState, inv.Number)
		}
		if input.Kind == KindCreditNote {
			credited, err := tx.NoteTotal(ctx, inv.ID, KindCreditNote)
			if err != nil {
				return err
			}
			if left := inv.Amount.Sub(credited); input.Amount.GreaterThan(left) {
				return shared.Invalid("amount", "credit %s exceeds the %s left on invoice %s", input.Amount.StringFixed(2), left.StringFixed(2), inv.Number)
			}
		}
		now := s.now().UTC()
		number, err := s.number(ctx, s.seq.In(tx.Sequences()), input.Kind, now)
		if err != nil {
			return err
		}
		invoiceID := inv.ID
		d := Document{Number: number, Kind: input.Kind, OrderID: inv.OrderID, SourceID: &invoiceID, Status: StatusOpen, Amount: input.Amount, Reason: strings.TrimSpace(input.Reason), CreatedAt: now, UpdatedAt: now}
		id, err := tx.Insert(ctx, d)
		if err != nil {
			return err
		}
		d.ID = id
		created = d
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	s.recordAudit(ctx, "BILLING_NOTE", created.ID, map[string]any{"number": created.Number, "invoiceId": input.InvoiceID})
	return created, nil
}

// Cancel cancels an open estimate, proforma or note. Invoices are corrected
// with notes instead.
func (s *Service) Cancel(ctx context.Context, id int64) (Document, error) {
	var out Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if d.Kind == KindInvoice {
			return fmt.Errorf("%w: invoice %s cannot be cancelled, raise a credit note", shared.ErrInvalidState, d.Number)
		}
		if d.Status != StatusOpen {
			return fmt.Errorf("%w: %s %s is %s", shared.ErrInvalidState, d.Kind, d.Number, d.Status)
		}
		d.Status = StatusCancelled
		d.UpdatedAt = s.now().UTC()
		if err := tx.UpdateStatus(ctx, id, d.Status, d.UpdatedAt); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	s.recordAudit(ctx, "BILLING_CANCEL", id, map[string]any{"number": out.Number})
	return out, nil
}

// Get returns a billing document.
func (s *Service) Get(ctx context.Context, id int64) (Document, error) {
	return s.repo.Get(ctx, id)
}

// ListByOrder returns every billing document of an order in issue order.
func (s *Service) ListByOrder(ctx context.Context, orderID int64) ([]Document, error) {
	return s.repo.ListByOrder(ctx, orderID)
}

func (s *Service) recordAudit(ctx context.Context, action string, id int64, meta map[string]any) {
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{Action: action, Entity: "billing_document", EntityID: strconv.FormatInt(id, 10), Meta: meta})
}
