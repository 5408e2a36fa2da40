package production

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Production, error)
	GetByOrder(ctx context.Context, orderID int64) (Production, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (Production, error)
	GetByOrder(ctx context.Context, orderID int64) (Production, error)
	// Insert fails with shared.ErrConflict when the order already has a production.
	Insert(ctx context.Context, p Production) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status Stage, history []HistoryEntry) error
	Sequences() sequence.Store
}

// Recorder receives spawn outcomes for metrics.
type Recorder interface {
	ProductionSpawn(outcome string)
}

// Service manages productions.
type Service struct {
	repo    RepositoryPort
	seq     *sequence.Service
	metrics Recorder
	audit   shared.AuditPort
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs production service.
func NewService(repo RepositoryPort, seq *sequence.Service, metrics Recorder, audit shared.AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, seq: seq, metrics: metrics, audit: audit, logger: logger, now: time.Now}
}

// EnsureForOrder returns the production of orderID, creating it when absent.
// The storage uniqueness on order_id settles concurrent callers: the loser's
// conflict is answered with the winner's record. created reports whether this
// call inserted it.
func (s *Service) EnsureForOrder(ctx context.Context, orderID int64) (p Production, created bool, err error) {
	if orderID <= 0 {
		return Production{}, false, shared.Invalid("orderId", "required")
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetByOrder(ctx, orderID)
		if err == nil {
			p = existing
			return nil
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		number, err := s.seq.In(tx.Sequences()).NextFormatted(ctx, sequence.KeyProduction, sequence.FormatProduction)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		fresh := Production{
			Number:          number,
			OrderID:         orderID,
			Status:          StagePending,
			WorkflowHistory: AppendHistory(nil, StagePending, now),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		id, err := tx.Insert(ctx, fresh)
		if err != nil {
			return err
		}
		fresh.ID = id
		p, created = fresh, true
		return nil
	})
	if errors.Is(err, shared.ErrConflict) {
		s.observe("conflict")
		p, err = s.repo.GetByOrder(ctx, orderID)
		return p, false, err
	}
	if err != nil {
		s.observe("error")
		return Production{}, false, fmt.Errorf("production: ensure for order %d: %w", orderID, err)
	}
	if created {
		s.observe("created")
		s.recordAudit(ctx, "PRODUCTION_CREATE", p.ID, map[string]any{"number": p.Number, "orderId": orderID})
	} else {
		s.observe("existing")
	}
	return p, created, nil
}

func (s *Service) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.ProductionSpawn(outcome)
	}
}

// Get returns a production.
func (s *Service) Get(ctx context.Context, id int64) (Production, error) {
	return s.repo.Get(ctx, id)
}

// GetByOrder returns the production of an order.
func (s *Service) GetByOrder(ctx context.Context, orderID int64) (Production, error) {
	return s.repo.GetByOrder(ctx, orderID)
}

// SetStatus moves the production to any known stage.
func (s *Service) SetStatus(ctx context.Context, id int64, status string) (Production, error) {
	stage, err := ParseStage(status)
	if err != nil {
		return Production{}, err
	}
	return s.transition(ctx, id, func(Production) (Stage, error) { return stage, nil })
}

// AdvanceStatus moves the production exactly one stage forward.
func (s *Service) AdvanceStatus(ctx context.Context, id int64) (Production, error) {
	return s.transition(ctx, id, func(p Production) (Stage, error) { return NextStage(p.Status) })
}

func (s *Service) transition(ctx context.Context, id int64, next func(Production) (Stage, error)) (Production, error) {
	var updated Production
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		to, err := next(p)
		if err != nil {
			return err
		}
		p.WorkflowHistory = AppendHistory(p.WorkflowHistory, to, s.now().UTC())
		p.Status = to
		p.UpdatedAt = p.WorkflowHistory[len(p.WorkflowHistory)-1].At
		if err := tx.UpdateStatus(ctx, id, to, p.WorkflowHistory); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return Production{}, err
	}
	s.recordAudit(ctx, "PRODUCTION_STATUS", id, map[string]any{"status": updated.Status})
	return updated, nil
}

func (s *Service) recordAudit(ctx context.Context, action string, id int64, meta map[string]any) {
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{Action: action, Entity: "production", EntityID: strconv.FormatInt(id, 10), Meta: meta})
}
