// Package workflow moves documents along the order lifecycle: it creates the
// placeholder purchase of a new order, spawns production when a purchase
// completes, mirrors production stages onto the order and repairs orders
// whose purchase could not be created.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/internal/orders"
	"github.com/loomworks/loom/internal/production"
	"github.com/loomworks/loom/internal/purchases"
	"github.com/loomworks/loom/internal/shared"
)

// OrderPort is the slice of the order service the workflow drives.
type OrderPort interface {
	Create(ctx context.Context, input orders.CreateInput) (orders.Order, error)
	Get(ctx context.Context, id int64) (orders.Order, error)
	LinkPurchase(ctx context.Context, orderID, purchaseID int64) error
	LinkProduction(ctx context.Context, orderID, productionID int64) error
	SetStatusIfBehind(ctx context.Context, id int64, status orders.Status) error
	ListOrphans(ctx context.Context, grace time.Duration, limit int) ([]orders.Order, error)
}

// PurchasePort is the slice of the purchase service the workflow drives.
type PurchasePort interface {
	CreatePlaceholder(ctx context.Context, orderID int64, products []orders.Line) (purchases.Purchase, error)
	Complete(ctx context.Context, id int64) (purchases.Purchase, bool, error)
}

// ProductionPort is the slice of the production service the workflow drives.
type ProductionPort interface {
	EnsureForOrder(ctx context.Context, orderID int64) (production.Production, bool, error)
	SetStatus(ctx context.Context, id int64, status string) (production.Production, error)
	AdvanceStatus(ctx context.Context, id int64) (production.Production, error)
}

// Enqueuer schedules a background retry of an order's placeholder purchase.
type Enqueuer interface {
	EnqueueReconcile(ctx context.Context, orderID int64) error
}

// Config groups optional collaborators.
type Config struct {
	Idempotency shared.IdempotencyPort
	Enqueuer    Enqueuer
	Logger      *slog.Logger
	// OrphanGrace keeps reconciliation away from orders still being created.
	OrphanGrace time.Duration
	// ReconcileWorkers bounds concurrent repairs.
	ReconcileWorkers int
}

// Service orchestrates cross-document steps.
type Service struct {
	orders     OrderPort
	purchases  PurchasePort
	production ProductionPort
	idem       shared.IdempotencyPort
	enqueuer   Enqueuer
	logger     *slog.Logger
	grace      time.Duration
	workers    int
}

// NewService constructs the workflow service.
func NewService(ord OrderPort, pur PurchasePort, prod ProductionPort, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = time.Minute
	}
	if cfg.ReconcileWorkers <= 0 {
		cfg.ReconcileWorkers = 4
	}
	return &Service{
		orders:     ord,
		purchases:  pur,
		production: prod,
		idem:       cfg.Idempotency,
		enqueuer:   cfg.Enqueuer,
		logger:     cfg.Logger,
		grace:      cfg.OrphanGrace,
		workers:    cfg.ReconcileWorkers,
	}
}

const idempotencyModule = "orders.create"

// CreateOrder persists the order, then creates and links its placeholder
// purchase. When the purchase step fails the order is returned together with
// an error wrapping orders.ErrPurchasePending and a reconciliation is queued.
//
// A non-empty key makes the call idempotent: a repeated key returns the order
// the first call created.
func (s *Service) CreateOrder(ctx context.Context, input orders.CreateInput, key string) (orders.Order, error) {
	if key != "" && s.idem != nil {
		if order, ok, err := s.replay(ctx, key); err != nil || ok {
			return order, err
		}
		if err := s.idem.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				if order, ok, rerr := s.replay(ctx, key); rerr != nil || ok {
					return order, rerr
				}
			}
			return orders.Order{}, err
		}
	}

	order, err := s.orders.Create(ctx, input)
	if err != nil {
		if key != "" && s.idem != nil {
			if derr := s.idem.Delete(ctx, key); derr != nil {
				s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", derr))
			}
		}
		return orders.Order{}, err
	}
	if key != "" && s.idem != nil {
		// an unbound key would answer every retry with a conflict until pruned
		if err := s.idem.Resolve(ctx, key, order.ID); err != nil {
			s.logger.Warn("bind idempotency key, releasing it", slog.String("key", key), slog.String("order", order.OrderID), slog.Any("error", err))
			if derr := s.idem.Delete(ctx, key); derr != nil {
				s.logger.Error("release idempotency key", slog.String("key", key), slog.Any("error", derr))
			}
		}
	}

	linked, err := s.attachPurchase(ctx, order)
	if err != nil {
		s.logger.Error("placeholder purchase failed", slog.String("order", order.OrderID), slog.Any("error", err))
		if s.enqueuer != nil {
			if qerr := s.enqueuer.EnqueueReconcile(ctx, order.ID); qerr != nil {
				s.logger.Error("enqueue reconcile", slog.String("order", order.OrderID), slog.Any("error", qerr))
			}
		}
		return order, fmt.Errorf("%w: order %s: %v", orders.ErrPurchasePending, order.OrderID, err)
	}
	return linked, nil
}

func (s *Service) replay(ctx context.Context, key string) (orders.Order, bool, error) {
	ref, ok, err := s.idem.Lookup(ctx, key)
	if err != nil || !ok {
		return orders.Order{}, false, err
	}
	order, err := s.orders.Get(ctx, ref)
	if err != nil {
		return orders.Order{}, false, err
	}
	return order, true, nil
}

// attachPurchase creates the placeholder purchase and back-fills the order.
// Both steps are idempotent so a retry after a partial failure is safe.
func (s *Service) attachPurchase(ctx context.Context, order orders.Order) (orders.Order, error) {
	p, err := s.purchases.CreatePlaceholder(ctx, order.ID, order.Products)
	if err != nil {
		return orders.Order{}, err
	}
	if err := s.orders.LinkPurchase(ctx, order.ID, p.ID); err != nil {
		return orders.Order{}, err
	}
	purchaseID := p.ID
	order.PurchaseID = &purchaseID
	return order, nil
}

// ReconcileOrder gives an order its placeholder purchase if it still lacks one.
func (s *Service) ReconcileOrder(ctx context.Context, orderID int64) (orders.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if order.PurchaseID != nil {
		return order, nil
	}
	return s.attachPurchase(ctx, order)
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Checked  int     `json:"checked"`
	Repaired []int64 `json:"repaired"`
	Failed   []int64 `json:"failed"`
}

// ListOrphans returns orders older than the grace period without a purchase.
func (s *Service) ListOrphans(ctx context.Context, limit int) ([]orders.Order, error) {
	return s.orders.ListOrphans(ctx, s.grace, limit)
}

// ReconcileOrphans repairs up to limit orphaned orders with bounded
// concurrency. A failing order is reported and does not stop the others.
func (s *Service) ReconcileOrphans(ctx context.Context, limit int) (ReconcileReport, error) {
	orphans, err := s.ListOrphans(ctx, limit)
	if err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{Checked: len(orphans), Repaired: []int64{}, Failed: []int64{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, o := range orphans {
		o := o
		g.Go(func() error {
			_, err := s.ReconcileOrder(gctx, o.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("reconcile order", slog.String("order", o.OrderID), slog.Any("error", err))
				report.Failed = append(report.Failed, o.ID)
				return nil
			}
			report.Repaired = append(report.Repaired, o.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, ctx.Err()
}

// Completion is the outcome of completing a purchase.
type Completion struct {
	Purchase          purchases.Purchase    `json:"purchase"`
	Production        production.Production `json:"production"`
	ProductionCreated bool                  `json:"productionCreated"`
}

// CompletePurchase completes the purchase, moves its order to Purchase
// Completed and makes sure exactly one production exists for the order.
// Repeating the call is harmless.
func (s *Service) CompletePurchase(ctx context.Context, purchaseID int64) (Completion, error) {
	p, _, err := s.purchases.Complete(ctx, purchaseID)
	if err != nil {
		return Completion{}, err
	}
	if err := s.orders.SetStatusIfBehind(ctx, p.OrderID, orders.StatusPurchaseCompleted); err != nil {
		return Completion{}, fmt.Errorf("workflow: advance order %d: %w", p.OrderID, err)
	}
	prod, created, err := s.production.EnsureForOrder(ctx, p.OrderID)
	if err != nil {
		return Completion{}, err
	}
	if err := s.orders.LinkProduction(ctx, p.OrderID, prod.ID); err != nil {
		return Completion{}, fmt.Errorf("workflow: link production %s: %w", prod.Number, err)
	}
	return Completion{Purchase: p, Production: prod, ProductionCreated: created}, nil
}

// CreateProduction starts production directly for orders that are not bought
// in: job work and own orders. FOB orders get theirs from purchase completion.
func (s *Service) CreateProduction(ctx context.Context, orderID int64) (production.Production, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return production.Production{}, err
	}
	if order.Type != orders.TypeJobWorks && order.Type != orders.TypeOwnOrders {
		return production.Production{}, fmt.Errorf("%w: %s order %s starts production when its purchase completes", shared.ErrInvalidState, order.Type, order.OrderID)
	}
	prod, created, err := s.production.EnsureForOrder(ctx, orderID)
	if err != nil {
		return production.Production{}, err
	}
	if !created {
		return production.Production{}, fmt.Errorf("%w: order %s already has production %s", shared.ErrConflict, order.OrderID, prod.Number)
	}
	if err := s.orders.LinkProduction(ctx, orderID, prod.ID); err != nil {
		return production.Production{}, err
	}
	if err := s.orders.SetStatusIfBehind(ctx, orderID, orders.StatusPendingProduction); err != nil {
		return production.Production{}, err
	}
	return prod, nil
}

// OrderStatusFor maps a production stage onto the order lifecycle.
func OrderStatusFor(stage production.Stage) orders.Status {
	switch stage {
	case production.StagePending:
		return orders.StatusPendingProduction
	case production.StageFactoryReceived:
		return orders.StatusFactoryReceived
	case production.StageCompleted:
		return orders.StatusProductionComplete
	}
	return orders.StatusInProduction
}

// SetProductionStatus moves production to any stage and carries the order
// forward to match. The order never moves backwards.
func (s *Service) SetProductionStatus(ctx context.Context, id int64, status string) (production.Production, error) {
	p, err := s.production.SetStatus(ctx, id, status)
	if err != nil {
		return production.Production{}, err
	}
	return p, s.orders.SetStatusIfBehind(ctx, p.OrderID, OrderStatusFor(p.Status))
}

// AdvanceProduction moves production one stage forward and carries the order.
func (s *Service) AdvanceProduction(ctx context.Context, id int64) (production.Production, error) {
	p, err := s.production.AdvanceStatus(ctx, id)
	if err != nil {
		return production.Production{}, err
	}
	return p, s.orders.SetStatusIfBehind(ctx, p.OrderID, OrderStatusFor(p.Status))
}
