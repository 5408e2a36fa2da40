package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/loomworks/loom/internal/jobs"
	"github.com/loomworks/loom/internal/orders"
	"github.com/loomworks/loom/internal/shared"
	"github.com/loomworks/loom/internal/workflow"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Reconciler repairs orders left without a placeholder purchase.
type Reconciler interface {
	ReconcileOrder(ctx context.Context, orderID int64) (orders.Order, error)
	ReconcileOrphans(ctx context.Context, limit int) (workflow.ReconcileReport, error)
}

// Pruner removes idempotency keys past their retention.
type Pruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ReconcileJob handles both reconciliation task types.
type ReconcileJob struct {
	Reconciler Reconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewReconcileJob wires the reconciliation handlers.
func NewReconcileJob(r Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Reconciler: r, Logger: logger, Metrics: metrics}
}

// HandlePurchase repairs a single order. A vanished order is not retried.
func (j *ReconcileJob) HandlePurchase(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Reconciler == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload ReconcilePurchasePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.OrderID <= 0 {
		return fmt.Errorf("reconcile: bad payload: %w", asynq.SkipRetry)
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskReconcilePurchase)
	defer func() { err = tracker.End(err) }()

	logger := loggerFor(j.Logger, TaskReconcilePurchase).With(slog.Int64("order_id", payload.OrderID))
	order, err := j.Reconciler.ReconcileOrder(ctx, payload.OrderID)
	if errors.Is(err, shared.ErrNotFound) {
		logger.Warn("order gone, dropping reconcile")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		logger.Error("reconcile failed", slog.Any("error", err))
		return err
	}
	logger.Info("order reconciled", slog.String("order", order.OrderID))
	return nil
}

// HandleOrphans runs one sweep. Per-order failures are logged, not retried
// here; the next sweep picks them up.
func (j *ReconcileJob) HandleOrphans(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Reconciler == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload ReconcileOrphansPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("reconcile: bad payload: %w", asynq.SkipRetry)
	}
	limit, _ := shared.ClampPage(payload.Limit, 0)
	tracker := metricsOrDefault(j.Metrics).Track(TaskReconcileOrphans)
	defer func() { err = tracker.End(err) }()

	report, err := j.Reconciler.ReconcileOrphans(ctx, limit)
	if err != nil {
		return err
	}
	logger := loggerFor(j.Logger, TaskReconcileOrphans)
	if len(report.Failed) > 0 {
		logger.Warn("orphans left", slog.Int("checked", report.Checked), slog.Int("repaired", len(report.Repaired)), slog.Int("failed", len(report.Failed)))
		return nil
	}
	logger.Info("orphans swept", slog.Int("checked", report.Checked), slog.Int("repaired", len(report.Repaired)))
	return nil
}

// PruneJob drops idempotency keys older than the payload's window.
type PruneJob struct {
	Pruner  Pruner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle executes one prune.
func (j *PruneJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Pruner == nil {
		return errors.New("prune: handler not configured")
	}
	var payload IdempotencyPrunePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.OlderThan <= 0 {
		return fmt.Errorf("prune: bad payload: %w", asynq.SkipRetry)
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskIdempotencyPrune)
	defer func() { err = tracker.End(err) }()

	n, err := j.Pruner.Cleanup(ctx, payload.OlderThan)
	if err != nil {
		return err
	}
	loggerFor(j.Logger, TaskIdempotencyPrune).Info("idempotency keys pruned", slog.Int64("deleted", n))
	return nil
}

func loggerFor(l *slog.Logger, job string) *slog.Logger {
	if l != nil {
		return l.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}
