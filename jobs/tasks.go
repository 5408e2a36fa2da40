package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcilePurchase retries the placeholder purchase of one order.
	TaskReconcilePurchase = "orders:reconcile-purchase"
	// TaskReconcileOrphans sweeps every order still missing its purchase.
	TaskReconcileOrphans = "orders:reconcile-orphans"
	// TaskIdempotencyPrune drops expired idempotency keys.
	TaskIdempotencyPrune = "idempotency:prune"
)

// ReconcilePurchasePayload names the order to repair.
type ReconcilePurchasePayload struct {
	OrderID int64 `json:"orderId"`
}

// ReconcileOrphansPayload bounds one sweep.
type ReconcileOrphansPayload struct {
	Limit int `json:"limit"`
}

// IdempotencyPrunePayload carries the retention window.
type IdempotencyPrunePayload struct {
	OlderThan time.Duration `json:"olderThan"`
}

// ReconcileTaskID is stable per order so a burst of failures queues one retry.
func ReconcileTaskID(orderID int64) string {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("RECONCILE:%d", orderID))).String()
}

// NewReconcilePurchaseTask builds the per-order retry task.
func NewReconcilePurchaseTask(orderID int64) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcilePurchasePayload{OrderID: orderID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcilePurchase, body,
		asynq.Queue(QueueDefault),
		asynq.TaskID(ReconcileTaskID(orderID)),
		asynq.MaxRetry(10),
	), nil
}

// NewReconcileOrphansTask builds a sweep task.
func NewReconcileOrphansTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcileOrphansPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileOrphans, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// NewIdempotencyPruneTask builds a key retention task.
func NewIdempotencyPruneTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyPrunePayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyPrune, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
