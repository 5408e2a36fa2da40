package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

// reconcileDelay gives a transient outage a moment to clear before the retry.
const reconcileDelay = 5 * time.Second

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// Enqueue submits a prepared task.
func (c *Client) Enqueue(ctx context.Context, task *asynq.Task) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(ctx, task)
}

// EnqueueReconcile queues a purchase retry for the order. A retry already
// waiting for the same order counts as success.
func (c *Client) EnqueueReconcile(ctx context.Context, orderID int64) error {
	task, err := NewReconcilePurchaseTask(orderID)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.ProcessIn(reconcileDelay))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
