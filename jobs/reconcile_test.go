package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/loomworks/loom/internal/jobs"
	"github.com/loomworks/loom/internal/orders"
	"github.com/loomworks/loom/internal/shared"
	"github.com/loomworks/loom/internal/workflow"
)

type fakeReconciler struct {
	calls  []int64
	err    error
	report workflow.ReconcileReport
	limit  int
}

func (f *fakeReconciler) ReconcileOrder(_ context.Context, orderID int64) (orders.Order, error) {
	f.calls = append(f.calls, orderID)
	if f.err != nil {
		return orders.Order{}, f.err
	}
	return orders.Order{ID: orderID, OrderID: "OID-0001"}, nil
}

func (f *fakeReconciler) ReconcileOrphans(_ context.Context, limit int) (workflow.ReconcileReport, error) {
	f.limit = limit
	return f.report, f.err
}

func newJob(r Reconciler) *ReconcileJob {
	return NewReconcileJob(r, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
}

func TestHandlePurchaseReconcilesOrder(t *testing.T) {
	r := &fakeReconciler{}
	task, err := NewReconcilePurchaseTask(7)
	require.NoError(t, err)

	require.NoError(t, newJob(r).HandlePurchase(context.Background(), task))
	require.Equal(t, []int64{7}, r.calls)
}

func TestHandlePurchaseSkipsMissingOrder(t *testing.T) {
	r := &fakeReconciler{err: fmt.Errorf("%w: order 7", shared.ErrNotFound)}
	task, err := NewReconcilePurchaseTask(7)
	require.NoError(t, err)

	err = newJob(r).HandlePurchase(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandlePurchaseRetriesTransientFailure(t *testing.T) {
	r := &fakeReconciler{err: errors.New("db down")}
	task, err := NewReconcilePurchaseTask(7)
	require.NoError(t, err)

	err = newJob(r).HandlePurchase(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestHandlePurchaseRejectsBadPayload(t *testing.T) {
	err := newJob(&fakeReconciler{}).HandlePurchase(context.Background(), asynq.NewTask(TaskReconcilePurchase, []byte(`{"orderId":0}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleOrphansClampsLimit(t *testing.T) {
	r := &fakeReconciler{report: workflow.ReconcileReport{Checked: 2, Repaired: []int64{1}, Failed: []int64{2}}}
	task, err := NewReconcileOrphansTask(0)
	require.NoError(t, err)

	require.NoError(t, newJob(r).HandleOrphans(context.Background(), task))
	require.Positive(t, r.limit)
}

type fakePruner struct{ olderThan time.Duration }

func (f *fakePruner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	f.olderThan = olderThan
	return 3, nil
}

func TestPruneJob(t *testing.T) {
	p := &fakePruner{}
	task, err := NewIdempotencyPruneTask(48 * time.Hour)
	require.NoError(t, err)

	job := &PruneJob{Pruner: p, Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry())}
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 48*time.Hour, p.olderThan)

	err = job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyPrune, []byte(`{}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestReconcileTaskIDIsStable(t *testing.T) {
	require.Equal(t, ReconcileTaskID(42), ReconcileTaskID(42))
	require.NotEqual(t, ReconcileTaskID(42), ReconcileTaskID(43))
}

func TestEnqueueReconcileDeduplicates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	require.NoError(t, client.EnqueueReconcile(ctx, 42))
	require.NoError(t, client.EnqueueReconcile(ctx, 42))
	require.True(t, mr.Exists("asynq:{default}:t:"+ReconcileTaskID(42)))
}

func TestHealthWithoutInspector(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(nil, nil).health(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":0,"retry":0,"failed":0}`, rec.Body.String())
}
