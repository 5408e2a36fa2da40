package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/orders"
	"github.com/loomworks/loom/internal/production"
	"github.com/loomworks/loom/internal/purchases"
	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
)

type fakeQueue struct {
	mu     sync.Mutex
	orders []int64
}

func (q *fakeQueue) EnqueueReconcile(_ context.Context, orderID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.orders = append(q.orders, orderID)
	return nil
}

type env struct {
	svc        *Service
	orders     *orders.Service
	purchases  *purchases.Service
	production *production.Service
	prodRepo   *production.MemoryRepository
	seq        *sequence.MemoryStore
	purSeq     *sequence.MemoryStore
	queue      *fakeQueue
}

func newEnv() env {
	store := sequence.NewMemoryStore()
	seq := sequence.NewService(store, nil, nil, nil)
	orderSvc := orders.NewService(orders.NewMemoryRepository(store), seq, nil, nil)
	// purchases number from their own store so a test can fail just that step
	purSeq := sequence.NewMemoryStore()
	purSvc := purchases.NewService(purchases.NewMemoryRepository(purSeq), sequence.NewService(purSeq, nil, nil, nil), nil, nil)
	prodRepo := production.NewMemoryRepository(store)
	prodSvc := production.NewService(prodRepo, seq, nil, nil, nil)
	queue := &fakeQueue{}
	svc := NewService(orderSvc, purSvc, prodSvc, Config{
		Idempotency: shared.NewMemoryIdempotency(),
		Enqueuer:    queue,
		OrphanGrace: time.Nanosecond,
	})
	return env{svc: svc, orders: orderSvc, purchases: purSvc, production: prodSvc, prodRepo: prodRepo, seq: store, purSeq: purSeq, queue: queue}
}

func poloOrder(t orders.Type) orders.CreateInput {
	return orders.CreateInput{
		Buyer:    "Acme Textiles",
		Type:     t,
		Products: []orders.LineInput{{Name: "Polo Shirt", Sizes: []orders.SizeQty{{Size: "S", Qty: 8}, {Size: "M", Qty: 5}}}},
	}
}

func (e env) completablePurchase(t *testing.T) orders.Order {
	t.Helper()
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, poloOrder(orders.TypeFOB), "")
	require.NoError(t, err)
	_, err = e.purchases.Save(ctx, *order.PurchaseID, purchases.SaveInput{Items: []purchases.ItemInput{
		{Category: purchases.CategoryFabric, Name: "Cotton", Vendor: "Mill", Qty: 100, UnitCost: decimal.RequireFromString("2.50")},
	}})
	require.NoError(t, err)
	return order
}

func TestCreateOrderCreatesPlaceholderPurchase(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	order, err := e.svc.CreateOrder(ctx, poloOrder(orders.TypeFOB), "")
	require.NoError(t, err)
	require.Equal(t, int64(13), order.TotalQty)
	require.NotNil(t, order.PurchaseID)

	p, err := e.purchases.Get(ctx, *order.PurchaseID)
	require.NoError(t, err)
	require.Equal(t, purchases.StatusPending, p.Status)
	require.Equal(t, order.ID, p.OrderID)
	require.Equal(t, order.Products, p.Products)

	stored, err := e.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, *stored.PurchaseID)
}

func TestCreateOrderReplaysIdempotencyKey(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	first, err := e.svc.CreateOrder(ctx, poloOrder(orders.TypeFOB), "req-1")
	require.NoError(t, err)
	second, err := e.svc.CreateOrder(ctx, poloOrder(orders.TypeFOB), "req-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.PurchaseID, second.PurchaseID)

	issued, _, err := e.seq.Current(ctx, sequence.KeyGlobalOrder)
	require.NoError(t, err)
	require.Equal(t, int64(1), issued)

	other, err := e.svc.CreateOrder(ctx, poloOrder(orders.TypeFOB), "req-2")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestCreateOrderFailureReleasesKey(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	bad := poloOrder(orders.TypeFOB)
	bad.Buyer = ""
	_, err := e.svc.CreateOrder(ctx, bad, "req-1")
	require.ErrorIs(t, err, shared.ErrValidation)

	order, err := e.svc.CreateOrder(ctx, poloOrder(orders.TypeFOB), "req-1")
	require.NoError(t, err)
	require.NotZero(t, order.ID)
}

type unbindableKeys struct {
	*shared.MemoryIdempotency
}

func (unbindableKeys) Resolve(context.Context, string, int64) error {
	return errors.New("idempotency store unavailable")
}

func TestUnboundKeyIsReleased(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	keys := unbindableKeys{shared.NewMemoryIdempotency()}
	svc := NewService(e.orders, e.purchases, e.production, Config{Idempotency: keys, OrphanGrace: time.Nanosecond})

	first, err := svc.CreateOrder(ctx, poloOrder(orders.TypeFOB), "req-1")
	require.NoError(t, err)
	require.NotNil(t, first.PurchaseID)

	// a key left in flight would answer this with ErrIdempotencyConflict
	retry, err := svc.CreateOrder(ctx, poloOrder(orders.TypeFOB), "req-1")
	require.NoError(t, err)
	require.NotZero(t, retry.ID)
}

func TestPlaceholderFailureIsReportedAndReconciled(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.purSeq.FailNext = errors.New("counter store unavailable")

	order, err := e.svc.CreateOrder(ctx, poloOrder(orders.TypeFOB), "")
	require.ErrorIs(t, err, orders.ErrPurchasePending)
	require.NotZero(t, order.ID)
	require.Nil(t, order.PurchaseID)
	require.Equal(t, []int64{order.ID}, e.queue.orders)

	time.Sleep(2 * time.Millisecond)
	orphans, err := e.svc.ListOrphans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	report, err := e.svc.ReconcileOrphans(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)
	require.Equal(t, []int64{order.ID}, report.Repaired)
	require.Empty(t, report.Failed)

	repaired, err := e.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, repaired.PurchaseID)

	report, err = e.svc.ReconcileOrphans(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, report.Checked)

	again, err := e.svc.ReconcileOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, repaired.PurchaseID, again.PurchaseID)
}

func TestConcurrentCompletionSpawnsOneProduction(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	order := e.completablePurchase(t)

	const n = 2
	results := make([]Completion, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := e.svc.CompletePurchase(ctx, *order.PurchaseID)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = c
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, e.prodRepo.Count(order.ID))
	require.Equal(t, results[0].Production.ID, results[1].Production.ID)
	require.Equal(t, purchases.StatusCompleted, results[0].Purchase.Status)

	stored, err := e.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, orders.StatusPurchaseCompleted, stored.Status)
	require.NotNil(t, stored.ProductionID)
	require.Equal(t, results[0].Production.ID, *stored.ProductionID)

	again, err := e.svc.CompletePurchase(ctx, *order.PurchaseID)
	require.NoError(t, err)
	require.False(t, again.ProductionCreated)
	require.Equal(t, 1, e.prodRepo.Count(order.ID))
}

func TestProductionStagesCarryOrder(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	order := e.completablePurchase(t)
	done, err := e.svc.CompletePurchase(ctx, *order.PurchaseID)
	require.NoError(t, err)

	want := map[production.Stage]orders.Status{
		production.StageFactoryReceived: orders.StatusFactoryReceived,
		production.StageCutting:         orders.StatusInProduction,
		production.StageStitching:       orders.StatusInProduction,
		production.StageFinishing:       orders.StatusInProduction,
		production.StagePacking:         orders.StatusInProduction,
		production.StageCompleted:       orders.StatusProductionComplete,
	}
	for range production.Stages[1:] {
		p, err := e.svc.AdvanceProduction(ctx, done.Production.ID)
		require.NoError(t, err)
		o, err := e.orders.Get(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, want[p.Status], o.Status, "stage %s", p.Status)
	}

	_, err = e.svc.AdvanceProduction(ctx, done.Production.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	p, err := e.svc.SetProductionStatus(ctx, done.Production.ID, string(production.StageCutting))
	require.NoError(t, err)
	require.Equal(t, production.StageCutting, p.Status)
	o, err := e.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, orders.StatusProductionComplete, o.Status)
}

func TestCreateProductionManual(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	fob, err := e.svc.CreateOrder(ctx, poloOrder(orders.TypeFOB), "")
	require.NoError(t, err)
	_, err = e.svc.CreateProduction(ctx, fob.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	job, err := e.svc.CreateOrder(ctx, poloOrder(orders.TypeJobWorks), "")
	require.NoError(t, err)
	p, err := e.svc.CreateProduction(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, production.StagePending, p.Status)

	o, err := e.orders.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, orders.StatusPendingProduction, o.Status)
	require.Equal(t, p.ID, *o.ProductionID)

	_, err = e.svc.CreateProduction(ctx, job.ID)
	require.ErrorIs(t, err, shared.ErrConflict)

	_, err = e.svc.CreateProduction(ctx, 999)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestOrderStatusFor(t *testing.T) {
	require.Equal(t, orders.StatusPendingProduction, OrderStatusFor(production.StagePending))
	require.Equal(t, orders.StatusFactoryReceived, OrderStatusFor(production.StageFactoryReceived))
	require.Equal(t, orders.StatusInProduction, OrderStatusFor(production.StageStitching))
	require.Equal(t, orders.StatusProductionComplete, OrderStatusFor(production.StageCompleted))
}
