//go:build integration

package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/billing"
	"github.com/loomworks/loom/internal/orders"
	"github.com/loomworks/loom/internal/platform/pgtest"
	"github.com/loomworks/loom/internal/production"
	"github.com/loomworks/loom/internal/purchases"
	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
	"github.com/loomworks/loom/internal/store"
)

type pgEnv struct {
	svc       *Service
	orders    *orders.Service
	purchases *purchases.Service
	store     *store.Service
	billing   *billing.Service
	prod      *production.Repository
}

func newPGEnv(t *testing.T) pgEnv {
	pool := pgtest.New(t)
	seq := sequence.NewService(sequence.NewRepository(pool), nil, nil, nil)
	orderSvc := orders.NewService(orders.NewRepository(pool), seq, nil, nil)
	purSvc := purchases.NewService(purchases.NewRepository(pool), seq, nil, nil)
	prodRepo := production.NewRepository(pool)
	prodSvc := production.NewService(prodRepo, seq, nil, nil, nil)
	return pgEnv{
		svc: NewService(orderSvc, purSvc, prodSvc, Config{
			Idempotency: shared.NewIdempotencyStore(pool),
		}),
		orders:    orderSvc,
		purchases: purSvc,
		store:     store.NewService(store.NewRepository(pool), purSvc, seq, store.Config{}),
		billing:   billing.NewService(billing.NewRepository(pool), orderSvc, seq, nil, nil),
		prod:      prodRepo,
	}
}

func (e pgEnv) completedPurchase(t *testing.T) (orders.Order, Completion) {
	t.Helper()
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, poloOrder(orders.TypeFOB), "")
	require.NoError(t, err)
	_, err = e.purchases.Save(ctx, *order.PurchaseID, purchases.SaveInput{Items: []purchases.ItemInput{
		{Category: purchases.CategoryFabric, Name: "Cotton", Vendor: "Mill", Qty: 100, UnitCost: decimal.RequireFromString("2.50")},
	}})
	require.NoError(t, err)
	done, err := e.svc.CompletePurchase(ctx, *order.PurchaseID)
	require.NoError(t, err)
	return order, done
}

func TestPostgresOrderCreationAndReplay(t *testing.T) {
	e := newPGEnv(t)
	ctx := context.Background()

	first, err := e.svc.CreateOrder(ctx, poloOrder(orders.TypeFOB), "it-key")
	require.NoError(t, err)
	require.Equal(t, "OID-0001", first.OrderID)
	require.Equal(t, int64(13), first.TotalQty)
	require.NotNil(t, first.PurchaseID)

	again, err := e.svc.CreateOrder(ctx, poloOrder(orders.TypeFOB), "it-key")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	p, err := e.purchases.Get(ctx, *first.PurchaseID)
	require.NoError(t, err)
	require.Equal(t, purchases.StatusPending, p.Status)
	require.Equal(t, "PUR-1", p.Number)
}

func TestPostgresConcurrentCompletionSpawnsOneProduction(t *testing.T) {
	e := newPGEnv(t)
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, poloOrder(orders.TypeFOB), "")
	require.NoError(t, err)
	_, err = e.purchases.Save(ctx, *order.PurchaseID, purchases.SaveInput{Items: []purchases.ItemInput{
		{Category: purchases.CategoryTrim, Name: "Buttons", Qty: 500, UnitCost: decimal.RequireFromString("0.05")},
	}})
	require.NoError(t, err)

	const n = 10
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := e.svc.CompletePurchase(ctx, *order.PurchaseID)
			if err != nil {
				t.Error(err)
				return
			}
			ids <- c.Production.ID
		}()
	}
	wg.Wait()
	close(ids)

	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		require.Equal(t, first, id)
	}
	p, err := e.prod.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, first, p.ID)
	require.Equal(t, "PRD-0001", p.Number)
}

func TestPostgresLedgerUnderConcurrency(t *testing.T) {
	e := newPGEnv(t)
	ctx := context.Background()
	order, _ := e.completedPurchase(t)

	entry, err := e.store.CreateEntry(ctx, store.CreateEntryInput{
		PurchaseID: *order.PurchaseID,
		Items:      []store.EntryItemInput{{Name: "Cotton", InvoiceQty: 100, StoreInQty: 100}},
	})
	require.NoError(t, err)

	const writers = 50
	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.store.CreateLog(ctx, store.LogInput{
				EntryID: entry.ID,
				TakenBy: "cutter",
				Items:   []store.LogItemInput{{Name: "Cotton", TakenQty: 3}},
			})
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, shared.ErrInsufficientStock):
			default:
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(33), accepted.Load())
	avail, err := e.store.AvailableStock(ctx, entry.ID, "Cotton", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), avail)

	logs, err := e.store.ListLogs(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, logs, 34)

	done, err := e.store.CompleteEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, "STR-0001", *done.StoreID)
}

func TestPostgresBillingChain(t *testing.T) {
	e := newPGEnv(t)
	ctx := context.Background()
	order, err := e.svc.CreateOrder(ctx, poloOrder(orders.TypeOwnOrders), "")
	require.NoError(t, err)

	est, err := e.billing.CreateEstimate(ctx, order.ID, decimal.RequireFromString("1200.00"), "")
	require.NoError(t, err)
	require.Equal(t, "EST-0001", est.Number)

	prf, err := e.billing.Convert(ctx, est.ID)
	require.NoError(t, err)
	require.Equal(t, "PRF-0001", prf.Number)

	inv, err := e.billing.Convert(ctx, prf.ID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(inv.Number, "PO/"))

	_, err = e.billing.Convert(ctx, prf.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	linked, err := e.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, inv.ID, *linked.InvoiceID)

	cn, err := e.billing.CreateNote(ctx, billing.NoteInput{InvoiceID: inv.ID, Kind: billing.KindCreditNote, Amount: decimal.RequireFromString("200"), Reason: "damaged"})
	require.NoError(t, err)
	require.Equal(t, "CN-0001", cn.Number)

	docs, err := e.billing.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, docs, 4)
}
