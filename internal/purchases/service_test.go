package purchases

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/orders"
	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
)

func newTestService() (*Service, *MemoryRepository) {
	store := sequence.NewMemoryStore()
	repo := NewMemoryRepository(store)
	return NewService(repo, sequence.NewService(store, nil, nil, nil), nil, nil), repo
}

var shirts = []orders.Line{{ProductID: 1, Name: "Polo Shirt", Sizes: []orders.SizeQty{{Size: "S", Qty: 8}, {Size: "M", Qty: 5}}}}

func TestCreatePlaceholderIsIdempotentPerOrder(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	first, err := svc.CreatePlaceholder(ctx, 10, shirts)
	require.NoError(t, err)
	require.Equal(t, "PUR-1", first.Number)
	require.Equal(t, StatusPending, first.Status)
	require.Equal(t, shirts, first.Products)
	require.True(t, first.GrandTotalCost.IsZero())

	again, err := svc.CreatePlaceholder(ctx, 10, shirts)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	other, err := svc.CreatePlaceholder(ctx, 11, shirts)
	require.NoError(t, err)
	require.Equal(t, "PUR-2", other.Number)
}

func TestConcurrentPlaceholdersYieldOnePurchase(t *testing.T) {
	svc, _ := newTestService()
	var wg sync.WaitGroup
	ids := make([]int64, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := svc.CreatePlaceholder(context.Background(), 5, shirts)
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = p.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func fabric(name string, qty int64, unit string) ItemInput {
	return ItemInput{Category: CategoryFabric, Name: name, Vendor: "Mill", Qty: qty, UnitCost: decimal.RequireFromString(unit)}
}

func TestSaveComputesTotals(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	p, err := svc.CreatePlaceholder(ctx, 1, shirts)
	require.NoError(t, err)

	saved, err := svc.Save(ctx, p.ID, SaveInput{Items: []ItemInput{fabric("Cotton", 100, "2.35"), {Category: CategoryTrim, Name: "Buttons", Qty: 3, UnitCost: decimal.RequireFromString("0.10")}}, Status: StatusPartial})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, saved.Status)
	require.Equal(t, "235", saved.Items[0].Cost.String())
	require.Equal(t, "235.3", saved.GrandTotalCost.String())

	_, err = svc.Save(ctx, p.ID, SaveInput{Status: StatusCompleted})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.Save(ctx, p.ID, SaveInput{Items: []ItemInput{{Category: "paint", Name: "x"}}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.Save(ctx, p.ID, SaveInput{Items: []ItemInput{fabric("Cotton", 1, "-1")}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCompleteRequiresPositiveItemsAndIsIdempotent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	p, err := svc.CreatePlaceholder(ctx, 1, shirts)
	require.NoError(t, err)

	_, _, err = svc.Complete(ctx, p.ID)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Save(ctx, p.ID, SaveInput{Items: []ItemInput{fabric("Cotton", 0, "1")}})
	require.NoError(t, err)
	_, _, err = svc.Complete(ctx, p.ID)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Save(ctx, p.ID, SaveInput{Items: []ItemInput{fabric("Cotton", 10, "1.5")}})
	require.NoError(t, err)
	done, changed, err := svc.Complete(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, "15", done.GrandTotalCost.String())

	again, changed, err := svc.Complete(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, done.CompletedAt, again.CompletedAt)

	ok, err := svc.IsCompleted(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.Save(ctx, p.ID, SaveInput{Items: []ItemInput{fabric("Cotton", 1, "1")}})
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestCreateReturnBoundedByPurchasedQty(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	p, err := svc.CreatePlaceholder(ctx, 1, shirts)
	require.NoError(t, err)
	_, err = svc.Save(ctx, p.ID, SaveInput{Items: []ItemInput{fabric("Cotton", 10, "1")}})
	require.NoError(t, err)

	_, err = svc.CreateReturn(ctx, p.ID, []ReturnItem{{Name: "Cotton", Qty: 1}}, "")
	require.ErrorIs(t, err, shared.ErrInvalidState)

	_, _, err = svc.Complete(ctx, p.ID)
	require.NoError(t, err)

	ret, err := svc.CreateReturn(ctx, p.ID, []ReturnItem{{Name: "cotton", Qty: 6}}, "torn")
	require.NoError(t, err)
	require.Equal(t, "PURT-0001", ret.Number)
	require.Equal(t, "Cotton", ret.Items[0].Name)

	_, err = svc.CreateReturn(ctx, p.ID, []ReturnItem{{Name: "Cotton", Qty: 5}}, "")
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.CreateReturn(ctx, p.ID, []ReturnItem{{Name: "Silk", Qty: 1}}, "")
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateReturn(ctx, p.ID, []ReturnItem{{Name: "Cotton", Qty: 4}}, "")
	require.NoError(t, err)
	list, err := svc.ListReturns(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
}
