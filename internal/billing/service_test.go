package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/orders"
	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
)

type fixture struct {
	svc    *Service
	repo   *MemoryRepository
	orders *orders.Service
	order  orders.Order
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := sequence.NewMemoryStore()
	seq := sequence.NewService(store, nil, nil, nil)
	orderSvc := orders.NewService(orders.NewMemoryRepository(store), seq, nil, nil)
	order, err := orderSvc.Create(context.Background(), orders.CreateInput{
		Buyer:    "Acme Textiles",
		Type:     orders.TypeFOB,
		Products: []orders.LineInput{{Name: "Polo", Sizes: []orders.SizeQty{{Size: "M", Qty: 10}}}},
	})
	require.NoError(t, err)
	repo := NewMemoryRepository(store)
	svc := NewService(repo, orderSvc, seq, nil, nil)
	svc.now = func() time.Time { return time.Date(2026, time.May, 4, 10, 0, 0, 0, time.UTC) }
	return fixture{svc: svc, repo: repo, orders: orderSvc, order: order}
}

func (f fixture) invoice(t *testing.T, amount string) Document {
	t.Helper()
	ctx := context.Background()
	est, err := f.svc.CreateEstimate(ctx, f.order.ID, decimal.RequireFromString(amount), "")
	require.NoError(t, err)
	prf, err := f.svc.Convert(ctx, est.ID)
	require.NoError(t, err)
	inv, err := f.svc.Convert(ctx, prf.ID)
	require.NoError(t, err)
	return inv
}

func TestConversionChainNumbersAndLinksOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	est, err := f.svc.CreateEstimate(ctx, f.order.ID, decimal.RequireFromString("1250.50"), "first quote")
	require.NoError(t, err)
	require.Equal(t, "EST-0001", est.Number)
	require.Equal(t, StatusOpen, est.Status)

	prf, err := f.svc.Convert(ctx, est.ID)
	require.NoError(t, err)
	require.Equal(t, "PRF-0001", prf.Number)
	require.Equal(t, KindProforma, prf.Kind)
	require.Equal(t, est.ID, *prf.SourceID)
	require.True(t, prf.Amount.Equal(est.Amount))

	src, err := f.svc.Get(ctx, est.ID)
	require.NoError(t, err)
	require.Equal(t, StatusConverted, src.Status)
	_, err = f.svc.Convert(ctx, est.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	inv, err := f.svc.Convert(ctx, prf.ID)
	require.NoError(t, err)
	require.Equal(t, "PO/26-27/0001", inv.Number)

	order, err := f.orders.Get(ctx, f.order.ID)
	require.NoError(t, err)
	require.NotNil(t, order.InvoiceID)
	require.Equal(t, inv.ID, *order.InvoiceID)

	_, err = f.svc.Convert(ctx, inv.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	docs, err := f.svc.ListByOrder(ctx, f.order.ID)
	require.NoError(t, err)
	require.Len(t, docs, 3)
}

func TestSecondInvoiceForOrderConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invoice(t, "100")

	est, err := f.svc.CreateEstimate(ctx, f.order.ID, decimal.NewFromInt(50), "")
	require.NoError(t, err)
	prf, err := f.svc.Convert(ctx, est.ID)
	require.NoError(t, err)
	_, err = f.svc.Convert(ctx, prf.ID)
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestCreateEstimateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateEstimate(ctx, f.order.ID, decimal.Zero, "")
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.CreateEstimate(ctx, f.order.ID, decimal.RequireFromString("10.005"), "")
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.CreateEstimate(ctx, 999, decimal.NewFromInt(1), "")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestNotesAgainstInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invoice(t, "100")

	cn, err := f.svc.CreateNote(ctx, NoteInput{InvoiceID: inv.ID, Kind: KindCreditNote, Amount: decimal.NewFromInt(60), Reason: "damaged"})
	require.NoError(t, err)
	require.Equal(t, "CN-0001", cn.Number)
	require.Equal(t, inv.ID, *cn.SourceID)

	_, err = f.svc.CreateNote(ctx, NoteInput{InvoiceID: inv.ID, Kind: KindCreditNote, Amount: decimal.NewFromInt(41), Reason: "short"})
	require.ErrorIs(t, err, shared.ErrValidation)

	dn, err := f.svc.CreateNote(ctx, NoteInput{InvoiceID: inv.ID, Kind: KindDebitNote, Amount: decimal.NewFromInt(500), Reason: "freight"})
	require.NoError(t, err)
	require.Equal(t, "DN-0001", dn.Number)

	_, err = f.svc.Cancel(ctx, cn.ID)
	require.NoError(t, err)
	_, err = f.svc.CreateNote(ctx, NoteInput{InvoiceID: inv.ID, Kind: KindCreditNote, Amount: decimal.NewFromInt(100), Reason: "full refund"})
	require.NoError(t, err)

	_, err = f.svc.CreateNote(ctx, NoteInput{InvoiceID: *inv.SourceID, Kind: KindDebitNote, Amount: decimal.NewFromInt(1), Reason: "x"})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.CreateNote(ctx, NoteInput{InvoiceID: inv.ID, Kind: KindDebitNote, Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCancelRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invoice(t, "100")
	_, err := f.svc.Cancel(ctx, inv.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	est, err := f.svc.CreateEstimate(ctx, f.order.ID, decimal.NewFromInt(5), "")
	require.NoError(t, err)
	cancelled, err := f.svc.Cancel(ctx, est.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	_, err = f.svc.Convert(ctx, est.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

type failingLinker struct {
	OrderPort
	err error
}

func (f failingLinker) LinkInvoice(context.Context, int64, int64) error { return f.err }

func TestInvoiceLinkFailureCancelsInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	est, err := f.svc.CreateEstimate(ctx, f.order.ID, decimal.NewFromInt(100), "")
	require.NoError(t, err)
	prf, err := f.svc.Convert(ctx, est.ID)
	require.NoError(t, err)

	linkErr := errors.New("orders unavailable")
	f.svc.orders = failingLinker{OrderPort: f.orders, err: linkErr}
	_, err = f.svc.Convert(ctx, prf.ID)
	require.ErrorIs(t, err, linkErr)

	reopened, err := f.svc.Get(ctx, prf.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, reopened.Status)

	f.svc.orders = f.orders
	inv, err := f.svc.Convert(ctx, prf.ID)
	require.NoError(t, err)
	require.Equal(t, "PO/26-27/0002", inv.Number)
}
