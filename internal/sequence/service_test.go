package sequence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/shared"
)

type countingRecorder struct {
	mu   sync.Mutex
	keys map[string]int
}

func (c *countingRecorder) SequenceIssued(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil {
		c.keys = map[string]int{}
	}
	c.keys[key]++
}

func TestFirstNextPeekNext(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil, nil)
	ctx := context.Background()

	v, err := svc.Next(ctx, KeyStoreEntry)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	p, err := svc.Peek(ctx, KeyStoreEntry)
	require.NoError(t, err)
	require.Equal(t, int64(2), p)

	v, err = svc.Next(ctx, KeyStoreEntry)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
}

func TestPeekDoesNotMutate(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil, nil)
	ctx := context.Background()

	p1, err := svc.Peek(ctx, "fresh")
	require.NoError(t, err)
	p2, err := svc.Peek(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, int64(1), p1)
	require.Equal(t, p1, p2)

	v, err := svc.Next(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, p1, v)
}

func TestNextIsUniqueUnderConcurrency(t *testing.T) {
	rec := &countingRecorder{}
	svc := NewService(NewMemoryStore(), rec, nil, nil)
	const n = 200
	values := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := svc.Next(context.Background(), KeyGlobalOrder)
			if err != nil {
				t.Error(err)
				return
			}
			values[i] = v
		}(i)
	}
	wg.Wait()

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, v := range values {
		require.Equal(t, int64(i+1), v)
	}
	require.Equal(t, n, rec.keys[KeyGlobalOrder])
}

func TestNextPropagatesStoreFailure(t *testing.T) {
	store := NewMemoryStore()
	store.FailNext = errors.New("connection reset")
	svc := NewService(store, nil, nil, nil)

	_, err := svc.Next(context.Background(), KeyPurchase)
	require.Error(t, err)

	// a retry issues a fresh number; the failed call issued nothing
	v, err := svc.Next(context.Background(), KeyPurchase)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestInvalidKeysRejected(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil, nil)
	for _, key := range []string{"", "1abc", "has space", "semi;colon"} {
		_, err := svc.Next(context.Background(), key)
		require.ErrorIs(t, err, shared.ErrValidation, key)
		_, err = svc.Peek(context.Background(), key)
		require.ErrorIs(t, err, shared.ErrValidation, key)
	}
	require.NoError(t, ValidateKey(OrderTypeKey("JOB-Works")))
	require.NoError(t, ValidateKey(InvoiceKey("25-26")))
}

func TestReset(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, svc.Reset(ctx, KeyProduction, 41))
	v, err := svc.Next(ctx, KeyProduction)
	require.NoError(t, err)
	require.Equal(t, int64(42), v)

	require.ErrorIs(t, svc.Reset(ctx, KeyProduction, -1), shared.ErrValidation)
}

func TestInBindsAnotherStore(t *testing.T) {
	outer := NewMemoryStore()
	inner := NewMemoryStore()
	svc := NewService(outer, nil, nil, nil)

	_, err := svc.In(inner).Next(context.Background(), KeyStoreLog)
	require.NoError(t, err)

	_, ok, _ := outer.Current(context.Background(), KeyStoreLog)
	require.False(t, ok)
	v, ok, _ := inner.Current(context.Background(), KeyStoreLog)
	require.True(t, ok)
	require.Equal(t, int64(1), v)
}

func TestJournalRollbackHandsNumbersBack(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, KeyStoreLog, 4))

	tx := NewJournal(store)
	for _, key := range []string{KeyStoreEntry, KeyStoreLog, KeyStoreLog} {
		_, err := tx.Increment(ctx, key)
		require.NoError(t, err)
	}
	cause := errors.New("insert failed")
	require.Same(t, cause, tx.Abort(ctx, cause))

	entry, _, _ := store.Current(ctx, KeyStoreEntry)
	require.Zero(t, entry)
	logs, _, _ := store.Current(ctx, KeyStoreLog)
	require.Equal(t, int64(4), logs)

	next, err := NewService(store, nil, nil, nil).Next(ctx, KeyStoreLog)
	require.NoError(t, err)
	require.Equal(t, int64(5), next)
}

func TestJournalLeavesCountersMovedElsewhere(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := NewJournal(store)
	_, err := tx.Increment(ctx, KeyProduction)
	require.NoError(t, err)
	_, err = store.Increment(ctx, KeyProduction)
	require.NoError(t, err)

	require.NoError(t, tx.Rollback(ctx))
	v, _, _ := store.Current(ctx, KeyProduction)
	require.Equal(t, int64(2), v)
}

func TestFormats(t *testing.T) {
	require.Equal(t, "OID-0004", FormatOrderID(4))
	require.Equal(t, "FOB-0003", FormatOrderSerial("FOB", 3))
	require.Equal(t, "PUR-12", FormatPurchase(12))
	require.Equal(t, "PRD-0001", FormatProduction(1))
	require.Equal(t, "STR-0010", FormatStoreEntry(10))
	require.Equal(t, "SLG-12345", FormatStoreLog(12345))
	require.Equal(t, "PO/25-26/0007", FormatInvoice("25-26", 7))
}

func TestFinancialYear(t *testing.T) {
	require.Equal(t, "25-26", FinancialYear(time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, "24-25", FinancialYear(time.Date(2025, time.March, 31, 23, 0, 0, 0, time.UTC)))
	require.Equal(t, "99-00", FinancialYear(time.Date(2099, time.December, 1, 0, 0, 0, 0, time.UTC)))
}
