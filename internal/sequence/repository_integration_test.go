//go:build integration

package sequence

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/platform/pgtest"
)

func TestRepositoryIssuesUniqueValues(t *testing.T) {
	pool := pgtest.New(t)
	svc := NewService(NewRepository(pool), nil, nil, nil)
	ctx := context.Background()

	const n = 100
	values := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := svc.Next(ctx, KeyGlobalOrder)
			if err != nil {
				t.Error(err)
				return
			}
			values <- v
		}()
	}
	wg.Wait()
	close(values)

	seen := map[int64]bool{}
	for v := range values {
		require.False(t, seen[v], "duplicate %d", v)
		seen[v] = true
	}
	require.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		require.True(t, seen[i], "gap at %d", i)
	}

	peek, err := svc.Peek(ctx, KeyGlobalOrder)
	require.NoError(t, err)
	require.Equal(t, int64(n+1), peek)

	require.NoError(t, svc.Reset(ctx, KeyGlobalOrder, 0))
	v, err := svc.Next(ctx, KeyGlobalOrder)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}
