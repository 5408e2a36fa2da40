package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/orders"
	"github.com/loomworks/loom/internal/shared"
)

func memoryConfig() *Config {
	return &Config{
		StorageBackend:  BackendMemory,
		LockBackend:     "local",
		RateLimitPerMin: 1000,
	}
}

func newTestContainer(t *testing.T) *Container {
	t.Helper()
	c, err := Build(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHealthz(t *testing.T) {
	router := newTestContainer(t).Router()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestHealthzReportsFailingDependency(t *testing.T) {
	router := NewRouter(RouterParams{
		Config: memoryConfig(),
		Health: []HealthCheck{{Name: "postgres", Check: func(context.Context) error { return errors.New("down") }}},
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), `"postgres":"down"`)
}

func TestMemoryBackendServesOrderLifecycle(t *testing.T) {
	c := newTestContainer(t)
	router := c.Router()

	body := `{"buyer":"Acme","orderType":"FOB","products":[{"name":"Tee","sizes":[{"size":"L","qty":4}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	req.Header.Set(ActorHeader, "clerk-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	audit, ok := c.Audit.(*shared.MemoryAudit)
	require.True(t, ok)
	created := audit.Entries("order")
	require.NotEmpty(t, created)
	require.Equal(t, "ORDER_CREATE", created[0].Action)
	require.Equal(t, "clerk-7", created[0].Actor)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"orderId":"OID-0001"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/next-sequence/globalOrderSeq", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "loom_http_requests_total")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMemoryCascadeOnOrderDelete(t *testing.T) {
	c := newTestContainer(t)
	ctx := context.Background()
	order, err := c.Workflow.CreateOrder(ctx, orders.CreateInput{
		Buyer:    "Acme",
		Type:     orders.TypeFOB,
		Products: []orders.LineInput{{Name: "Tee", Sizes: []orders.SizeQty{{Size: "L", Qty: 4}}}},
	}, "")
	require.NoError(t, err)

	require.NoError(t, c.Orders.Delete(ctx, order.ID))
	_, err = c.Purchases.Get(ctx, *order.PurchaseID)
	require.Error(t, err)
}

func TestUnknownRouteIsProblem(t *testing.T) {
	router := newTestContainer(t).Router()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestConfigValidate(t *testing.T) {
	cfg := memoryConfig()
	require.NoError(t, cfg.Validate())

	cfg.StorageBackend = "sqlite"
	require.Error(t, cfg.Validate())

	cfg = memoryConfig()
	cfg.LockBackend = "zookeeper"
	require.Error(t, cfg.Validate())
}
