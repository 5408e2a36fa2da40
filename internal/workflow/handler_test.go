package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/orders"
)

const orderBody = `{"buyer":"Acme Textiles","orderType":"FOB","products":[{"name":"Polo Shirt","sizes":[{"size":"S","qty":8},{"size":"M","qty":5}]}]}`

func newTestRouter(svc *Service) http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, svc).MountRoutes(r)
	return r
}

func postOrder(router http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(orderBody))
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateOrderEndpoint(t *testing.T) {
	e := newEnv()
	router := newTestRouter(e.svc)

	rec := postOrder(router, "abc")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first orders.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Equal(t, int64(13), first.TotalQty)
	require.NotNil(t, first.PurchaseID)

	rec = postOrder(router, "abc")
	require.Equal(t, http.StatusCreated, rec.Code)
	var replay orders.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replay))
	require.Equal(t, first.ID, replay.ID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"buyer":"x","orderType":"CIF","products":[]}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateOrderEndpointPurchasePending(t *testing.T) {
	e := newEnv()
	e.purSeq.FailNext = errors.New("boom")
	router := newTestRouter(e.svc)

	rec := postOrder(router, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body pendingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotZero(t, body.Order.ID)
	require.Nil(t, body.Order.PurchaseID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders/reconcile", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), fmt.Sprintf(`"repaired":[%d]`, body.Order.ID))
}

func TestCompletePurchaseEndpoint(t *testing.T) {
	e := newEnv()
	order := e.completablePurchase(t)
	router := newTestRouter(e.svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, fmt.Sprintf("/purchases/%d/complete", *order.PurchaseID), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var c Completion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	require.True(t, c.ProductionCreated)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/productions/%d/advance", c.Production.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"Factory Received"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, fmt.Sprintf("/productions/%d/status", c.Production.ID), strings.NewReader(`{"status":"Sewing"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
