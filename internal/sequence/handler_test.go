package sequence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(svc *Service) http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, svc).MountRoutes(r)
	return r
}

func TestPeekEndpoint(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil, nil)
	router := newTestRouter(svc)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/next-sequence/storeEntrySeq", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var body peekResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, int64(1), body.Next)
	}
}

func TestPeekEndpointRejectsBadKey(t *testing.T) {
	router := newTestRouter(NewService(NewMemoryStore(), nil, nil, nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/next-sequence/9lives", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), `"field":"counterKey"`)
}

func TestResetEndpoint(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil, nil)
	router := newTestRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/sequences/purchaseSeq/reset", strings.NewReader(`{"value":11}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	v, err := svc.Next(context.Background(), KeyPurchase)
	require.NoError(t, err)
	require.Equal(t, int64(12), v)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/sequences/purchaseSeq/reset", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
