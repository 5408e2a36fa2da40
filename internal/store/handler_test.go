package store

import (
	"encoding/json"
	"fmt"
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

func serve(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestStoreEndpointsLedgerFlow(t *testing.T) {
	f := newFixture()
	router := newTestRouter(f.svc)

	rec := serve(router, http.MethodPost, "/store-entries", `{"purchaseId":1,"storeEntryDate":"2026-04-02","entries":[{"name":"Cotton","invoiceQty":100,"storeInQty":100}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var entry Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))

	rec = serve(router, http.MethodPost, "/store-logs", fmt.Sprintf(`{"storeEntryId":%d,"takenBy":"ravi","items":[{"name":"Cotton","takenQty":30}]}`, entry.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var l Log
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &l))
	require.Equal(t, LogOut, l.SuggestedStatus)

	rec = serve(router, http.MethodPost, "/store-logs", fmt.Sprintf(`{"storeEntryId":%d,"items":[{"name":"Cotton","takenQty":80}]}`, entry.ID))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var problem struct {
		Item      string `json:"item"`
		Available int64  `json:"available"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "Cotton", problem.Item)
	require.Equal(t, int64(70), problem.Available)

	rec = serve(router, http.MethodGet, fmt.Sprintf("/store-logs/available-stock/%d", entry.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot struct {
		Items []ItemStock `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Equal(t, []ItemStock{{Item: "Cotton", InitialStock: 100, AvailableStock: 70}}, snapshot.Items)

	rec = serve(router, http.MethodGet, fmt.Sprintf("/store-logs/available-stock/%d?item=cotton&excludeLogId=%d", entry.ID, l.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"availableStock":100`)

	rec = serve(router, http.MethodGet, fmt.Sprintf("/store-logs?storeEntryId=%d", entry.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []Log `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 2)
	require.True(t, list.Items[0].Opening)

	rec = serve(router, http.MethodDelete, fmt.Sprintf("/store-logs/%d", l.ID), "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(router, http.MethodPatch, fmt.Sprintf("/store-entries/%d/complete", entry.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"storeId":"STR-0001"`)
}

func TestStoreEntryEndpointErrors(t *testing.T) {
	f := newFixture()
	router := newTestRouter(f.svc)

	rec := serve(router, http.MethodPost, "/store-entries", `{"purchaseId":2,"entries":[{"name":"Cotton","storeInQty":1}]}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(router, http.MethodPost, "/store-entries", `{"purchaseId":1,"storeEntryDate":"April","entries":[{"name":"Cotton","storeInQty":1}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), `"field":"storeEntryDate"`)

	rec = serve(router, http.MethodPost, "/store-entries", `{"purchaseId":1,"entries":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, http.MethodGet, "/store-entries/404", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(router, http.MethodGet, "/store-logs", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
