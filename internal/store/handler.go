package store

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loom/internal/platform/httpx"
	"github.com/loomworks/loom/internal/shared"
)

// Handler serves store entries and store logs.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers store routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/store-entries", func(r chi.Router) {
		r.Post("/", h.createEntry)
		r.Get("/{id}", h.getEntry)
		r.Patch("/{id}/complete", h.completeEntry)
		r.Put("/{id}/items", h.updateEntryItems)
	})
	r.Route("/store-logs", func(r chi.Router) {
		r.Get("/", h.listLogs)
		r.Post("/", h.createLog)
		r.Get("/available-stock/{entryID}", h.availableStock)
		r.Get("/{id}", h.getLog)
		r.Put("/{id}", h.updateLog)
		r.Delete("/{id}", h.deleteLog)
	})
}

type entryItemRequest struct {
	Name       string `json:"name" validate:"required"`
	InvoiceQty int64  `json:"invoiceQty" validate:"gte=0"`
	StoreInQty int64  `json:"storeInQty" validate:"gte=0"`
}

type createEntryRequest struct {
	PurchaseID int64              `json:"purchaseId" validate:"required,gt=0"`
	EntryDate  string             `json:"storeEntryDate"`
	Status     string             `json:"status" validate:"omitempty,oneof=Draft Completed"`
	Entries    []entryItemRequest `json:"entries" validate:"required,min=1,dive"`
}

type entryItemsRequest struct {
	Entries []entryItemRequest `json:"entries" validate:"required,min=1,dive"`
}

func entryInputs(reqs []entryItemRequest) []EntryItemInput {
	out := make([]EntryItemInput, len(reqs))
	for i, it := range reqs {
		out[i] = EntryItemInput{Name: it.Name, InvoiceQty: it.InvoiceQty, StoreInQty: it.StoreInQty}
	}
	return out
}

// parseDate accepts a calendar date or an RFC3339 timestamp; empty means today.
func parseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, shared.Invalid(field, "expected YYYY-MM-DD, got %q", raw)
	}
	return t, nil
}

func (h *Handler) createEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	date, err := parseDate("storeEntryDate", req.EntryDate)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	entry, err := h.service.CreateEntry(r.Context(), CreateEntryInput{
		PurchaseID: req.PurchaseID,
		EntryDate:  date,
		Items:      entryInputs(req.Entries),
		Status:     EntryStatus(req.Status),
	})
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	entry, err := h.service.GetEntry(r.Context(), id)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) completeEntry(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	entry, err := h.service.CompleteEntry(r.Context(), id)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) updateEntryItems(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	var req entryItemsRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	entry, err := h.service.UpdateEntryItems(r.Context(), id, entryInputs(req.Entries))
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

type logItemRequest struct {
	Name        string `json:"name" validate:"required"`
	TakenQty    int64  `json:"takenQty" validate:"gte=0"`
	ReturnedQty int64  `json:"returnedQty" validate:"gte=0"`
}

type logRequest struct {
	EntryID int64            `json:"storeEntryId"`
	LogDate string           `json:"logDate"`
	TakenBy string           `json:"takenBy"`
	Status  string           `json:"status"`
	Items   []logItemRequest `json:"items" validate:"required,min=1,dive"`
}

func (h *Handler) decodeLog(r *http.Request) (LogInput, error) {
	var req logRequest
	if err := httpx.Bind(r, &req); err != nil {
		return LogInput{}, err
	}
	date, err := parseDate("logDate", req.LogDate)
	if err != nil {
		return LogInput{}, err
	}
	items := make([]LogItemInput, len(req.Items))
	for i, it := range req.Items {
		items[i] = LogItemInput{Name: it.Name, TakenQty: it.TakenQty, ReturnedQty: it.ReturnedQty}
	}
	return LogInput{EntryID: req.EntryID, LogDate: date, TakenBy: req.TakenBy, Items: items, Status: req.Status}, nil
}

func (h *Handler) createLog(w http.ResponseWriter, r *http.Request) {
	input, err := h.decodeLog(r)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	l, err := h.service.CreateLog(r.Context(), input)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, l)
}

func (h *Handler) updateLog(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	input, err := h.decodeLog(r)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	l, err := h.service.UpdateLog(r.Context(), id, input)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, l)
}

func (h *Handler) deleteLog(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	if err := h.service.DeleteLog(r.Context(), id); err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	l, err := h.service.GetLog(r.Context(), id)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, l)
}

func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	entryID, err := strconv.ParseInt(r.URL.Query().Get("storeEntryId"), 10, 64)
	if err != nil || entryID <= 0 {
		httpx.Fail(h.logger, w, r, shared.Invalid("storeEntryId", "required"))
		return
	}
	logs, err := h.service.ListLogs(r.Context(), entryID)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	if logs == nil {
		logs = []Log{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": logs})
}

// availableStock returns the snapshot of every item, or a single item when
// ?item= is given. ?excludeLogId= previews an edit of that log.
func (h *Handler) availableStock(w http.ResponseWriter, r *http.Request) {
	entryID, err := httpx.IDParam(r, "entryID")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	if item := r.URL.Query().Get("item"); item != "" {
		exclude := int64(httpx.QueryInt(r, "excludeLogId", 0))
		available, err := h.service.AvailableStock(r.Context(), entryID, item, exclude)
		if err != nil {
			httpx.Fail(h.logger, w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"item": item, "availableStock": available})
		return
	}
	stock, err := h.service.Snapshot(r.Context(), entryID)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"storeEntryId": entryID, "items": stock})
}
