package orders

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loom/internal/platform/httpx"
	"github.com/loomworks/loom/internal/shared"
)

// Handler manages order endpoints that do not cross into other documents.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/orders", h.list)
	r.Get("/orders/{id}", h.get)
	r.Patch("/orders/{id}/status", h.setStatus)
	r.Post("/orders/{id}/advance", h.advance)
	r.Put("/orders/{id}/products", h.updateLines)
	r.Delete("/orders/{id}", h.delete)
}

// LineRequest is the JSON shape of one ordered product.
type LineRequest struct {
	Name  string           `json:"name" validate:"required"`
	Sizes []SizeQtyRequest `json:"sizes" validate:"required,min=1,dive"`
}

// SizeQtyRequest is one size quantity.
type SizeQtyRequest struct {
	Size string `json:"size" validate:"required"`
	Qty  int64  `json:"qty" validate:"gt=0"`
}

// ToInputs converts request lines to service input.
func ToInputs(lines []LineRequest) []LineInput {
	out := make([]LineInput, len(lines))
	for i, l := range lines {
		sizes := make([]SizeQty, len(l.Sizes))
		for j, s := range l.Sizes {
			sizes[j] = SizeQty{Size: s.Size, Qty: s.Qty}
		}
		out[i] = LineInput{Name: l.Name, Sizes: sizes}
	}
	return out
}

type listResponse struct {
	Items      []Order           `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := ListFilters{
		Type:   Type(q.Get("type")),
		Status: Status(q.Get("status")),
		Limit:  httpx.QueryInt(r, "limit", 20),
		Offset: httpx.QueryInt(r, "offset", 0),
	}
	items, page, err := h.service.List(r.Context(), filters)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	if items == nil {
		items = []Order{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Items: items, Pagination: page})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	var req statusRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	order, err := h.service.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) advance(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	order, err := h.service.AdvanceStatus(r.Context(), id)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

type linesRequest struct {
	Products []LineRequest `json:"products" validate:"required,min=1,dive"`
}

func (h *Handler) updateLines(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	var req linesRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	order, err := h.service.UpdateLines(r.Context(), id, ToInputs(req.Products))
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
