package purchases

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/loomworks/loom/internal/platform/httpx"
)

// Handler manages purchase endpoints. Completion lives in the workflow handler
// because it spawns production.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers purchase routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/purchases/{id}", h.get)
	r.Put("/purchases/{id}", h.save)
	r.Get("/purchases/{id}/returns", h.listReturns)
	r.Post("/purchases/{id}/returns", h.createReturn)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

type itemRequest struct {
	Category Category        `json:"category" validate:"required,oneof=fabric trim machine"`
	Name     string          `json:"name" validate:"required"`
	Vendor   string          `json:"vendor"`
	Qty      int64           `json:"qty" validate:"gte=0"`
	UnitCost decimal.Decimal `json:"unitCost"`
}

type saveRequest struct {
	Items  []itemRequest `json:"items" validate:"dive"`
	Status Status        `json:"status" validate:"omitempty,oneof=Pending Partial"`
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	var req saveRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	items := make([]ItemInput, len(req.Items))
	for i, it := range req.Items {
		items[i] = ItemInput{Category: it.Category, Name: it.Name, Vendor: it.Vendor, Qty: it.Qty, UnitCost: it.UnitCost}
	}
	p, err := h.service.Save(r.Context(), id, SaveInput{Items: items, Status: req.Status})
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

type returnRequest struct {
	Items []struct {
		Name string `json:"name" validate:"required"`
		Qty  int64  `json:"qty" validate:"gt=0"`
	} `json:"items" validate:"required,min=1,dive"`
	Reason string `json:"reason"`
}

func (h *Handler) createReturn(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	var req returnRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	items := make([]ReturnItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = ReturnItem{Name: it.Name, Qty: it.Qty}
	}
	ret, err := h.service.CreateReturn(r.Context(), id, items, req.Reason)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ret)
}

func (h *Handler) listReturns(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	out, err := h.service.ListReturns(r.Context(), id)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	if out == nil {
		out = []Return{}
	}
	httpx.JSON(w, http.StatusOK, out)
}
