package workflow

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loom/internal/orders"
	"github.com/loomworks/loom/internal/platform/httpx"
	"github.com/loomworks/loom/internal/shared"
)

// IdempotencyHeader carries the client's retry key on POST /orders.
const IdempotencyHeader = "Idempotency-Key"

// Handler serves the endpoints that move more than one document.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers workflow routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/orphans", h.listOrphans)
	r.Post("/orders/reconcile", h.reconcile)
	r.Patch("/purchases/{id}/complete", h.completePurchase)
	r.Post("/productions", h.createProduction)
	r.Patch("/productions/{id}/status", h.setProductionStatus)
	r.Post("/productions/{id}/advance", h.advanceProduction)
}

type createOrderRequest struct {
	Buyer     string               `json:"buyer" validate:"required"`
	OrderType string               `json:"orderType" validate:"required,oneof=FOB JOB-Works Own-Orders"`
	Products  []orders.LineRequest `json:"products" validate:"required,min=1,dive"`
}

type pendingResponse struct {
	Order   orders.Order `json:"order"`
	Warning string       `json:"warning"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	order, err := h.service.CreateOrder(r.Context(), orders.CreateInput{
		Buyer:    req.Buyer,
		Type:     orders.Type(req.OrderType),
		Products: orders.ToInputs(req.Products),
	}, key)
	if errors.Is(err, orders.ErrPurchasePending) {
		httpx.JSON(w, http.StatusAccepted, pendingResponse{Order: order, Warning: "order saved; purchase will be created by reconciliation"})
		return
	}
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) listOrphans(w http.ResponseWriter, r *http.Request) {
	limit, _ := shared.ClampPage(httpx.QueryInt(r, "limit", 100), 0)
	items, err := h.service.ListOrphans(r.Context(), limit)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	if items == nil {
		items = []orders.Order{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	limit, _ := shared.ClampPage(httpx.QueryInt(r, "limit", 100), 0)
	report, err := h.service.ReconcileOrphans(r.Context(), limit)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) completePurchase(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	result, err := h.service.CompletePurchase(r.Context(), id)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type createProductionRequest struct {
	OrderID int64 `json:"orderId" validate:"required,gt=0"`
}

func (h *Handler) createProduction(w http.ResponseWriter, r *http.Request) {
	var req createProductionRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	p, err := h.service.CreateProduction(r.Context(), req.OrderID)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (h *Handler) setProductionStatus(w http.ResponseWriter, r *http.Request) {
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
	p, err := h.service.SetProductionStatus(r.Context(), id, req.Status)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) advanceProduction(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	p, err := h.service.AdvanceProduction(r.Context(), id)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}
