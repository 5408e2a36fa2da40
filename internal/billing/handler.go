package billing

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/loomworks/loom/internal/platform/httpx"
)

// Handler serves billing documents.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/billing/estimates", h.createEstimate)
	r.Post("/billing/notes", h.createNote)
	r.Get("/billing/{id}", h.get)
	r.Post("/billing/{id}/convert", h.convert)
	r.Post("/billing/{id}/cancel", h.cancel)
	r.Get("/orders/{id}/billing", h.listByOrder)
}

type estimateRequest struct {
	OrderID int64           `json:"orderId" validate:"required,gt=0"`
	Amount  decimal.Decimal `json:"amount"`
	Note    string          `json:"note"`
}

type noteRequest struct {
	InvoiceID int64           `json:"invoiceId" validate:"required,gt=0"`
	Kind      string          `json:"kind" validate:"required,oneof=credit debit"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason" validate:"required"`
}

func (h *Handler) createEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	d, err := h.service.CreateEstimate(r.Context(), req.OrderID, req.Amount, req.Note)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) createNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	kind := KindCreditNote
	if req.Kind == "debit" {
		kind = KindDebitNote
	}
	d, err := h.service.CreateNote(r.Context(), NoteInput{InvoiceID: req.InvoiceID, Kind: kind, Amount: req.Amount, Reason: req.Reason})
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	d, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) convert(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	d, err := h.service.Convert(r.Context(), id)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	d, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) listByOrder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	docs, err := h.service.ListByOrder(r.Context(), id)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	if docs == nil {
		docs = []Document{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": docs})
}
