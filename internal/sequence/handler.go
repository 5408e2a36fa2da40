package sequence

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loom/internal/platform/httpx"
)

// Handler exposes counter preview and administration.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers sequence routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/next-sequence/{counterKey}", h.peek)
	r.Post("/admin/sequences/{counterKey}/reset", h.reset)
}

type peekResponse struct {
	Key  string `json:"key"`
	Next int64  `json:"next"`
}

func (h *Handler) peek(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "counterKey")
	next, err := h.service.Peek(r.Context(), key)
	if err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, peekResponse{Key: key, Next: next})
}

type resetRequest struct {
	Value *int64 `json:"value" validate:"required,gte=0"`
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "counterKey")
	var req resetRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	if err := h.service.Reset(r.Context(), key, *req.Value); err != nil {
		httpx.Fail(h.logger, w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, Counter{Key: key, Value: *req.Value})
}
