// Package httpx provides HTTP response utilities.
package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loomworks/loom/internal/shared"
)

// StockShortage is implemented by errors that carry the offending item and what is left.
type StockShortage interface {
	ShortItem() string
	ShortAvailable() int64
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var (
		verr     *shared.ValidationError
		shortage StockShortage
	)
	switch {
	case errors.As(err, &verr):
		JSON(w, http.StatusBadRequest, ProblemDetail{Title: "Validation Failed", Status: http.StatusBadRequest, Detail: err.Error(), Field: verr.Field})
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrInsufficientStock):
		pd := ProblemDetail{Title: "Insufficient Stock", Status: http.StatusUnprocessableEntity, Detail: err.Error()}
		if errors.As(err, &shortage) {
			item, available := shortage.ShortItem(), shortage.ShortAvailable()
			pd.Item = item
			pd.Available = &available
		}
		JSON(w, http.StatusUnprocessableEntity, pd)
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Already Exists", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, shared.ErrInvalidState):
		Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, shared.ErrLockNotObtained), errors.Is(err, context.DeadlineExceeded):
		Problem(w, http.StatusServiceUnavailable, "Busy", "try again later")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "try again later")
	}
}

// IsClientError reports whether err is the caller's fault, used to pick a log level.
func IsClientError(err error) bool {
	return errors.Is(err, shared.ErrValidation) ||
		errors.Is(err, shared.ErrInsufficientStock) ||
		errors.Is(err, shared.ErrNotFound) ||
		errors.Is(err, shared.ErrConflict) ||
		errors.Is(err, shared.ErrIdempotencyConflict) ||
		errors.Is(err, shared.ErrInvalidState)
}

// Fail logs err at a level matching its class and writes the problem response.
func Fail(logger *slog.Logger, w http.ResponseWriter, r *http.Request, err error) {
	if logger != nil {
		attrs := []any{slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err)}
		if IsClientError(err) {
			logger.Info("request rejected", attrs...)
		} else {
			logger.Error("request failed", attrs...)
		}
	}
	RespondError(w, err)
}
