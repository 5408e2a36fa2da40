package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks input the caller has to fix.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates the record already exists.
	ErrConflict = errors.New("already exists")
	// ErrInvalidState indicates the document is not in a state that allows the operation.
	ErrInvalidState = errors.New("invalid state")
	// ErrInsufficientStock indicates a movement would take more than is available.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

// Invalid builds a ValidationError.
func Invalid(field, reason string, args ...any) *ValidationError {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }
