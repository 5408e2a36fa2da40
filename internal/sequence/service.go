package sequence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomworks/loom/internal/shared"
)

// Recorder receives issuance events for metrics.
type Recorder interface {
	SequenceIssued(key string)
}

// Service issues and previews counter values.
type Service struct {
	store   Store
	metrics Recorder
	audit   shared.AuditPort
	logger  *slog.Logger
}

// NewService builds a Service over store. metrics and audit may be nil.
func NewService(store Store, metrics Recorder, audit shared.AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, metrics: metrics, audit: audit, logger: logger}
}

// In returns a copy of the service bound to another store, typically a
// transaction-scoped Repository.
func (s *Service) In(store Store) *Service {
	cp := *s
	cp.store = store
	return &cp
}

// Next atomically increments key and returns the new value. The first call for
// a key returns 1. Any store failure is returned; no number is issued.
func (s *Service) Next(ctx context.Context, key string) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	v, err := s.store.Increment(ctx, key)
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.SequenceIssued(key)
	}
	return v, nil
}

// Peek returns the value the next call to Next would return if nothing else
// called it first. It never mutates and must only be used for display.
func (s *Service) Peek(ctx context.Context, key string) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	current, ok, err := s.store.Current(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	return current + 1, nil
}

// Reset sets key so the following Next returns value+1. Administrative only.
func (s *Service) Reset(ctx context.Context, key string, value int64) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if value < 0 {
		return shared.Invalid("value", "must be >= 0, got %d", value)
	}
	if err := s.store.Set(ctx, key, value); err != nil {
		return err
	}
	s.logger.Warn("sequence reset", slog.String("key", key), slog.Int64("value", value), slog.String("actor", shared.ActorFromContext(ctx)))
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{Action: "SEQUENCE_RESET", Entity: "counter", EntityID: key, Meta: map[string]any{"value": value}})
	return nil
}

// NextFormatted issues the next value of key and renders it with format.
func (s *Service) NextFormatted(ctx context.Context, key string, format func(int64) string) (string, error) {
	v, err := s.Next(ctx, key)
	if err != nil {
		return "", fmt.Errorf("sequence: %s: %w", key, err)
	}
	return format(v), nil
}
