package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is one state change: who did what to which document.
type AuditLog struct {
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditPort persists audit entries.
type AuditPort interface {
	Record(ctx context.Context, log AuditLog) error
}

var errAuditIncomplete = errors.New("audit: action, entity and entity id are required")

// stamp fills actor and time from ctx and the clock.
func (l AuditLog) stamp(ctx context.Context) (AuditLog, error) {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return l, errAuditIncomplete
	}
	if l.Actor == "" {
		l.Actor = ActorFromContext(ctx)
	}
	if l.At.IsZero() {
		l.At = time.Now().UTC()
	}
	return l, nil
}

// AuditLogger appends to the audit_logs table.
type AuditLogger struct {
	pool *pgxpool.Pool
}

func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

func (l *AuditLogger) Record(ctx context.Context, entry AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit: no database")
	}
	entry, err := entry.stamp(ctx)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(entry.Meta)
	if err != nil {
		return fmt.Errorf("audit: encode meta: %w", err)
	}
	const q = `INSERT INTO audit_logs (actor, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := l.pool.Exec(ctx, q, entry.Actor, entry.Action, entry.Entity, entry.EntityID, meta, entry.At); err != nil {
		return fmt.Errorf("audit: insert %s %s: %w", entry.Action, entry.EntityID, err)
	}
	return nil
}

// MemoryAudit keeps the most recent entries in process. Older entries are
// dropped once Limit is reached; zero keeps everything.
type MemoryAudit struct {
	Limit int

	mu      sync.Mutex
	entries []AuditLog
}

func NewMemoryAudit(limit int) *MemoryAudit {
	return &MemoryAudit{Limit: limit}
}

func (m *MemoryAudit) Record(ctx context.Context, entry AuditLog) error {
	entry, err := entry.stamp(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	if m.Limit > 0 && len(m.entries) > m.Limit {
		m.entries = append(m.entries[:0], m.entries[len(m.entries)-m.Limit:]...)
	}
	return nil
}

// Entries returns the retained entries for entity, oldest first. An empty
// entity returns all of them.
func (m *MemoryAudit) Entries(entity string) []AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditLog, 0, len(m.entries))
	for _, e := range m.entries {
		if entity == "" || e.Entity == entity {
			out = append(out, e)
		}
	}
	return out
}

// RecordAudit writes entry when audit is configured. A failed audit write is
// logged and never undoes the committed change.
func RecordAudit(ctx context.Context, audit AuditPort, logger *slog.Logger, entry AuditLog) {
	if audit == nil {
		return
	}
	err := audit.Record(ctx, entry)
	if err == nil || logger == nil {
		return
	}
	logger.Warn("audit record failed",
		slog.String("action", entry.Action),
		slog.String("entity", entry.Entity),
		slog.String("entity_id", entry.EntityID),
		slog.Any("error", err))
}
