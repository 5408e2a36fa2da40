package shared

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryAuditStampsActorAndTrims(t *testing.T) {
	audit := NewMemoryAudit(2)
	ctx := ContextWithActor(context.Background(), "clerk-7")

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, audit.Record(ctx, AuditLog{Action: "STORE_LOG_CREATE", Entity: "store_log", EntityID: id}))
	}
	require.NoError(t, audit.Record(ctx, AuditLog{Action: "ORDER_CREATE", Entity: "order", EntityID: "9"}))

	all := audit.Entries("")
	require.Len(t, all, 2)
	require.Equal(t, "3", all[0].EntityID)
	require.Equal(t, "clerk-7", all[0].Actor)
	require.False(t, all[0].At.IsZero())

	logs := audit.Entries("store_log")
	require.Len(t, logs, 1)
	require.Equal(t, "3", logs[0].EntityID)
}

func TestMemoryAuditRejectsIncompleteEntry(t *testing.T) {
	err := NewMemoryAudit(0).Record(context.Background(), AuditLog{Action: "ORDER_CREATE"})
	require.ErrorIs(t, err, errAuditIncomplete)
}

type failingAudit struct{}

func (failingAudit) Record(context.Context, AuditLog) error { return errors.New("db down") }

func TestRecordAuditLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	RecordAudit(context.Background(), failingAudit{}, logger, AuditLog{Action: "ORDER_DELETE", Entity: "order", EntityID: "4"})
	require.Contains(t, buf.String(), "audit record failed")
	require.Contains(t, buf.String(), "db down")

	require.NotPanics(t, func() {
		RecordAudit(context.Background(), nil, logger, AuditLog{})
	})
}
