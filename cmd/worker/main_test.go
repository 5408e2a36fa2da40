package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/app"
	_ "github.com/loomworks/loom/internal/testing/guard"
	"github.com/loomworks/loom/jobs"
)

func TestWorkerSkipsStartupInTestMode(t *testing.T) {
	require.True(t, app.InTestMode())
	require.NotPanics(t, main)
}

func TestSchedulesAreOptIn(t *testing.T) {
	cfg := &app.Config{IdempotencyTTL: time.Hour}
	none, err := schedules(cfg)
	require.NoError(t, err)
	require.Empty(t, none)

	cfg.ReconcileCron = "*/5 * * * *"
	cfg.PruneCron = "30 3 * * *"
	both, err := schedules(cfg)
	require.NoError(t, err)
	require.Len(t, both, 2)
	require.Equal(t, jobs.TaskReconcileOrphans, both[0].Task.Type())
	require.Equal(t, jobs.TaskIdempotencyPrune, both[1].Task.Type())
}
