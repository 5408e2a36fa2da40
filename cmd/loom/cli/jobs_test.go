package cli

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/jobs"
)

func TestBuildTask(t *testing.T) {
	task, err := BuildTask(jobs.TaskReconcilePurchase, TriggerOptions{OrderID: 9})
	require.NoError(t, err)
	require.Equal(t, jobs.TaskReconcilePurchase, task.Type())
	var p jobs.ReconcilePurchasePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	require.Equal(t, int64(9), p.OrderID)

	_, err = BuildTask(jobs.TaskReconcilePurchase, TriggerOptions{})
	require.Error(t, err)

	task, err = BuildTask(jobs.TaskIdempotencyPrune, TriggerOptions{})
	require.NoError(t, err)
	var prune jobs.IdempotencyPrunePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &prune))
	require.Equal(t, 72*time.Hour, prune.OlderThan)

	_, err = BuildTask("mail:send", TriggerOptions{})
	require.Error(t, err)
}
