package production

import (
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/shared"
)

// Stage is a manufacturing stage.
type Stage string

const (
	StagePending         Stage = "Pending Production"
	StageFactoryReceived Stage = "Factory Received"
	StageCutting         Stage = "Cutting"
	StageStitching       Stage = "Stitching"
	StageFinishing       Stage = "Finishing"
	StagePacking         Stage = "Packing"
	StageCompleted       Stage = "Completed"
)

// Stages lists stages in their documented order.
var Stages = []Stage{StagePending, StageFactoryReceived, StageCutting, StageStitching, StageFinishing, StagePacking, StageCompleted}

// ParseStage validates s against the stage enum.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", shared.Invalid("status", "unknown production stage %q", s)
}

// NextStage returns the stage following s.
func NextStage(s Stage) (Stage, error) {
	for i, st := range Stages {
		if st != s {
			continue
		}
		if i == len(Stages)-1 {
			return "", fmt.Errorf("%w: production already %s", shared.ErrInvalidState, s)
		}
		return Stages[i+1], nil
	}
	return "", shared.Invalid("status", "unknown production stage %q", s)
}

// Progress markers recorded in the workflow history.
const (
	ProgressInProgress = "In Progress"
	ProgressCompleted  = "Completed"
)

// HistoryEntry records one stage change.
type HistoryEntry struct {
	Stage  Stage     `json:"stage"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// Production tracks manufacturing of one order.
type Production struct {
	ID              int64          `json:"id"`
	Number          string         `json:"number"`
	OrderID         int64          `json:"orderId"`
	Status          Stage          `json:"status"`
	WorkflowHistory []HistoryEntry `json:"workflowHistory"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// AppendHistory records a move to stage at now. History timestamps never go
// backwards: a clock that stepped back is clamped to the last entry.
func AppendHistory(history []HistoryEntry, stage Stage, now time.Time) []HistoryEntry {
	if n := len(history); n > 0 && now.Before(history[n-1].At) {
		now = history[n-1].At
	}
	progress := ProgressInProgress
	if stage == StageCompleted {
		progress = ProgressCompleted
	}
	return append(history, HistoryEntry{Stage: stage, Status: progress, At: now})
}
