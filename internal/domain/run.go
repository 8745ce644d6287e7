package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the coarse lifecycle status of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
// other than a retry reset.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether a run in this status blocks new runs for the
// same pipeline.
func (s RunStatus) Active() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// NormalizeRunStatus maps free-form status values to canonical statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusPending), "created":
		return RunStatusPending
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusCompleted):
		return RunStatusCompleted
	case string(RunStatusFailed):
		return RunStatusFailed
	case string(RunStatusCancelled), "canceled":
		return RunStatusCancelled
	default:
		return ""
	}
}

// CanTransitionRunStatus enforces the run lifecycle. The only backward
// edge is failed -> pending, which models a retry of the same run row.
func CanTransitionRunStatus(current, next RunStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	if current == RunStatusFailed && next == RunStatusPending {
		return true
	}
	switch current {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusFailed || next == RunStatusCancelled
	case RunStatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// Run is one execution attempt of an analysis pipeline for a business
// record. Identity is preserved across retries.
type Run struct {
	ID           string
	PipelineID   string
	Status       RunStatus
	Progress     int
	CurrentStep  string
	CurrentPhase string
	Params       Metadata
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.PipelineID) == "" {
		return errors.New("pipeline id is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	if r.Progress < 0 || r.Progress > 100 {
		return errors.New("progress must be within 0..100")
	}
	return nil
}
