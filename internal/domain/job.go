package domain

import (
	"errors"
	"strings"
	"time"
)

// BackgroundJob mirrors coarse run status for listing independent of
// the live stream. Retries create a new job row for the same run.
type BackgroundJob struct {
	ID         string
	RunID      string
	PipelineID string
	QueueJobID string
	Status     RunStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (j BackgroundJob) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(j.QueueJobID) == "" {
		return errors.New("queue job id is required")
	}
	if NormalizeRunStatus(string(j.Status)) == "" {
		return errors.New("status is required")
	}
	return nil
}
