package repo

import (
	"context"
	"errors"
	"time"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write loses a uniqueness race.
	ErrConflict = errors.New("conflict")
)

type RunFilter struct {
	PipelineID string
	Status     domain.RunStatus
	Limit      int
}

// RunRepository manages run rows. CreateRunIfNoneActive must be atomic:
// under concurrent triggers for one pipeline exactly one pending run is
// inserted and every other caller observes it.
type RunRepository interface {
	CreateRunIfNoneActive(ctx context.Context, run domain.Run) (domain.Run, bool, error)
	GetRun(ctx context.Context, id string) (domain.Run, error)
	LatestRun(ctx context.Context, pipelineID string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, errorMessage string, completedAt *time.Time) error
	ResetRunForRetry(ctx context.Context, id string) error
}

// CheckpointRepository persists the mergeable progress record. Save is
// an upsert; merging is the checkpoint store's job, the repository only
// stores whole records.
type CheckpointRepository interface {
	GetCheckpoint(ctx context.Context, runID string) (domain.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, checkpoint domain.Checkpoint) error
	ClearCheckpoint(ctx context.Context, runID string) error
}

// JobRepository manages background job rows used for run listing.
type JobRepository interface {
	CreateJob(ctx context.Context, job domain.BackgroundJob) error
	UpdateJobStatusByRun(ctx context.Context, runID string, status domain.RunStatus) error
	ListJobs(ctx context.Context, pipelineID string, limit int) ([]domain.BackgroundJob, error)
}
