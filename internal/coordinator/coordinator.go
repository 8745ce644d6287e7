// Package coordinator owns the run lifecycle: idempotent triggers with
// at most one active run per pipeline, retries of failed runs and
// cancellation. Scheduling itself is the executor's job; the
// coordinator only persists intent and enqueues durable tasks.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
	"github.com/sitescope-labs/sitescope-go/internal/queue"
	"github.com/sitescope-labs/sitescope-go/internal/repo"
)

var (
	// ErrValidation rejects bad identifiers before any run is created.
	ErrValidation = errors.New("validation failed")
	// ErrRunNotRetryable is returned when the latest run for a pipeline
	// is not in the failed state.
	ErrRunNotRetryable = errors.New("latest run is not failed")
)

type Service struct {
	logger *slog.Logger
	runs   repo.RunRepository
	jobs   repo.JobRepository
	tasks  queue.Queue

	now   func() time.Time
	newID func() string
}

func New(logger *slog.Logger, runs repo.RunRepository, jobs repo.JobRepository, tasks queue.Queue) *Service {
	if runs == nil || jobs == nil || tasks == nil {
		return nil
	}
	return &Service{
		logger: logger,
		runs:   runs,
		jobs:   jobs,
		tasks:  tasks,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
}

// Create triggers a run for a pipeline. When an active run already
// exists the existing run is returned with created=false; a second
// trigger is not an error. The check-and-insert is atomic in the run
// repository, so two near-simultaneous triggers yield exactly one run.
func (s *Service) Create(ctx context.Context, pipelineID string, params domain.Metadata) (domain.Run, bool, error) {
	pipelineID = strings.TrimSpace(pipelineID)
	if pipelineID == "" {
		return domain.Run{}, false, fmt.Errorf("%w: pipeline id is required", ErrValidation)
	}

	run := domain.Run{
		ID:          s.newID(),
		PipelineID:  pipelineID,
		Status:      domain.RunStatusPending,
		CurrentStep: "Queued",
		Params:      params,
		StartedAt:   s.now(),
	}
	stored, created, err := s.runs.CreateRunIfNoneActive(ctx, run)
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("create run: %w", err)
	}
	if !created {
		return stored, false, nil
	}

	if err := s.enqueue(ctx, stored, false); err != nil {
		return domain.Run{}, false, err
	}
	s.logInfo("run created", "pipeline_id", pipelineID, "run_id", stored.ID)
	return stored, true, nil
}

// Retry resets the latest failed run of a pipeline to pending and
// re-enqueues it with forceReset, keeping the original run id for
// audit continuity but minting a fresh queue job.
func (s *Service) Retry(ctx context.Context, pipelineID string) (domain.Run, error) {
	pipelineID = strings.TrimSpace(pipelineID)
	if pipelineID == "" {
		return domain.Run{}, fmt.Errorf("%w: pipeline id is required", ErrValidation)
	}

	latest, err := s.runs.LatestRun(ctx, pipelineID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("latest run: %w", err)
	}
	if latest.Status != domain.RunStatusFailed {
		return domain.Run{}, fmt.Errorf("%w: run %s is %s", ErrRunNotRetryable, latest.ID, latest.Status)
	}

	if err := s.runs.ResetRunForRetry(ctx, latest.ID); err != nil {
		return domain.Run{}, fmt.Errorf("reset run: %w", err)
	}
	run, err := s.runs.GetRun(ctx, latest.ID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("reload run: %w", err)
	}

	if err := s.enqueue(ctx, run, true); err != nil {
		return domain.Run{}, err
	}
	s.logInfo("run retried", "pipeline_id", pipelineID, "run_id", run.ID)
	return run, nil
}

// Cancel stops new scheduling for a run. In-flight agent work finishes
// on its own; the executor settles the run as cancelled, never failed.
// Cancelling an already-terminal run is a no-op.
func (s *Service) Cancel(ctx context.Context, runID string) (domain.Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, fmt.Errorf("%w: run id is required", ErrValidation)
	}

	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("load run: %w", err)
	}
	if run.Status.Terminal() {
		return run, nil
	}

	if err := s.runs.UpdateRunStatus(ctx, runID, domain.RunStatusCancelled, "", nil); err != nil {
		return domain.Run{}, fmt.Errorf("cancel run: %w", err)
	}
	if err := s.jobs.UpdateJobStatusByRun(ctx, runID, domain.RunStatusCancelled); err != nil && !errors.Is(err, repo.ErrNotFound) {
		s.logError("job cancel update failed", "run_id", runID, "error", err)
	}
	run.Status = domain.RunStatusCancelled
	s.logInfo("run cancelled", "run_id", runID)
	return run, nil
}

func (s *Service) enqueue(ctx context.Context, run domain.Run, forceReset bool) error {
	job := domain.BackgroundJob{
		ID:         s.newID(),
		RunID:      run.ID,
		PipelineID: run.PipelineID,
		QueueJobID: s.newID(),
		Status:     domain.RunStatusPending,
		CreatedAt:  s.now(),
		UpdatedAt:  s.now(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	task := queue.Task{
		ID:         job.QueueJobID,
		RunID:      run.ID,
		PipelineID: run.PipelineID,
		ForceReset: forceReset,
	}
	if err := s.tasks.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func (s *Service) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Service) logError(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}
