package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
	"github.com/sitescope-labs/sitescope-go/internal/repo"
)

// JobStore persists background job records mirroring queue tasks.
type JobStore struct {
	db DB
}

func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(ctx context.Context, job domain.BackgroundJob) error {
	if s == nil || s.db == nil {
		return errors.New("job store is not configured")
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("validate job: %w", err)
	}

	job.CreatedAt = normalizeTime(job.CreatedAt)
	job.UpdatedAt = normalizeTime(job.UpdatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO background_jobs (job_id, run_id, pipeline_id, queue_job_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		job.ID,
		job.RunID,
		job.PipelineID,
		job.QueueJobID,
		string(job.Status),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatusByRun moves the most recent job for a run to the given
// status. Retries create a fresh job row, so only the latest one tracks the
// live attempt.
func (s *JobStore) UpdateJobStatusByRun(ctx context.Context, runID string, status domain.RunStatus) error {
	if s == nil || s.db == nil {
		return errors.New("job store is not configured")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	status = domain.NormalizeRunStatus(string(status))
	if status == "" {
		return errors.New("invalid run status")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = $2, updated_at = now()
		WHERE job_id = (
			SELECT job_id FROM background_jobs
			WHERE run_id = $1
			ORDER BY created_at DESC
			LIMIT 1
		)
	`, runID, string(status))
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *JobStore) ListJobs(ctx context.Context, pipelineID string, limit int) ([]domain.BackgroundJob, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("job store is not configured")
	}
	pipelineID = strings.TrimSpace(pipelineID)
	if pipelineID == "" {
		return nil, errors.New("pipeline id is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, run_id, pipeline_id, queue_job_id, status, created_at, updated_at
		FROM background_jobs
		WHERE pipeline_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, pipelineID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.BackgroundJob, 0)
	for rows.Next() {
		var (
			job    domain.BackgroundJob
			status string
		)
		err := rows.Scan(&job.ID, &job.RunID, &job.PipelineID, &job.QueueJobID, &status, &job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Status = domain.RunStatus(status)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
