package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
	"github.com/sitescope-labs/sitescope-go/internal/repo"
)

// RunStore persists pipeline runs.
//
// CreateRunIfNoneActive relies on a partial unique index over
// (pipeline_id) WHERE status IN ('pending','running') so that only one
// non-terminal run can exist per pipeline; concurrent inserts lose with a
// unique violation and adopt the winner instead.
type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `run_id, pipeline_id, status, progress, current_step, current_phase, params, error_message, started_at, completed_at`

func (s *RunStore) CreateRunIfNoneActive(ctx context.Context, run domain.Run) (domain.Run, bool, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, false, errors.New("run store is not configured")
	}
	if err := run.Validate(); err != nil {
		return domain.Run{}, false, fmt.Errorf("validate run: %w", err)
	}

	run.StartedAt = normalizeTime(run.StartedAt)
	params, err := encodeMetadata(run.Params)
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("encode run params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)
	`,
		run.ID,
		run.PipelineID,
		string(run.Status),
		run.Progress,
		nullIfEmpty(run.CurrentStep),
		nullIfEmpty(run.CurrentPhase),
		params,
		nullIfEmpty(run.ErrorMessage),
		run.StartedAt,
	)
	if err == nil {
		return run, true, nil
	}
	if !isUniqueViolation(err) {
		return domain.Run{}, false, fmt.Errorf("insert run: %w", err)
	}

	existing, lookupErr := s.activeRun(ctx, run.PipelineID)
	if lookupErr != nil {
		if errors.Is(lookupErr, repo.ErrNotFound) {
			// The active run finished between our insert and lookup.
			return domain.Run{}, false, repo.ErrConflict
		}
		return domain.Run{}, false, lookupErr
	}
	return existing, false, nil
}

func (s *RunStore) activeRun(ctx context.Context, pipelineID string) (domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM pipeline_runs
		WHERE pipeline_id = $1 AND status IN ($2, $3)
		ORDER BY started_at DESC
		LIMIT 1
	`, pipelineID, string(domain.RunStatusPending), string(domain.RunStatusRunning))
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, errors.New("run store is not configured")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, errors.New("run id is required")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM pipeline_runs
		WHERE run_id = $1
	`, runID)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) LatestRun(ctx context.Context, pipelineID string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, errors.New("run store is not configured")
	}
	pipelineID = strings.TrimSpace(pipelineID)
	if pipelineID == "" {
		return domain.Run{}, errors.New("pipeline id is required")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM pipeline_runs
		WHERE pipeline_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, pipelineID)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("run store is not configured")
	}

	query := `
		SELECT ` + runColumns + `
		FROM pipeline_runs
	`
	args := make([]any, 0, 3)
	clauses := make([]string, 0, 2)
	if pipelineID := strings.TrimSpace(filter.PipelineID); pipelineID != "" {
		args = append(args, pipelineID)
		clauses = append(clauses, fmt.Sprintf("pipeline_id = $%d", len(args)))
	}
	if status := strings.TrimSpace(string(filter.Status)); status != "" {
		args = append(args, status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, errorMessage string, completedAt *time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("run store is not configured")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	status = domain.NormalizeRunStatus(string(status))
	if status == "" {
		return errors.New("invalid run status")
	}

	var completed sql.NullTime
	if completedAt != nil {
		completed = sql.NullTime{Time: completedAt.UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = $2, error_message = $3, completed_at = $4
		WHERE run_id = $1
	`, runID, string(status), nullIfEmpty(errorMessage), completed)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) ResetRunForRetry(ctx context.Context, runID string) error {
	if s == nil || s.db == nil {
		return errors.New("run store is not configured")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = $2, progress = 0, current_step = NULL, current_phase = NULL,
		    error_message = NULL, started_at = now(), completed_at = NULL
		WHERE run_id = $1 AND status = $3
	`, runID, string(domain.RunStatusPending), string(domain.RunStatusFailed))
	if err != nil {
		return fmt.Errorf("reset run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset run: %w", err)
	}
	if affected == 0 {
		return repo.ErrConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run          domain.Run
		status       string
		currentStep  sql.NullString
		currentPhase sql.NullString
		params       []byte
		errMessage   sql.NullString
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&run.PipelineID,
		&status,
		&run.Progress,
		&currentStep,
		&currentPhase,
		&params,
		&errMessage,
		&run.StartedAt,
		&completedAt,
	)
	if err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunStatus(status)
	run.CurrentStep = currentStep.String
	run.CurrentPhase = currentPhase.String
	run.ErrorMessage = errMessage.String
	if completedAt.Valid {
		ts := completedAt.Time.UTC()
		run.CompletedAt = &ts
	}
	run.Params, err = decodeMetadata(params)
	if err != nil {
		return domain.Run{}, fmt.Errorf("decode run params: %w", err)
	}
	return run, nil
}
