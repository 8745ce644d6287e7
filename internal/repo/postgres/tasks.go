package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sitescope-labs/sitescope-go/internal/queue"
)

// TaskQueue is a durable queue.Queue backed by a pipeline_tasks table.
// Lease claims the oldest task whose lease is missing or expired with
// FOR UPDATE SKIP LOCKED, so multiple executor processes can poll the same
// table without double delivery. A crashed worker simply stops extending
// its lease and the task becomes claimable again.
type TaskQueue struct {
	db  DB
	now func() time.Time
}

func NewTaskQueue(db DB) *TaskQueue {
	return &TaskQueue{db: db, now: time.Now}
}

func (q *TaskQueue) Enqueue(ctx context.Context, task queue.Task) error {
	if q == nil || q.db == nil {
		return errors.New("task queue is not configured")
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("validate task: %w", err)
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pipeline_tasks (task_id, run_id, pipeline_id, force_reset, attempts, leased_until, created_at)
		VALUES ($1, $2, $3, $4, 0, NULL, now())
	`, task.ID, task.RunID, task.PipelineID, task.ForceReset)
	if err != nil {
		if isUniqueViolation(err) {
			// Already enqueued; delivery stays at-least-once either way.
			return nil
		}
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func (q *TaskQueue) Lease(ctx context.Context, leaseFor time.Duration) (queue.Task, bool, error) {
	if q == nil || q.db == nil {
		return queue.Task{}, false, errors.New("task queue is not configured")
	}
	if leaseFor <= 0 {
		return queue.Task{}, false, errors.New("lease duration must be positive")
	}

	now := q.now().UTC()
	row := q.db.QueryRowContext(ctx, `
		UPDATE pipeline_tasks
		SET leased_until = $1, attempts = attempts + 1
		WHERE task_id = (
			SELECT task_id FROM pipeline_tasks
			WHERE leased_until IS NULL OR leased_until <= $2
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING task_id, run_id, pipeline_id, force_reset, attempts
	`, now.Add(leaseFor), now)

	var task queue.Task
	err := row.Scan(&task.ID, &task.RunID, &task.PipelineID, &task.ForceReset, &task.Attempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.Task{}, false, nil
		}
		return queue.Task{}, false, fmt.Errorf("lease task: %w", err)
	}
	return task, true, nil
}

func (q *TaskQueue) Extend(ctx context.Context, taskID string, leaseFor time.Duration) error {
	if q == nil || q.db == nil {
		return errors.New("task queue is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("task id is required")
	}
	if leaseFor <= 0 {
		return errors.New("lease duration must be positive")
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE pipeline_tasks
		SET leased_until = $2
		WHERE task_id = $1
	`, taskID, q.now().UTC().Add(leaseFor))
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if affected == 0 {
		return queue.ErrTaskNotFound
	}
	return nil
}

func (q *TaskQueue) Ack(ctx context.Context, taskID string) error {
	if q == nil || q.db == nil {
		return errors.New("task queue is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("task id is required")
	}

	res, err := q.db.ExecContext(ctx, `DELETE FROM pipeline_tasks WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	if affected == 0 {
		return queue.ErrTaskNotFound
	}
	return nil
}
