// Package queue defines the durable task transport between the run
// coordinator and the executor. Tasks survive crashes: a leased task
// whose lease expires without an ack is redelivered.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrTaskNotFound is returned for acks or extensions of unknown tasks.
var ErrTaskNotFound = errors.New("task not found")

// Task instructs the executor to drive one run forward. ForceReset
// makes the executor discard checkpoint progress before scheduling.
type Task struct {
	ID         string
	RunID      string
	PipelineID string
	ForceReset bool
	Attempt    int
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id is required")
	}
	if strings.TrimSpace(t.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(t.PipelineID) == "" {
		return errors.New("pipeline id is required")
	}
	return nil
}

// Queue is the durable at-least-once task transport.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Lease claims the next due task for leaseFor. ok is false when no
	// task is due. Attempt counts deliveries including this one.
	Lease(ctx context.Context, leaseFor time.Duration) (task Task, ok bool, err error)
	// Extend pushes out the lease of an in-flight task.
	Extend(ctx context.Context, taskID string, leaseFor time.Duration) error
	// Ack removes an in-flight task permanently.
	Ack(ctx context.Context, taskID string) error
}
