package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Queue with the same lease/redelivery
// semantics as the postgres-backed one. Used by tests and single-node
// development setups.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	tasks []*memoryTask
}

type memoryTask struct {
	task       Task
	leasedTill time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// NewMemoryWithClock injects a clock for deterministic lease tests.
func NewMemoryWithClock(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now}
}

func (m *Memory) Enqueue(_ context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, &memoryTask{task: task})
	return nil
}

func (m *Memory) Lease(_ context.Context, leaseFor time.Duration) (Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, entry := range m.tasks {
		if entry.leasedTill.After(now) {
			continue
		}
		entry.leasedTill = now.Add(leaseFor)
		entry.task.Attempt++
		return entry.task, true, nil
	}
	return Task{}, false, nil
}

func (m *Memory) Extend(_ context.Context, taskID string, leaseFor time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.tasks {
		if entry.task.ID == taskID {
			entry.leasedTill = m.now().Add(leaseFor)
			return nil
		}
	}
	return ErrTaskNotFound
}

func (m *Memory) Ack(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, entry := range m.tasks {
		if entry.task.ID == taskID {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return nil
		}
	}
	return ErrTaskNotFound
}

// Pending reports how many tasks remain (leased or due).
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
