// Package checkpoint owns the single mutation path for a run's durable
// progress record. Every write is a union-merge under a per-run lock,
// so parallel agent tasks of one run never lose updates.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
	"github.com/sitescope-labs/sitescope-go/internal/repo"
)

// Delta is one merge request. Sets union into the record; CurrentPhase,
// CurrentStep and Progress replace the stored values when provided, and
// only ever travel alongside a merge so readers cannot observe a phase
// pointer inconsistent with the agent sets.
type Delta struct {
	CompletedAgents  []string
	FailedAgents     []string
	AgentConfidences map[string]float64
	CurrentPhase     string
	CurrentStep      string
	Progress         *int
	// TotalAgents, when positive, recomputes Progress from the merged
	// settled-agent count in the same atomic write.
	TotalAgents int
}

type Store struct {
	checkpoints repo.CheckpointRepository

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(checkpoints repo.CheckpointRepository) *Store {
	if checkpoints == nil {
		return nil
	}
	return &Store{
		checkpoints: checkpoints,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (s *Store) runLock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[runID] = lock
	}
	return lock
}

// Load returns the stored checkpoint, or a fresh empty one when the run
// has no progress yet.
func (s *Store) Load(ctx context.Context, runID string) (domain.Checkpoint, error) {
	stored, err := s.checkpoints.GetCheckpoint(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return emptyCheckpoint(runID), nil
		}
		return domain.Checkpoint{}, err
	}
	return stored, nil
}

// Merge applies one delta and persists the result before returning, so
// callers can broadcast after a successful merge knowing any snapshot
// taken later is at least as fresh.
func (s *Store) Merge(ctx context.Context, runID string, delta Delta) (domain.Checkpoint, error) {
	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.Load(ctx, runID)
	if err != nil {
		return domain.Checkpoint{}, err
	}

	merged := applyDelta(current, delta)
	if err := merged.Validate(); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("merge checkpoint %s: %w", runID, err)
	}
	if err := s.checkpoints.SaveCheckpoint(ctx, merged); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("save checkpoint %s: %w", runID, err)
	}
	return merged.Clone(), nil
}

// Reset discards all progress for a run (forceReset retries).
func (s *Store) Reset(ctx context.Context, runID string) error {
	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.checkpoints.ClearCheckpoint(ctx, runID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("clear checkpoint %s: %w", runID, err)
	}
	return nil
}

// Snapshot assembles the authoritative client-facing view of a run.
func (s *Store) Snapshot(ctx context.Context, run domain.Run) (domain.Snapshot, error) {
	stored, err := s.Load(ctx, run.ID)
	if err != nil {
		return domain.Snapshot{}, err
	}

	snapshot := domain.Snapshot{
		Status:           run.Status,
		Progress:         stored.Progress,
		CurrentStep:      stored.CurrentStep,
		CurrentPhase:     stored.CurrentPhase,
		CompletedAgents:  append([]string{}, stored.CompletedAgents...),
		FailedAgents:     append([]string{}, stored.FailedAgents...),
		AgentConfidences: map[string]float64{},
		StartedAt:        run.StartedAt,
	}
	for agent, confidence := range stored.AgentConfidences {
		snapshot.AgentConfidences[agent] = confidence
	}
	if run.Status == domain.RunStatusCompleted {
		snapshot.Progress = 100
	}
	if snapshot.CurrentStep == "" {
		snapshot.CurrentStep = run.CurrentStep
	}
	return snapshot, nil
}

func applyDelta(current domain.Checkpoint, delta Delta) domain.Checkpoint {
	merged := current.Clone()

	for _, agent := range delta.CompletedAgents {
		if merged.Settled(agent) {
			continue
		}
		merged.CompletedAgents = append(merged.CompletedAgents, agent)
	}
	for _, agent := range delta.FailedAgents {
		if merged.Settled(agent) {
			continue
		}
		merged.FailedAgents = append(merged.FailedAgents, agent)
	}
	sort.Strings(merged.CompletedAgents)
	sort.Strings(merged.FailedAgents)

	if len(delta.AgentConfidences) > 0 && merged.AgentConfidences == nil {
		merged.AgentConfidences = make(map[string]float64, len(delta.AgentConfidences))
	}
	for agent, confidence := range delta.AgentConfidences {
		merged.AgentConfidences[agent] = confidence
	}

	if delta.CurrentPhase != "" {
		merged.CurrentPhase = delta.CurrentPhase
	}
	if delta.CurrentStep != "" {
		merged.CurrentStep = delta.CurrentStep
	}
	if delta.Progress != nil {
		merged.Progress = *delta.Progress
	} else if delta.TotalAgents > 0 {
		settled := len(merged.CompletedAgents) + len(merged.FailedAgents)
		progress := settled * 100 / delta.TotalAgents
		if progress > merged.Progress {
			merged.Progress = progress
		}
	}
	return merged
}

func emptyCheckpoint(runID string) domain.Checkpoint {
	return domain.Checkpoint{
		RunID:            runID,
		CompletedAgents:  []string{},
		FailedAgents:     []string{},
		AgentConfidences: map[string]float64{},
	}
}
