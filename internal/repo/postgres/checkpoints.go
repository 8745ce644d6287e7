package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
)

// CheckpointStore persists one checkpoint row per run. Saves are upserts so
// the executor can write through repeatedly without caring whether a row
// already exists.
type CheckpointStore struct {
	db DB
}

func NewCheckpointStore(db DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

func (s *CheckpointStore) GetCheckpoint(ctx context.Context, runID string) (domain.Checkpoint, error) {
	if s == nil || s.db == nil {
		return domain.Checkpoint{}, errors.New("checkpoint store is not configured")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Checkpoint{}, errors.New("run id is required")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, completed_agents, failed_agents, agent_confidences, current_phase, current_step, progress
		FROM run_checkpoints
		WHERE run_id = $1
	`, runID)

	var (
		cp           domain.Checkpoint
		completed    []byte
		failed       []byte
		confidences  []byte
		currentPhase sql.NullString
		currentStep  sql.NullString
	)
	err := row.Scan(&cp.RunID, &completed, &failed, &confidences, &currentPhase, &currentStep, &cp.Progress)
	if err != nil {
		return domain.Checkpoint{}, handleNotFound(err)
	}
	cp.CurrentPhase = currentPhase.String
	cp.CurrentStep = currentStep.String
	if cp.CompletedAgents, err = decodeStrings(completed); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("decode completed agents: %w", err)
	}
	if cp.FailedAgents, err = decodeStrings(failed); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("decode failed agents: %w", err)
	}
	if err := decodeConfidences(confidences, &cp); err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if s == nil || s.db == nil {
		return errors.New("checkpoint store is not configured")
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("validate checkpoint: %w", err)
	}

	completed, err := encodeStrings(cp.CompletedAgents)
	if err != nil {
		return fmt.Errorf("encode completed agents: %w", err)
	}
	failed, err := encodeStrings(cp.FailedAgents)
	if err != nil {
		return fmt.Errorf("encode failed agents: %w", err)
	}
	confidences := cp.AgentConfidences
	if confidences == nil {
		confidences = map[string]float64{}
	}
	encodedConfidences, err := json.Marshal(confidences)
	if err != nil {
		return fmt.Errorf("encode agent confidences: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_checkpoints (run_id, completed_agents, failed_agents, agent_confidences, current_phase, current_step, progress, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (run_id) DO UPDATE SET
			completed_agents = EXCLUDED.completed_agents,
			failed_agents = EXCLUDED.failed_agents,
			agent_confidences = EXCLUDED.agent_confidences,
			current_phase = EXCLUDED.current_phase,
			current_step = EXCLUDED.current_step,
			progress = EXCLUDED.progress,
			updated_at = now()
	`,
		cp.RunID,
		completed,
		failed,
		encodedConfidences,
		nullIfEmpty(cp.CurrentPhase),
		nullIfEmpty(cp.CurrentStep),
		cp.Progress,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) ClearCheckpoint(ctx context.Context, runID string) error {
	if s == nil || s.db == nil {
		return errors.New("checkpoint store is not configured")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM run_checkpoints WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

func decodeConfidences(raw []byte, cp *domain.Checkpoint) error {
	cp.AgentConfidences = map[string]float64{}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &cp.AgentConfidences); err != nil {
		return fmt.Errorf("decode agent confidences: %w", err)
	}
	if cp.AgentConfidences == nil {
		cp.AgentConfidences = map[string]float64{}
	}
	return nil
}
