package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Checkpoint is the durable, mergeable progress record for one run.
// Completed and failed sets grow monotonically until the run is terminal.
type Checkpoint struct {
	RunID            string
	CompletedAgents  []string
	FailedAgents     []string
	AgentConfidences map[string]float64
	CurrentPhase     string
	CurrentStep      string
	Progress         int
}

func (c Checkpoint) Validate() error {
	if strings.TrimSpace(c.RunID) == "" {
		return errors.New("run id is required")
	}
	for _, agent := range c.CompletedAgents {
		if slices.Contains(c.FailedAgents, agent) {
			return fmt.Errorf("agent %s is both completed and failed", agent)
		}
	}
	if c.Progress < 0 || c.Progress > 100 {
		return errors.New("progress must be within 0..100")
	}
	return nil
}

// Settled reports whether the agent has reached a terminal outcome.
func (c Checkpoint) Settled(agent string) bool {
	return slices.Contains(c.CompletedAgents, agent) || slices.Contains(c.FailedAgents, agent)
}

// Clone returns a deep copy so callers can hand checkpoints across
// goroutine boundaries without sharing slices.
func (c Checkpoint) Clone() Checkpoint {
	out := Checkpoint{
		RunID:        c.RunID,
		CurrentPhase: c.CurrentPhase,
		CurrentStep:  c.CurrentStep,
		Progress:     c.Progress,
	}
	out.CompletedAgents = slices.Clone(c.CompletedAgents)
	out.FailedAgents = slices.Clone(c.FailedAgents)
	if c.AgentConfidences != nil {
		out.AgentConfidences = make(map[string]float64, len(c.AgentConfidences))
		for agent, confidence := range c.AgentConfidences {
			out.AgentConfidences[agent] = confidence
		}
	}
	return out
}
