package domain

import (
	"errors"
	"fmt"
	"strings"
)

// AgentDefinition names the smallest unit of work within a phase.
type AgentDefinition struct {
	Name  string `yaml:"name" json:"name"`
	Label string `yaml:"label" json:"label"`
}

func (a AgentDefinition) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("agent name is required")
	}
	return nil
}

// PhaseDefinition is a named pipeline stage gated by dependency phases.
type PhaseDefinition struct {
	ID        string            `yaml:"id" json:"id"`
	Label     string            `yaml:"label" json:"label"`
	Agents    []AgentDefinition `yaml:"agents" json:"agents"`
	DependsOn []string          `yaml:"depends_on" json:"depends_on,omitempty"`
}

func (p PhaseDefinition) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("phase id is required")
	}
	if len(p.Agents) == 0 {
		return fmt.Errorf("phase %s has no agents", p.ID)
	}
	for _, agent := range p.Agents {
		if err := agent.Validate(); err != nil {
			return fmt.Errorf("phase %s: %w", p.ID, err)
		}
	}
	return nil
}

// AgentResult is the opaque output of one agent invocation.
type AgentResult struct {
	Label      string
	Confidence float64
	Content    []byte
}
