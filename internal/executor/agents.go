package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
)

// Input carries everything an agent may consult. Agents are opaque to
// the executor; whatever they analyze happens behind this seam.
type Input struct {
	PipelineID string
	RunID      string
	Phase      string
	Agent      string
	Params     domain.Metadata
}

// Agent is one unit of analysis work producing a label, a confidence
// and an opaque content payload.
type Agent func(ctx context.Context, input Input) (domain.AgentResult, error)

// TransientError marks an agent failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the executor retries the agent with backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether an agent error should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// Registry maps agent names to implementations. Registration happens at
// startup; lookups afterwards are read-only.
type Registry struct {
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

func (r *Registry) Register(name string, agent Agent) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("agent name is required")
	}
	if agent == nil {
		return fmt.Errorf("agent %s is nil", name)
	}
	if _, ok := r.agents[name]; ok {
		return fmt.Errorf("agent %s already registered", name)
	}
	r.agents[name] = agent
	return nil
}

func (r *Registry) Lookup(name string) (Agent, bool) {
	agent, ok := r.agents[name]
	return agent, ok
}

// Names lists registered agents, sorted, for startup logging.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
