package phasegraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
)

// Validate checks a phase list for well-formed phases, unique ids,
// known dependency targets and an acyclic dependency graph.
func Validate(phases []domain.PhaseDefinition) error {
	if len(phases) == 0 {
		return fmt.Errorf("phase list is empty")
	}

	byID := make(map[string]domain.PhaseDefinition, len(phases))
	agentOwner := make(map[string]string)
	for _, phase := range phases {
		if err := phase.Validate(); err != nil {
			return err
		}
		if _, ok := byID[phase.ID]; ok {
			return fmt.Errorf("duplicate phase id %s", phase.ID)
		}
		byID[phase.ID] = phase
		for _, agent := range phase.Agents {
			if owner, ok := agentOwner[agent.Name]; ok {
				return fmt.Errorf("agent %s declared in both %s and %s", agent.Name, owner, phase.ID)
			}
			agentOwner[agent.Name] = phase.ID
		}
	}

	for _, phase := range phases {
		for _, dep := range phase.DependsOn {
			if strings.TrimSpace(dep) == "" {
				return fmt.Errorf("phase %s has an empty dependency", phase.ID)
			}
			if dep == phase.ID {
				return fmt.Errorf("phase %s depends on itself", phase.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("phase %s depends on unknown phase %s", phase.ID, dep)
			}
		}
	}

	if _, err := TopoOrder(phases); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns phase ids in a deterministic topological order
// (Kahn's algorithm, ties broken by id).
func TopoOrder(phases []domain.PhaseDefinition) ([]string, error) {
	inDegree := make(map[string]int, len(phases))
	dependents := make(map[string][]string, len(phases))
	for _, phase := range phases {
		if _, ok := inDegree[phase.ID]; !ok {
			inDegree[phase.ID] = 0
		}
		for _, dep := range phase.DependsOn {
			dependents[dep] = append(dependents[dep], phase.ID)
			inDegree[phase.ID]++
		}
	}

	ready := make([]string, 0, len(phases))
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	ordered := make([]string, 0, len(phases))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, id)
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				sort.Strings(ready)
			}
		}
	}

	if len(ordered) != len(inDegree) {
		return nil, fmt.Errorf("dependency graph contains a cycle")
	}
	return ordered, nil
}

// PhaseState is the executor-visible settlement of one phase.
type PhaseState string

const (
	PhaseStatePending   PhaseState = "pending"
	PhaseStateCompleted PhaseState = "completed"
	PhaseStateFailed    PhaseState = "failed"
)

// DerivePhaseState settles a phase from a checkpoint: completed when
// every agent completed, failed once any agent failed. Anything else is
// still pending.
func DerivePhaseState(phase domain.PhaseDefinition, checkpoint domain.Checkpoint) PhaseState {
	failed := false
	completed := 0
	for _, agent := range phase.Agents {
		switch {
		case contains(checkpoint.FailedAgents, agent.Name):
			failed = true
		case contains(checkpoint.CompletedAgents, agent.Name):
			completed++
		}
	}
	if failed {
		return PhaseStateFailed
	}
	if completed == len(phase.Agents) {
		return PhaseStateCompleted
	}
	return PhaseStatePending
}

// Eligible returns the phases that may start now: every dependency is
// settled completed and the phase itself is neither settled nor listed
// in exclude (already scheduled). Order is deterministic.
func Eligible(plan domain.Plan, checkpoint domain.Checkpoint, exclude map[string]struct{}) []domain.PhaseDefinition {
	states := make(map[string]PhaseState, len(plan.Phases))
	for _, phase := range plan.Phases {
		states[phase.ID] = DerivePhaseState(phase, checkpoint)
	}

	out := make([]domain.PhaseDefinition, 0, len(plan.Phases))
	for _, phase := range plan.Phases {
		if states[phase.ID] != PhaseStatePending {
			continue
		}
		if _, scheduled := exclude[phase.ID]; scheduled {
			continue
		}
		ready := true
		for _, dep := range phase.DependsOn {
			if states[dep] != PhaseStateCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, phase)
		}
	}
	return out
}

// Blocked returns pending phases that can never start because a
// dependency (direct or transitive) has failed.
func Blocked(plan domain.Plan, checkpoint domain.Checkpoint) []domain.PhaseDefinition {
	states := make(map[string]PhaseState, len(plan.Phases))
	for _, phase := range plan.Phases {
		states[phase.ID] = DerivePhaseState(phase, checkpoint)
	}

	out := make([]domain.PhaseDefinition, 0)
	for _, phase := range plan.Phases {
		if states[phase.ID] != PhaseStatePending {
			continue
		}
		if hasFailedAncestor(plan, phase.ID, states, map[string]struct{}{}) {
			out = append(out, phase)
		}
	}
	return out
}

func hasFailedAncestor(plan domain.Plan, id string, states map[string]PhaseState, visited map[string]struct{}) bool {
	if _, ok := visited[id]; ok {
		return false
	}
	visited[id] = struct{}{}
	phase, ok := plan.Phase(id)
	if !ok {
		return false
	}
	for _, dep := range phase.DependsOn {
		if states[dep] == PhaseStateFailed {
			return true
		}
		if hasFailedAncestor(plan, dep, states, visited) {
			return true
		}
	}
	return false
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
