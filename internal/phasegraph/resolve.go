package phasegraph

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
)

// Definition is the operator-facing phase graph document. It overrides
// the built-in default when loaded from SITESCOPE_PHASE_PLAN_FILE.
type Definition struct {
	Phases []domain.PhaseDefinition `yaml:"phases"`
}

// LoadFile parses and validates a YAML phase graph definition.
func LoadFile(path string) ([]domain.PhaseDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phase plan: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse phase plan: %w", err)
	}
	if err := Validate(def.Phases); err != nil {
		return nil, fmt.Errorf("invalid phase plan %s: %w", path, err)
	}
	return def.Phases, nil
}

// Resolve produces the plan in effect for one run. An empty selection
// yields the default plan over base; a non-empty selection yields a
// custom plan restricted to the named phases, with dependencies on
// omitted phases treated as skippable and dropped.
func Resolve(base []domain.PhaseDefinition, enabled []string) (domain.Plan, error) {
	if err := Validate(base); err != nil {
		return domain.Plan{}, err
	}
	if len(enabled) == 0 {
		return domain.NewDefaultPlan(base), nil
	}

	keep := make(map[string]struct{}, len(enabled))
	for _, id := range enabled {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		found := false
		for _, phase := range base {
			if phase.ID == id {
				found = true
				break
			}
		}
		if !found {
			return domain.Plan{}, fmt.Errorf("unknown phase %s", id)
		}
		keep[id] = struct{}{}
	}

	phases := make([]domain.PhaseDefinition, 0, len(keep))
	for _, phase := range base {
		if _, ok := keep[phase.ID]; !ok {
			continue
		}
		deps := make([]string, 0, len(phase.DependsOn))
		for _, dep := range phase.DependsOn {
			if _, ok := keep[dep]; ok {
				deps = append(deps, dep)
			}
		}
		phase.DependsOn = deps
		phase.Agents = slices.Clone(phase.Agents)
		phases = append(phases, phase)
	}
	if err := Validate(phases); err != nil {
		return domain.Plan{}, err
	}
	return domain.NewCustomPlan(phases), nil
}
