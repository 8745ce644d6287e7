package domain

import "errors"

// PlanKind distinguishes the built-in phase list from a run-specific one.
type PlanKind string

const (
	PlanKindDefault PlanKind = "default"
	PlanKindCustom  PlanKind = "custom"
)

// Plan is the concrete, ordered phase list in effect for one run,
// resolved once at run start.
type Plan struct {
	Kind   PlanKind
	Phases []PhaseDefinition
}

func NewDefaultPlan(phases []PhaseDefinition) Plan {
	return Plan{Kind: PlanKindDefault, Phases: phases}
}

func NewCustomPlan(phases []PhaseDefinition) Plan {
	return Plan{Kind: PlanKindCustom, Phases: phases}
}

func (p Plan) Validate() error {
	if p.Kind != PlanKindDefault && p.Kind != PlanKindCustom {
		return errors.New("plan kind is required")
	}
	if len(p.Phases) == 0 {
		return errors.New("plan has no phases")
	}
	for _, phase := range p.Phases {
		if err := phase.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// PhaseIDs returns phase ids in declaration order.
func (p Plan) PhaseIDs() []string {
	ids := make([]string, 0, len(p.Phases))
	for _, phase := range p.Phases {
		ids = append(ids, phase.ID)
	}
	return ids
}

// Phase looks up a phase by id.
func (p Plan) Phase(id string) (PhaseDefinition, bool) {
	for _, phase := range p.Phases {
		if phase.ID == id {
			return phase, true
		}
	}
	return PhaseDefinition{}, false
}

// AgentCount is the total number of agents across all phases.
func (p Plan) AgentCount() int {
	total := 0
	for _, phase := range p.Phases {
		total += len(phase.Agents)
	}
	return total
}
