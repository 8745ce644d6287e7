// Package clientsync reconciles a live progress stream with periodic
// authoritative snapshots. The synchronizer is a single-dispatch state
// machine: one event at a time, snapshots always win, and every event's
// effect is idempotent under at-least-once delivery.
package clientsync

import (
	"slices"
	"sync"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
)

// State is the top-level pipeline view state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// SubStatus is the per-phase and per-agent view status.
type SubStatus string

const (
	SubPending   SubStatus = "pending"
	SubActive    SubStatus = "active"
	SubCompleted SubStatus = "completed"
	SubFailed    SubStatus = "failed"
)

type AgentView struct {
	Name       string
	Label      string
	Status     SubStatus
	Confidence float64
}

type PhaseView struct {
	ID     string
	Label  string
	Status SubStatus
	Agents []AgentView
}

// View is an immutable copy of the derived state handed to renderers.
type View struct {
	State          State
	Progress       int
	CurrentStep    string
	ErrorMessage   string
	ConnectionLost bool
	Phases         []PhaseView
}

type Synchronizer struct {
	mu sync.Mutex

	catalog []domain.PhaseDefinition

	state          State
	progress       int
	currentStep    string
	errorMessage   string
	connectionLost bool
	phases         []PhaseView
	transcript     *Transcript
}

// NewSynchronizer builds the initial view over the phase catalog. The
// catalog supplies labels and agent lists; plan_created events select
// and reorder within it.
func NewSynchronizer(catalog []domain.PhaseDefinition, transcriptSize int) *Synchronizer {
	s := &Synchronizer{
		catalog:    slices.Clone(catalog),
		state:      StateIdle,
		transcript: NewTranscript(transcriptSize),
	}
	s.phases = mergeByID(nil, catalog)
	return s
}

// Connecting flags the view while the transport dials.
func (s *Synchronizer) Connecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle || s.state == StateRunning {
		s.state = StateConnecting
	}
}

// ConnectionLost is the persistent give-up state after the transport
// exhausted its reconnect attempts. Only a manual reload clears it.
func (s *Synchronizer) ConnectionLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateError
	s.connectionLost = true
	s.errorMessage = "connection lost"
}

// Terminal reports whether the view reached a final state and the
// transport should disconnect.
func (s *Synchronizer) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateCompleted || s.state == StateError
}

// View returns a deep copy of the current derived state.
func (s *Synchronizer) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		State:          s.state,
		Progress:       s.progress,
		CurrentStep:    s.currentStep,
		ErrorMessage:   s.errorMessage,
		ConnectionLost: s.connectionLost,
		Phases:         clonePhases(s.phases),
	}
}

// Transcript returns the bounded event transcript, oldest first.
func (s *Synchronizer) Transcript() []domain.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Events()
}

// Apply dispatches one event. Events for a run are handled strictly one
// at a time; duplicates and reordering are tolerated because snapshots
// recompute everything and live events only ever move state forward.
func (s *Synchronizer) Apply(event domain.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Type {
	case domain.EventPing:
		return
	case domain.EventConnected:
		s.transcript.Append(event)
		if s.state == StateIdle || s.state == StateConnecting {
			s.state = StateRunning
		}
	case domain.EventPlanCreated:
		s.transcript.Append(event)
		s.applyPlan(event.EnabledPhases)
	case domain.EventPhaseStart:
		s.transcript.Append(event)
		s.applyPhaseStart(event.Phase)
	case domain.EventAgentStart:
		s.transcript.Append(event)
		s.applyAgentStart(event.Phase, event.Agent)
	case domain.EventComplete:
		s.transcript.Append(event)
		s.applyComplete()
	case domain.EventError:
		s.transcript.Append(event)
		s.state = StateError
		s.errorMessage = event.Message
	case domain.EventSnapshot:
		s.transcript.Append(event)
		if event.Snapshot != nil {
			s.applySnapshot(*event.Snapshot)
		}
	}
}

// applyPlan replaces the phase list. Phases present in both the old and
// new lists keep their known status and confidences instead of
// resetting to pending.
func (s *Synchronizer) applyPlan(enabled []string) {
	selected := make([]domain.PhaseDefinition, 0, len(enabled))
	for _, id := range enabled {
		for _, def := range s.catalog {
			if def.ID == id {
				selected = append(selected, def)
				break
			}
		}
	}
	if len(selected) == 0 {
		selected = s.catalog
	}
	s.phases = mergeByID(s.phases, selected)
}

func (s *Synchronizer) applyPhaseStart(phaseID string) {
	s.completeEarlierThan(phaseID)
	for i := range s.phases {
		if s.phases[i].ID == phaseID && !settled(s.phases[i].Status) {
			s.phases[i].Status = SubActive
			s.currentStep = s.phases[i].Label
		}
	}
	if s.state == StateConnecting || s.state == StateIdle {
		s.state = StateRunning
	}
}

func (s *Synchronizer) applyAgentStart(phaseID, agentName string) {
	s.applyPhaseStart(phaseID)
	for i := range s.phases {
		if s.phases[i].ID != phaseID {
			continue
		}
		for j := range s.phases[i].Agents {
			agent := &s.phases[i].Agents[j]
			if agent.Name == agentName && !settled(agent.Status) {
				agent.Status = SubActive
				s.currentStep = agent.Label
			}
		}
	}
}

// completeEarlierThan marks every phase declared before the named one
// as completed unless already settled: the pipeline has observably
// moved past them, so a missed intermediate event must not block the
// view.
func (s *Synchronizer) completeEarlierThan(phaseID string) {
	for i := range s.phases {
		if s.phases[i].ID == phaseID {
			return
		}
		if !settled(s.phases[i].Status) {
			s.phases[i].Status = SubCompleted
			for j := range s.phases[i].Agents {
				if !settled(s.phases[i].Agents[j].Status) {
					s.phases[i].Agents[j].Status = SubCompleted
				}
			}
		}
	}
}

func (s *Synchronizer) applyComplete() {
	s.state = StateCompleted
	s.progress = 100
	for i := range s.phases {
		s.phases[i].Status = SubCompleted
		for j := range s.phases[i].Agents {
			if s.phases[i].Agents[j].Status != SubFailed {
				s.phases[i].Agents[j].Status = SubCompleted
			}
		}
	}
}

// applySnapshot is the authoritative reconciliation: every phase and
// agent status is recomputed purely from the snapshot's agent sets and
// current phase, overriding anything inferred from live events.
func (s *Synchronizer) applySnapshot(snapshot domain.Snapshot) {
	for i := range s.phases {
		phase := &s.phases[i]
		allCompleted := true
		allSettled := true
		anyFailed := false
		for j := range phase.Agents {
			agent := &phase.Agents[j]
			switch {
			case slices.Contains(snapshot.CompletedAgents, agent.Name):
				agent.Status = SubCompleted
			case slices.Contains(snapshot.FailedAgents, agent.Name):
				agent.Status = SubFailed
				anyFailed = true
				allCompleted = false
			case phase.ID == snapshot.CurrentPhase:
				agent.Status = SubActive
				allCompleted = false
				allSettled = false
			default:
				agent.Status = SubPending
				allCompleted = false
				allSettled = false
			}
			if confidence, ok := snapshot.AgentConfidences[agent.Name]; ok {
				agent.Confidence = confidence
			}
		}
		switch {
		case allCompleted:
			phase.Status = SubCompleted
		case anyFailed && allSettled:
			phase.Status = SubFailed
		case phase.ID == snapshot.CurrentPhase:
			phase.Status = SubActive
		default:
			phase.Status = SubPending
		}
	}
	if snapshot.CurrentPhase != "" {
		s.completeEarlierThan(snapshot.CurrentPhase)
	}

	s.progress = snapshot.Progress
	if snapshot.CurrentStep != "" {
		s.currentStep = snapshot.CurrentStep
	}

	switch snapshot.Status {
	case domain.RunStatusCompleted:
		s.applyComplete()
	case domain.RunStatusFailed:
		s.state = StateError
		if s.errorMessage == "" {
			s.errorMessage = snapshot.CurrentStep
		}
	case domain.RunStatusCancelled:
		s.state = StateError
		s.errorMessage = "run cancelled"
	default:
		if s.state != StateCompleted && s.state != StateError {
			s.state = StateRunning
		}
	}
}

func mergeByID(previous []PhaseView, defs []domain.PhaseDefinition) []PhaseView {
	known := make(map[string]PhaseView, len(previous))
	for _, phase := range previous {
		known[phase.ID] = phase
	}

	out := make([]PhaseView, 0, len(defs))
	for _, def := range defs {
		view := PhaseView{ID: def.ID, Label: labelFor(def.Label, def.ID), Status: SubPending}
		old, carried := known[def.ID]
		if carried {
			view.Status = old.Status
		}
		knownAgents := make(map[string]AgentView)
		if carried {
			for _, agent := range old.Agents {
				knownAgents[agent.Name] = agent
			}
		}
		for _, agentDef := range def.Agents {
			agent := AgentView{
				Name:   agentDef.Name,
				Label:  labelFor(agentDef.Label, agentDef.Name),
				Status: SubPending,
			}
			if oldAgent, ok := knownAgents[agentDef.Name]; ok {
				agent.Status = oldAgent.Status
				agent.Confidence = oldAgent.Confidence
			}
			view.Agents = append(view.Agents, agent)
		}
		out = append(out, view)
	}
	return out
}

func settled(status SubStatus) bool {
	return status == SubCompleted || status == SubFailed
}

func labelFor(label, fallback string) string {
	if label != "" {
		return label
	}
	return fallback
}

func clonePhases(phases []PhaseView) []PhaseView {
	out := make([]PhaseView, len(phases))
	for i, phase := range phases {
		out[i] = phase
		out[i].Agents = slices.Clone(phase.Agents)
	}
	return out
}
