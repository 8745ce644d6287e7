package domain

import "time"

// EventType tags one progress stream record.
type EventType string

const (
	EventConnected   EventType = "connected"
	EventPlanCreated EventType = "plan_created"
	EventPhaseStart  EventType = "phase_start"
	EventAgentStart  EventType = "agent_start"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
	EventSnapshot    EventType = "snapshot"
	EventPing        EventType = "ping"
)

// Snapshot is a point-in-time serialization of a run's checkpoint, the
// authoritative record clients reconcile against.
type Snapshot struct {
	Status           RunStatus          `json:"status"`
	Progress         int                `json:"progress"`
	CurrentStep      string             `json:"currentStep"`
	CurrentPhase     string             `json:"currentPhase"`
	CompletedAgents  []string           `json:"completedAgents"`
	FailedAgents     []string           `json:"failedAgents"`
	AgentConfidences map[string]float64 `json:"agentConfidences"`
	StartedAt        time.Time          `json:"startedAt"`
}

// ProgressEvent is the ephemeral wire record streamed to subscribers.
// Delivery is at-least-once; applying any event must be idempotent.
type ProgressEvent struct {
	Type          EventType `json:"type"`
	RunID         string    `json:"runId,omitempty"`
	EnabledPhases []string  `json:"enabledPhases,omitempty"`
	Phase         string    `json:"phase,omitempty"`
	Agent         string    `json:"agent,omitempty"`
	Message       string    `json:"message,omitempty"`
	*Snapshot
}

func ConnectedEvent(runID string) ProgressEvent {
	return ProgressEvent{Type: EventConnected, RunID: runID}
}

func PlanCreatedEvent(runID string, enabledPhases []string) ProgressEvent {
	return ProgressEvent{Type: EventPlanCreated, RunID: runID, EnabledPhases: enabledPhases}
}

func PhaseStartEvent(runID, phase string) ProgressEvent {
	return ProgressEvent{Type: EventPhaseStart, RunID: runID, Phase: phase}
}

func AgentStartEvent(runID, phase, agent string) ProgressEvent {
	return ProgressEvent{Type: EventAgentStart, RunID: runID, Phase: phase, Agent: agent}
}

func CompleteEvent(runID string) ProgressEvent {
	return ProgressEvent{Type: EventComplete, RunID: runID}
}

func ErrorEvent(runID, message string) ProgressEvent {
	return ProgressEvent{Type: EventError, RunID: runID, Message: message}
}

func PingEvent() ProgressEvent {
	return ProgressEvent{Type: EventPing}
}

func SnapshotEvent(runID string, snapshot Snapshot) ProgressEvent {
	if snapshot.CompletedAgents == nil {
		snapshot.CompletedAgents = []string{}
	}
	if snapshot.FailedAgents == nil {
		snapshot.FailedAgents = []string{}
	}
	if snapshot.AgentConfidences == nil {
		snapshot.AgentConfidences = map[string]float64{}
	}
	return ProgressEvent{Type: EventSnapshot, RunID: runID, Snapshot: &snapshot}
}
