package clientsync

import (
	"testing"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
)

func testCatalog() []domain.PhaseDefinition {
	return []domain.PhaseDefinition{
		{
			ID:    "discovery",
			Label: "Discovery",
			Agents: []domain.AgentDefinition{
				{Name: "crawler", Label: "Crawler"},
				{Name: "extractor", Label: "Extractor"},
			},
		},
		{
			ID:    "analysis",
			Label: "Analysis",
			Agents: []domain.AgentDefinition{
				{Name: "analyzer", Label: "Analyzer"},
			},
			DependsOn: []string{"discovery"},
		},
		{
			ID:    "report",
			Label: "Report",
			Agents: []domain.AgentDefinition{
				{Name: "reporter", Label: "Reporter"},
			},
			DependsOn: []string{"analysis"},
		},
	}
}

func phaseByID(t *testing.T, view View, id string) PhaseView {
	t.Helper()
	for _, phase := range view.Phases {
		if phase.ID == id {
			return phase
		}
	}
	t.Fatalf("phase %s not in view", id)
	return PhaseView{}
}

func agentByName(t *testing.T, phase PhaseView, name string) AgentView {
	t.Helper()
	for _, agent := range phase.Agents {
		if agent.Name == name {
			return agent
		}
	}
	t.Fatalf("agent %s not in phase %s", name, phase.ID)
	return AgentView{}
}

func TestInitialViewIsIdleWithPendingPhases(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	view := s.View()
	if view.State != StateIdle {
		t.Fatalf("state = %s, want idle", view.State)
	}
	if len(view.Phases) != 3 {
		t.Fatalf("phases = %d, want 3", len(view.Phases))
	}
	for _, phase := range view.Phases {
		if phase.Status != SubPending {
			t.Fatalf("phase %s status = %s, want pending", phase.ID, phase.Status)
		}
	}
	if got := phaseByID(t, view, "discovery").Label; got != "Discovery" {
		t.Fatalf("label = %q, want Discovery", got)
	}
}

func TestConnectedMovesToRunning(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	s.Connecting()
	if got := s.View().State; got != StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}

	s.Apply(domain.ConnectedEvent("run-1"))
	if got := s.View().State; got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
}

func TestPingLeavesViewUntouched(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	s.Apply(domain.PingEvent())

	if got := s.View().State; got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	if got := len(s.Transcript()); got != 0 {
		t.Fatalf("transcript length = %d, want 0", got)
	}
}

func TestPlanCreatedSelectsAndOrdersPhases(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	s.Apply(domain.PlanCreatedEvent("run-1", []string{"discovery", "report"}))

	view := s.View()
	if len(view.Phases) != 2 {
		t.Fatalf("phases = %d, want 2", len(view.Phases))
	}
	if view.Phases[0].ID != "discovery" || view.Phases[1].ID != "report" {
		t.Fatalf("phase order = %s,%s", view.Phases[0].ID, view.Phases[1].ID)
	}
}

func TestPlanReplacementPreservesKnownStatus(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	s.Apply(domain.PhaseStartEvent("run-1", "discovery"))
	s.Apply(domain.AgentStartEvent("run-1", "discovery", "crawler"))
	s.Apply(domain.PlanCreatedEvent("run-1", []string{"discovery", "analysis"}))

	phase := phaseByID(t, s.View(), "discovery")
	if phase.Status != SubActive {
		t.Fatalf("discovery status = %s, want active", phase.Status)
	}
	if got := agentByName(t, phase, "crawler").Status; got != SubActive {
		t.Fatalf("crawler status = %s, want active", got)
	}
}

func TestPlanWithUnknownPhasesFallsBackToCatalog(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	s.Apply(domain.PlanCreatedEvent("run-1", []string{"nonexistent"}))

	if got := len(s.View().Phases); got != 3 {
		t.Fatalf("phases = %d, want full catalog of 3", got)
	}
}

func TestPhaseStartCompletesEarlierPhases(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	s.Apply(domain.PhaseStartEvent("run-1", "report"))

	view := s.View()
	for _, id := range []string{"discovery", "analysis"} {
		phase := phaseByID(t, view, id)
		if phase.Status != SubCompleted {
			t.Fatalf("phase %s status = %s, want completed", id, phase.Status)
		}
		for _, agent := range phase.Agents {
			if agent.Status != SubCompleted {
				t.Fatalf("agent %s status = %s, want completed", agent.Name, agent.Status)
			}
		}
	}
	if got := phaseByID(t, view, "report").Status; got != SubActive {
		t.Fatalf("report status = %s, want active", got)
	}
	if got := view.CurrentStep; got != "Report" {
		t.Fatalf("current step = %q, want Report", got)
	}
	if got := view.State; got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
}

func TestAgentStartActivatesPhaseAndAgent(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	s.Apply(domain.AgentStartEvent("run-1", "discovery", "extractor"))

	view := s.View()
	phase := phaseByID(t, view, "discovery")
	if phase.Status != SubActive {
		t.Fatalf("phase status = %s, want active", phase.Status)
	}
	if got := agentByName(t, phase, "extractor").Status; got != SubActive {
		t.Fatalf("agent status = %s, want active", got)
	}
	if got := view.CurrentStep; got != "Extractor" {
		t.Fatalf("current step = %q, want Extractor", got)
	}
}

func TestDuplicateEventsAreIdempotent(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	for i := 0; i < 3; i++ {
		s.Apply(domain.AgentStartEvent("run-1", "discovery", "crawler"))
	}

	phase := phaseByID(t, s.View(), "discovery")
	if got := agentByName(t, phase, "crawler").Status; got != SubActive {
		t.Fatalf("crawler status = %s, want active", got)
	}
}

func TestCompleteSettlesEverything(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	s.Apply(domain.PhaseStartEvent("run-1", "discovery"))
	s.Apply(domain.CompleteEvent("run-1"))

	view := s.View()
	if view.State != StateCompleted {
		t.Fatalf("state = %s, want completed", view.State)
	}
	if view.Progress != 100 {
		t.Fatalf("progress = %d, want 100", view.Progress)
	}
	for _, phase := range view.Phases {
		if phase.Status != SubCompleted {
			t.Fatalf("phase %s status = %s, want completed", phase.ID, phase.Status)
		}
	}
	if !s.Terminal() {
		t.Fatal("expected terminal state")
	}
}

func TestErrorEventEntersErrorState(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	s.Apply(domain.ErrorEvent("run-1", "crawler exploded"))

	view := s.View()
	if view.State != StateError {
		t.Fatalf("state = %s, want error", view.State)
	}
	if view.ErrorMessage != "crawler exploded" {
		t.Fatalf("error message = %q", view.ErrorMessage)
	}
	if !s.Terminal() {
		t.Fatal("expected terminal state")
	}
}

func TestSnapshotRecomputesStatuses(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	// A stale live event claims the report phase is active; the snapshot
	// says the run is still in analysis.
	s.Apply(domain.PhaseStartEvent("run-1", "report"))

	s.Apply(domain.SnapshotEvent("run-1", domain.Snapshot{
		Status:          domain.RunStatusRunning,
		Progress:        50,
		CurrentStep:     "Analyzer",
		CurrentPhase:    "analysis",
		CompletedAgents: []string{"crawler", "extractor"},
		AgentConfidences: map[string]float64{
			"crawler": 0.9,
		},
	}))

	view := s.View()
	if view.State != StateRunning {
		t.Fatalf("state = %s, want running", view.State)
	}
	if view.Progress != 50 {
		t.Fatalf("progress = %d, want 50", view.Progress)
	}
	if view.CurrentStep != "Analyzer" {
		t.Fatalf("current step = %q, want Analyzer", view.CurrentStep)
	}

	discovery := phaseByID(t, view, "discovery")
	if discovery.Status != SubCompleted {
		t.Fatalf("discovery status = %s, want completed", discovery.Status)
	}
	if got := agentByName(t, discovery, "crawler").Confidence; got != 0.9 {
		t.Fatalf("crawler confidence = %v, want 0.9", got)
	}

	analysis := phaseByID(t, view, "analysis")
	if analysis.Status != SubActive {
		t.Fatalf("analysis status = %s, want active", analysis.Status)
	}

	report := phaseByID(t, view, "report")
	if report.Status != SubPending {
		t.Fatalf("report status = %s, want pending", report.Status)
	}
}

func TestSnapshotIsIdempotent(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	snapshot := domain.Snapshot{
		Status:          domain.RunStatusRunning,
		Progress:        33,
		CurrentPhase:    "analysis",
		CompletedAgents: []string{"crawler", "extractor"},
	}
	s.Apply(domain.SnapshotEvent("run-1", snapshot))
	first := s.View()
	s.Apply(domain.SnapshotEvent("run-1", snapshot))
	second := s.View()

	if first.State != second.State || first.Progress != second.Progress {
		t.Fatalf("views diverged: %+v vs %+v", first, second)
	}
	for i := range first.Phases {
		if first.Phases[i].Status != second.Phases[i].Status {
			t.Fatalf("phase %s diverged: %s vs %s",
				first.Phases[i].ID, first.Phases[i].Status, second.Phases[i].Status)
		}
	}
}

func TestSnapshotMarksPhaseFailedOnlyWhenSettled(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	// One discovery agent failed, the other is still running.
	s.Apply(domain.SnapshotEvent("run-1", domain.Snapshot{
		Status:       domain.RunStatusRunning,
		CurrentPhase: "discovery",
		FailedAgents: []string{"crawler"},
	}))
	if got := phaseByID(t, s.View(), "discovery").Status; got != SubActive {
		t.Fatalf("discovery status = %s, want active while extractor runs", got)
	}

	// Both settled, one failed.
	s.Apply(domain.SnapshotEvent("run-1", domain.Snapshot{
		Status:          domain.RunStatusRunning,
		CurrentPhase:    "analysis",
		CompletedAgents: []string{"extractor"},
		FailedAgents:    []string{"crawler"},
	}))
	if got := phaseByID(t, s.View(), "discovery").Status; got != SubFailed {
		t.Fatalf("discovery status = %s, want failed", got)
	}
}

func TestTerminalSnapshotCompleted(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	s.Apply(domain.SnapshotEvent("run-1", domain.Snapshot{
		Status:          domain.RunStatusCompleted,
		Progress:        100,
		CompletedAgents: []string{"crawler", "extractor", "analyzer", "reporter"},
	}))

	view := s.View()
	if view.State != StateCompleted {
		t.Fatalf("state = %s, want completed", view.State)
	}
	if view.Progress != 100 {
		t.Fatalf("progress = %d, want 100", view.Progress)
	}
	if !s.Terminal() {
		t.Fatal("expected terminal state")
	}
}

func TestTerminalSnapshotFailedUsesCurrentStepAsMessage(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	s.Apply(domain.SnapshotEvent("run-1", domain.Snapshot{
		Status:       domain.RunStatusFailed,
		CurrentStep:  "agent crawler failed",
		CurrentPhase: "discovery",
		FailedAgents: []string{"crawler"},
	}))

	view := s.View()
	if view.State != StateError {
		t.Fatalf("state = %s, want error", view.State)
	}
	if view.ErrorMessage != "agent crawler failed" {
		t.Fatalf("error message = %q", view.ErrorMessage)
	}
}

func TestTerminalSnapshotCancelled(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	s.Apply(domain.SnapshotEvent("run-1", domain.Snapshot{
		Status: domain.RunStatusCancelled,
	}))

	view := s.View()
	if view.State != StateError {
		t.Fatalf("state = %s, want error", view.State)
	}
	if view.ErrorMessage != "run cancelled" {
		t.Fatalf("error message = %q", view.ErrorMessage)
	}
}

func TestConnectionLostIsPersistent(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	s.ConnectionLost()

	view := s.View()
	if view.State != StateError || !view.ConnectionLost {
		t.Fatalf("view = %+v, want persistent error state", view)
	}
	if !s.Terminal() {
		t.Fatal("expected terminal state")
	}
}

func TestViewReturnsDeepCopy(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	view := s.View()
	view.Phases[0].Status = SubFailed
	view.Phases[0].Agents[0].Status = SubFailed

	fresh := phaseByID(t, s.View(), "discovery")
	if fresh.Status != SubPending {
		t.Fatalf("internal phase status mutated to %s", fresh.Status)
	}
	if got := agentByName(t, fresh, "crawler").Status; got != SubPending {
		t.Fatalf("internal agent status mutated to %s", got)
	}
}

func TestTranscriptRecordsVisibleEvents(t *testing.T) {
	s := NewSynchronizer(testCatalog(), 0)

	s.Apply(domain.ConnectedEvent("run-1"))
	s.Apply(domain.PingEvent())
	s.Apply(domain.PhaseStartEvent("run-1", "discovery"))
	s.Apply(domain.CompleteEvent("run-1"))

	events := s.Transcript()
	if len(events) != 3 {
		t.Fatalf("transcript length = %d, want 3", len(events))
	}
	if events[0].Type != domain.EventConnected || events[2].Type != domain.EventComplete {
		t.Fatalf("transcript order = %s..%s", events[0].Type, events[2].Type)
	}
}
