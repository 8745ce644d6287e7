package domain

import (
	"testing"
	"time"
)

func TestNormalizeRunStatus(t *testing.T) {
	cases := map[string]RunStatus{
		"pending":    RunStatusPending,
		"created":    RunStatusPending,
		" Running ":  RunStatusRunning,
		"COMPLETED":  RunStatusCompleted,
		"failed":     RunStatusFailed,
		"cancelled":  RunStatusCancelled,
		"canceled":   RunStatusCancelled,
		"terminated": "",
		"":           "",
	}
	for raw, want := range cases {
		if got := NormalizeRunStatus(raw); got != want {
			t.Fatalf("NormalizeRunStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestCanTransitionRunStatus(t *testing.T) {
	allowed := [][2]RunStatus{
		{RunStatusPending, RunStatusRunning},
		{RunStatusPending, RunStatusFailed},
		{RunStatusPending, RunStatusCancelled},
		{RunStatusRunning, RunStatusCompleted},
		{RunStatusRunning, RunStatusFailed},
		{RunStatusRunning, RunStatusCancelled},
		{RunStatusFailed, RunStatusPending},
		{RunStatusRunning, RunStatusRunning},
	}
	for _, pair := range allowed {
		if !CanTransitionRunStatus(pair[0], pair[1]) {
			t.Fatalf("transition %s -> %s rejected", pair[0], pair[1])
		}
	}

	denied := [][2]RunStatus{
		{RunStatusCompleted, RunStatusRunning},
		{RunStatusCompleted, RunStatusPending},
		{RunStatusCancelled, RunStatusPending},
		{RunStatusFailed, RunStatusRunning},
		{RunStatusPending, RunStatusCompleted},
		{"", RunStatusRunning},
		{RunStatusRunning, ""},
	}
	for _, pair := range denied {
		if CanTransitionRunStatus(pair[0], pair[1]) {
			t.Fatalf("transition %s -> %s accepted", pair[0], pair[1])
		}
	}
}

func TestRunStatusTerminalAndActive(t *testing.T) {
	for _, status := range []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled} {
		if !status.Terminal() {
			t.Fatalf("%s not terminal", status)
		}
		if status.Active() {
			t.Fatalf("%s reported active", status)
		}
	}
	for _, status := range []RunStatus{RunStatusPending, RunStatusRunning} {
		if status.Terminal() {
			t.Fatalf("%s reported terminal", status)
		}
		if !status.Active() {
			t.Fatalf("%s not active", status)
		}
	}
}

func TestRunValidate(t *testing.T) {
	valid := Run{
		ID:         "run-1",
		PipelineID: "pipe-1",
		Status:     RunStatusPending,
		StartedAt:  time.Now(),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid run rejected: %v", err)
	}

	for name, run := range map[string]Run{
		"missing id":       {PipelineID: "pipe-1", Status: RunStatusPending},
		"missing pipeline": {ID: "run-1", Status: RunStatusPending},
		"bad status":       {ID: "run-1", PipelineID: "pipe-1", Status: "weird"},
		"bad progress":     {ID: "run-1", PipelineID: "pipe-1", Status: RunStatusRunning, Progress: 101},
	} {
		if err := run.Validate(); err == nil {
			t.Fatalf("%s accepted", name)
		}
	}
}
