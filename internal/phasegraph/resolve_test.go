package phasegraph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
)

func TestResolveEmptySelectionYieldsDefaultPlan(t *testing.T) {
	plan, err := Resolve(testPhases(), nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if plan.Kind != domain.PlanKindDefault {
		t.Fatalf("want default plan, got %s", plan.Kind)
	}
	if len(plan.Phases) != 3 {
		t.Fatalf("default plan must keep every phase, got %d", len(plan.Phases))
	}
}

func TestResolveSubsetDropsDependenciesOnOmittedPhases(t *testing.T) {
	plan, err := Resolve(testPhases(), []string{"discovery", "report"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if plan.Kind != domain.PlanKindCustom {
		t.Fatalf("want custom plan, got %s", plan.Kind)
	}
	if len(plan.Phases) != 2 {
		t.Fatalf("want 2 phases, got %d", len(plan.Phases))
	}
	report, ok := plan.Phase("report")
	if !ok {
		t.Fatal("report phase missing")
	}
	if len(report.DependsOn) != 0 {
		t.Fatalf("dependency on omitted analysis should be dropped, got %v", report.DependsOn)
	}
}

func TestResolveRejectsUnknownPhase(t *testing.T) {
	if _, err := Resolve(testPhases(), []string{"nope"}); err == nil {
		t.Fatal("expected unknown phase error")
	}
}

func TestResolveDoesNotMutateBase(t *testing.T) {
	base := testPhases()
	if _, err := Resolve(base, []string{"discovery", "report"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(base[2].DependsOn) != 1 || base[2].DependsOn[0] != "analysis" {
		t.Fatalf("base phases mutated: %v", base[2].DependsOn)
	}
}

func TestLoadFile(t *testing.T) {
	doc := `
phases:
  - id: discovery
    label: Discovery
    agents:
      - name: crawler
        label: Crawler
  - id: report
    label: Report
    depends_on: [discovery]
    agents:
      - name: reporter
        label: Reporter
`
	path := filepath.Join(t.TempDir(), "phases.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	phases, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if len(phases) != 2 {
		t.Fatalf("want 2 phases, got %d", len(phases))
	}
	if phases[1].ID != "report" || len(phases[1].DependsOn) != 1 {
		t.Fatalf("unexpected phase: %+v", phases[1])
	}
}

func TestLoadFileRejectsInvalidGraph(t *testing.T) {
	doc := `
phases:
  - id: a
    label: A
    depends_on: [b]
    agents:
      - name: one
        label: One
  - id: b
    label: B
    depends_on: [a]
    agents:
      - name: two
        label: Two
`
	path := filepath.Join(t.TempDir(), "phases.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected cycle error")
	}
}
