package executor

import (
	"testing"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/graph/graphtest"
)

func TestNewDispatchKeepsPlannedUpstreamOnly(t *testing.T) {
	g := graphtest.Linear(t)
	d, err := NewDispatch(g, domain.ReexecutionPlan{
		RunID:        "run-2",
		PipelineName: "linear",
		Steps:        []string{"B", "C"},
	})
	if err != nil {
		t.Fatalf("new dispatch: %v", err)
	}
	if len(d.Upstream["B"]) != 0 {
		t.Fatalf("B upstream should exclude unplanned A: %v", d.Upstream["B"])
	}
	if got := d.Upstream["C"]; len(got) != 1 || got[0] != "B" {
		t.Fatalf("C upstream = %v", got)
	}
	if got := d.Outputs["C"]; len(got) != 1 || got[0] != "out" {
		t.Fatalf("C outputs = %v", got)
	}
}

func TestNewDispatchRequiresRunID(t *testing.T) {
	if _, err := NewDispatch(graphtest.Linear(t), domain.ReexecutionPlan{Steps: []string{"A"}}); err == nil {
		t.Fatalf("expected error")
	}
}
