package workflow

import "testing"

func TestValidateDAGRejectsSelfLoop(t *testing.T) {
	steps := []Step{{ID: "a", DependsOn: []string{"a"}}}
	if err := ValidateDAG(steps, 1); err == nil {
		t.Fatal("expected self-loop rejection")
	}
}

func TestValidateDAGRejectsUnknownDependency(t *testing.T) {
	steps := []Step{{ID: "a", DependsOn: []string{"ghost"}}}
	if err := ValidateDAG(steps, 1); err == nil {
		t.Fatal("expected unknown-dependency rejection")
	}
}

func TestValidateDAGRejectsDuplicateIDs(t *testing.T) {
	steps := []Step{{ID: "a"}, {ID: "a"}}
	if err := ValidateDAG(steps, 1); err == nil {
		t.Fatal("expected duplicate-id rejection")
	}
}

func TestValidateDAGRejectsCycle(t *testing.T) {
	steps := []Step{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	if err := ValidateDAG(steps, 1); err == nil {
		t.Fatal("expected cycle rejection")
	}
}

func TestValidateDAGRejectsZeroConcurrency(t *testing.T) {
	steps := []Step{{ID: "a"}}
	if err := ValidateDAG(steps, 0); err == nil {
		t.Fatal("expected maxConcurrency rejection")
	}
}

func TestValidateDAGAcceptsFanOut(t *testing.T) {
	steps := []Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
	}
	if err := ValidateDAG(steps, 2); err != nil {
		t.Fatalf("expected valid DAG, got %v", err)
	}
}

func TestReadySetRespectsDependencies(t *testing.T) {
	steps := []Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}
	results := map[string]*StepResult{
		"a": {Status: StepPending},
		"b": {Status: StepPending},
	}
	ready := readySet(steps, results, nil)
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("expected only 'a' ready, got %+v", ready)
	}

	results["a"].Status = StepCompleted
	ready = readySet(steps, results, nil)
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Fatalf("expected only 'b' ready once 'a' completed, got %+v", ready)
	}
}
