package dag

import (
	"reflect"
	"testing"
)

func TestBuild_LinearOrder(t *testing.T) {
	plan, err := Build([]StageNode{
		{Name: "checkout"},
		{Name: "build", DependsOn: []string{"checkout"}},
		{Name: "test", DependsOn: []string{"build"}},
		{Name: "deploy", DependsOn: []string{"test"}},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := []string{"checkout", "build", "test", "deploy"}
	if !reflect.DeepEqual(plan.TopologicalOrder(), want) {
		t.Errorf("got %v, want %v", plan.TopologicalOrder(), want)
	}
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build([]StageNode{{Name: "build", DependsOn: []string{"missing"}}})
	if _, ok := err.(*UnknownDependencyError); !ok {
		t.Fatalf("got %v, want *UnknownDependencyError", err)
	}
}

func TestBuild_DuplicateStage(t *testing.T) {
	_, err := Build([]StageNode{{Name: "build"}, {Name: "build"}})
	if _, ok := err.(*DuplicateStageError); !ok {
		t.Fatalf("got %v, want *DuplicateStageError", err)
	}
}

func TestBuild_CycleRejection(t *testing.T) {
	_, err := Build([]StageNode{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	})
	cycleErr, ok := err.(*CycleError)
	if !ok {
		t.Fatalf("got %v, want *CycleError", err)
	}
	if len(cycleErr.Cycle) < 2 {
		t.Errorf("expected a reported cycle, got %v", cycleErr.Cycle)
	}
}

func TestFanOutFanIn_Ready(t *testing.T) {
	plan, err := Build([]StageNode{
		{Name: "checkout"},
		{Name: "lint", DependsOn: []string{"checkout"}},
		{Name: "unit-test", DependsOn: []string{"checkout"}},
		{Name: "report", DependsOn: []string{"lint", "unit-test"}},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ready := plan.Ready(map[string]struct{}{})
	if !reflect.DeepEqual(ready, []string{"checkout"}) {
		t.Fatalf("initial ready = %v, want [checkout]", ready)
	}

	ready = plan.Ready(map[string]struct{}{"checkout": {}})
	if !reflect.DeepEqual(ready, []string{"lint", "unit-test"}) {
		t.Fatalf("after checkout ready = %v, want [lint unit-test]", ready)
	}

	ready = plan.Ready(map[string]struct{}{"checkout": {}, "lint": {}, "unit-test": {}})
	if !reflect.DeepEqual(ready, []string{"report"}) {
		t.Fatalf("after leaves ready = %v, want [report]", ready)
	}
}

func TestDependenciesAndDependentsOf(t *testing.T) {
	plan, err := Build([]StageNode{
		{Name: "checkout"},
		{Name: "build", DependsOn: []string{"checkout"}},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !reflect.DeepEqual(plan.DependenciesOf("build"), []string{"checkout"}) {
		t.Errorf("got %v", plan.DependenciesOf("build"))
	}
	if !reflect.DeepEqual(plan.DependentsOf("checkout"), []string{"build"}) {
		t.Errorf("got %v", plan.DependentsOf("checkout"))
	}
}
