package workflow

import (
	"context"
	"strings"
	"testing"
)

func noopExec(context.Context, TaskContext) error { return nil }

func task(name string, deps ...string) Task {
	return Task{Name: name, DependsOn: deps, Run: ExecutorFunc(noopExec)}
}

func wf(name string, tasks ...Task) *Workflow {
	return &Workflow{Name: name, Enabled: true, Tasks: tasks}
}

func TestBuildGraphEmpty(t *testing.T) {
	g, err := BuildGraph(wf("empty"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Len() != 0 {
		t.Errorf("expected empty graph, got %d tasks", g.Len())
	}
	if ready := g.ReadySet(nil, nil); len(ready) != 0 {
		t.Errorf("expected empty ready set, got %v", ready)
	}
}

func TestBuildGraphSingleTask(t *testing.T) {
	g, err := BuildGraph(wf("single", task("a")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ready := g.ReadySet(map[string]bool{}, map[string]bool{"a": true})
	if len(ready) != 1 || ready[0] != "a" {
		t.Errorf("expected ready set [a], got %v", ready)
	}
}

func TestBuildGraphLinearChain(t *testing.T) {
	g, err := BuildGraph(wf("chain",
		task("a"),
		task("b", "a"),
		task("c", "b"),
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pending := map[string]bool{"a": true, "b": true, "c": true}
	ready := g.ReadySet(map[string]bool{}, pending)
	if len(ready) != 1 || ready[0] != "a" {
		t.Errorf("expected ready set [a], got %v", ready)
	}

	delete(pending, "a")
	ready = g.ReadySet(map[string]bool{"a": true}, pending)
	if len(ready) != 1 || ready[0] != "b" {
		t.Errorf("expected ready set [b], got %v", ready)
	}
}

func TestBuildGraphDiamond(t *testing.T) {
	g, err := BuildGraph(wf("diamond",
		task("a"),
		task("b", "a"),
		task("c", "a"),
		task("d", "b", "c"),
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pending := map[string]bool{"b": true, "c": true, "d": true}
	ready := g.ReadySet(map[string]bool{"a": true}, pending)
	if len(ready) != 2 || ready[0] != "b" || ready[1] != "c" {
		t.Errorf("expected ready set [b c] in insertion order, got %v", ready)
	}

	ready = g.ReadySet(map[string]bool{"a": true, "b": true}, map[string]bool{"d": true})
	if len(ready) != 0 {
		t.Errorf("d should not be ready while c is unsatisfied, got %v", ready)
	}

	ready = g.ReadySet(map[string]bool{"a": true, "b": true, "c": true}, map[string]bool{"d": true})
	if len(ready) != 1 || ready[0] != "d" {
		t.Errorf("expected ready set [d], got %v", ready)
	}
}

func TestBuildGraphDuplicateName(t *testing.T) {
	_, err := BuildGraph(wf("dup", task("a"), task("a")))
	if !IsAlreadyExists(err) {
		t.Errorf("expected ALREADY_EXISTS error, got %v", err)
	}
}

func TestBuildGraphUnknownDependency(t *testing.T) {
	_, err := BuildGraph(wf("unknown", task("a", "ghost")))
	if !IsInvalidParam(err) {
		t.Fatalf("expected INVALID_PARAM error, got %v", err)
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error should name the missing dependency: %v", err)
	}
}

func TestBuildGraphSelfDependency(t *testing.T) {
	_, err := BuildGraph(wf("self", task("a", "a")))
	if !IsInvalidParam(err) {
		t.Errorf("expected INVALID_PARAM error, got %v", err)
	}
}

func TestBuildGraphCycle(t *testing.T) {
	_, err := BuildGraph(wf("cycle",
		task("a", "c"),
		task("b", "a"),
		task("c", "b"),
	))
	if !IsInvalidParam(err) {
		t.Fatalf("expected INVALID_PARAM error, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "circular dependency") {
		t.Errorf("error should report the cycle: %v", err)
	}
	// The full cycle path is part of the message.
	for _, name := range []string{"a", "b", "c"} {
		if !strings.Contains(msg, name) {
			t.Errorf("cycle path should contain %q: %v", name, err)
		}
	}
}

func TestBuildGraphCycleInLargerGraph(t *testing.T) {
	_, err := BuildGraph(wf("partial-cycle",
		task("ok"),
		task("a", "b"),
		task("b", "a"),
	))
	if !IsInvalidParam(err) {
		t.Errorf("expected INVALID_PARAM error, got %v", err)
	}
}

func TestTransitiveDependents(t *testing.T) {
	g, err := BuildGraph(wf("deps",
		task("a"),
		task("b", "a"),
		task("c", "b"),
		task("d", "a"),
		task("e"),
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := g.TransitiveDependents("a")
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v in insertion order, got %v", want, got)
			break
		}
	}

	if deps := g.TransitiveDependents("e"); len(deps) != 0 {
		t.Errorf("e has no dependents, got %v", deps)
	}
}

func TestReadySetIsPure(t *testing.T) {
	g, err := BuildGraph(wf("pure", task("a"), task("b", "a")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	satisfied := map[string]bool{"a": true}
	pending := map[string]bool{"b": true}
	first := g.ReadySet(satisfied, pending)
	second := g.ReadySet(satisfied, pending)
	if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
		t.Errorf("ReadySet must be repeatable: %v vs %v", first, second)
	}
	if !pending["b"] || !satisfied["a"] {
		t.Error("ReadySet must not mutate its inputs")
	}
}
