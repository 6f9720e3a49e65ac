package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomctl/loom/pkg/stores"
)

// recorder captures task completion order across goroutines.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) record(name string) {
	r.mu.Lock()
	r.order = append(r.order, name)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) index(name string) int {
	for i, n := range r.get() {
		if n == name {
			return i
		}
	}
	return -1
}

func newTestController(t *testing.T, reg *Registry) (*Controller, *stores.MemoryStore) {
	t.Helper()
	store := stores.NewMemoryStore()
	c, err := NewController(ControllerOptions{Registry: reg, Store: store})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c, store
}

func mustRegister(t *testing.T, reg *Registry, wf *Workflow) {
	t.Helper()
	if err := reg.CreateWorkflow(wf); err != nil {
		t.Fatalf("CreateWorkflow(%s): %v", wf.Name, err)
	}
}

func startAndWait(t *testing.T, c *Controller, name string) string {
	t.Helper()
	ctx := context.Background()
	id, err := c.Start(ctx, name, nil)
	if err != nil {
		t.Fatalf("Start(%s): %v", name, err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Wait(waitCtx, id); err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return id
}

func TestDiamondExecutionOrder(t *testing.T) {
	rec := &recorder{}
	mark := func(name string) Executor {
		return ExecutorFunc(func(context.Context, TaskContext) error {
			rec.record(name)
			return nil
		})
	}

	reg := NewRegistry()
	mustRegister(t, reg, &Workflow{
		Name: "diamond", Enabled: true,
		Tasks: []Task{
			{Name: "a", Run: mark("a")},
			{Name: "b", DependsOn: []string{"a"}, Run: mark("b")},
			{Name: "c", DependsOn: []string{"a"}, Run: mark("c")},
			{Name: "d", DependsOn: []string{"b", "c"}, Run: mark("d")},
		},
	})
	c, _ := newTestController(t, reg)
	id := startAndWait(t, c, "diamond")

	exec, err := c.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}

	order := rec.get()
	if len(order) != 4 {
		t.Fatalf("expected 4 task completions, got %v", order)
	}
	if order[0] != "a" {
		t.Errorf("a must complete first, got %v", order)
	}
	if order[3] != "d" {
		t.Errorf("d must complete last, got %v", order)
	}
	if rec.index("b") < rec.index("a") || rec.index("c") < rec.index("a") {
		t.Errorf("b and c must follow a, got %v", order)
	}

	result, err := c.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result.Summary != "4/4 tasks succeeded" {
		t.Errorf("unexpected summary: %q", result.Summary)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	attempts := 0
	var mu sync.Mutex

	reg := NewRegistry()
	mustRegister(t, reg, &Workflow{
		Name: "flaky", Enabled: true,
		Tasks: []Task{
			{Name: "broken", Retries: 2, Run: ExecutorFunc(func(context.Context, TaskContext) error {
				mu.Lock()
				attempts++
				mu.Unlock()
				return errors.New("boom")
			})},
			{Name: "downstream", DependsOn: []string{"broken"}, Run: ExecutorFunc(noopExec)},
		},
	})
	c, _ := newTestController(t, reg)
	id := startAndWait(t, c, "flaky")

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 3 {
		t.Errorf("retries=2 means 3 attempts, got %d", got)
	}

	result, err := c.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result.Status != ExecutionFailed {
		t.Errorf("expected failed, got %s", result.Status)
	}

	var skipped *TaskResult
	failures := 0
	for i := range result.TaskResults {
		tr := &result.TaskResults[i]
		switch tr.TaskName {
		case "broken":
			if tr.Outcome == OutcomeFailure {
				failures++
			}
		case "downstream":
			skipped = tr
		}
	}
	if failures != 3 {
		t.Errorf("expected 3 committed failures, got %d", failures)
	}
	if skipped == nil || skipped.Outcome != OutcomeSkipped {
		t.Fatalf("downstream must be skipped, got %+v", skipped)
	}
	if !strings.Contains(skipped.Message, "dependency") {
		t.Errorf("skip reason should name the failed dependency: %q", skipped.Message)
	}
}

func TestRetrySucceedsWithinBudget(t *testing.T) {
	attempts := 0
	var mu sync.Mutex

	reg := NewRegistry()
	mustRegister(t, reg, &Workflow{
		Name: "eventually", Enabled: true,
		Tasks: []Task{
			{Name: "shaky", Retries: 3, Run: ExecutorFunc(func(context.Context, TaskContext) error {
				mu.Lock()
				defer mu.Unlock()
				attempts++
				if attempts < 3 {
					return errors.New("not yet")
				}
				return nil
			})},
		},
	})
	c, _ := newTestController(t, reg)
	id := startAndWait(t, c, "eventually")

	result, err := c.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result.Status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s: %s", result.Status, result.Summary)
	}
	last := result.TaskResults[len(result.TaskResults)-1]
	if last.Attempt != 3 || last.Outcome != OutcomeSuccess {
		t.Errorf("expected success on attempt 3, got attempt=%d outcome=%s", last.Attempt, last.Outcome)
	}
}

func TestTaskTimeoutIsFailure(t *testing.T) {
	reg := NewRegistry()
	mustRegister(t, reg, &Workflow{
		Name: "slow", Enabled: true,
		Tasks: []Task{
			{Name: "sleepy", Timeout: 30 * time.Millisecond,
				Run: ExecutorFunc(func(ctx context.Context, _ TaskContext) error {
					select {
					case <-time.After(2 * time.Second):
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				})},
		},
	})
	c, _ := newTestController(t, reg)
	id := startAndWait(t, c, "slow")

	result, err := c.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result.Status != ExecutionFailed {
		t.Errorf("expected failed, got %s", result.Status)
	}
	if len(result.TaskResults) != 1 || result.TaskResults[0].Outcome != OutcomeTimeout {
		t.Errorf("expected a timeout outcome, got %+v", result.TaskResults)
	}
}

func TestStopDrainsAndCancels(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	reg := NewRegistry()
	mustRegister(t, reg, &Workflow{
		Name: "stoppable", Enabled: true,
		Tasks: []Task{
			{Name: "gate", Run: ExecutorFunc(func(context.Context, TaskContext) error {
				once.Do(func() { close(started) })
				<-release
				return nil
			})},
			{Name: "after", DependsOn: []string{"gate"}, Run: ExecutorFunc(noopExec)},
		},
	})
	c, _ := newTestController(t, reg)

	ctx := context.Background()
	id, err := c.Start(ctx, "stoppable", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	if err := c.Stop(ctx, id); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The in-flight attempt drains; only then does the execution settle.
	close(release)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Wait(waitCtx, id); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	result, err := c.GetResult(ctx, id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result.Status != ExecutionCancelled {
		t.Fatalf("expected cancelled, got %s", result.Status)
	}

	outcomes := make(map[string]TaskOutcome)
	for _, tr := range result.TaskResults {
		outcomes[tr.TaskName] = tr.Outcome
	}
	if outcomes["gate"] != OutcomeSuccess {
		t.Errorf("in-flight attempt must drain to completion, got %s", outcomes["gate"])
	}
	if outcomes["after"] != OutcomeSkipped {
		t.Errorf("pending task must be skipped on cancel, got %s", outcomes["after"])
	}
}

func TestPauseBlocksDispatchResumePicksUp(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	rec := &recorder{}

	reg := NewRegistry()
	mustRegister(t, reg, &Workflow{
		Name: "pausable", Enabled: true,
		Tasks: []Task{
			{Name: "first", Run: ExecutorFunc(func(context.Context, TaskContext) error {
				once.Do(func() { close(started) })
				<-release
				rec.record("first")
				return nil
			})},
			{Name: "second", DependsOn: []string{"first"}, Run: ExecutorFunc(func(context.Context, TaskContext) error {
				rec.record("second")
				return nil
			})},
		},
	})
	c, _ := newTestController(t, reg)

	ctx := context.Background()
	id, err := c.Start(ctx, "pausable", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	if err := c.Pause(ctx, id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release)

	// The in-flight attempt finishes, but nothing new dispatches.
	time.Sleep(100 * time.Millisecond)
	if got := rec.get(); len(got) != 1 || got[0] != "first" {
		t.Fatalf("expected only first to complete while paused, got %v", got)
	}
	exec, err := c.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if exec.Status != ExecutionPaused {
		t.Fatalf("expected paused, got %s", exec.Status)
	}

	if err := c.Resume(ctx, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Wait(waitCtx, id); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	exec, err = c.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if exec.Status != ExecutionCompleted {
		t.Errorf("pause/resume must not change the outcome, got %s", exec.Status)
	}
	if got := rec.get(); len(got) != 2 || got[1] != "second" {
		t.Errorf("expected [first second], got %v", got)
	}
}

func TestInvalidTransitions(t *testing.T) {
	reg := NewRegistry()
	mustRegister(t, reg, &Workflow{
		Name: "quick", Enabled: true,
		Tasks: []Task{{Name: "only", Run: ExecutorFunc(noopExec)}},
	})
	c, _ := newTestController(t, reg)
	id := startAndWait(t, c, "quick")

	ctx := context.Background()
	if err := c.Pause(ctx, id); !IsInvalidParam(err) {
		t.Errorf("pause on terminal execution: expected INVALID_PARAM, got %v", err)
	}
	if err := c.Resume(ctx, id); !IsInvalidParam(err) {
		t.Errorf("resume on terminal execution: expected INVALID_PARAM, got %v", err)
	}
	if err := c.Stop(ctx, id); !IsInvalidParam(err) {
		t.Errorf("stop on terminal execution: expected INVALID_PARAM, got %v", err)
	}
	if err := c.Stop(ctx, "no-such-id"); !IsNotFound(err) {
		t.Errorf("stop on unknown execution: expected NOT_FOUND, got %v", err)
	}
}

func TestStartRejections(t *testing.T) {
	reg := NewRegistry()
	mustRegister(t, reg, &Workflow{
		Name: "disabled", Enabled: false,
		Tasks: []Task{{Name: "only", Run: ExecutorFunc(noopExec)}},
	})
	c, _ := newTestController(t, reg)
	ctx := context.Background()

	if _, err := c.Start(ctx, "nope", nil); !IsNotFound(err) {
		t.Errorf("unknown workflow: expected NOT_FOUND, got %v", err)
	}

	// A disabled workflow looks like an unknown one to Start callers.
	if _, err := c.Start(ctx, "disabled", nil); !IsNotFound(err) {
		t.Errorf("disabled workflow: expected NOT_FOUND, got %v", err)
	}
}

func TestCapacityOneRunsInInsertionOrder(t *testing.T) {
	rec := &recorder{}
	mark := func(name string) Executor {
		return ExecutorFunc(func(context.Context, TaskContext) error {
			rec.record(name)
			return nil
		})
	}

	reg := NewRegistry()
	mustRegister(t, reg, &Workflow{
		Name: "serial", Enabled: true, MaxParallel: 1,
		Tasks: []Task{
			{Name: "one", Run: mark("one")},
			{Name: "two", Run: mark("two")},
			{Name: "three", Run: mark("three")},
		},
	})
	c, _ := newTestController(t, reg)
	startAndWait(t, c, "serial")

	got := rec.get()
	want := []string{"one", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("capacity 1 must dispatch in insertion order, got %v", got)
		}
	}
}

func TestRecoverResumesInterruptedExecution(t *testing.T) {
	store := stores.NewMemoryStore()
	reg := NewRegistry()

	wf := &Workflow{
		Name: "recoverable", Enabled: true,
		Tasks: []Task{
			{Name: "done", Executor: "ok"},
			{Name: "rest", DependsOn: []string{"done"}, Executor: "ok"},
		},
	}
	mustRegister(t, reg, wf)

	resolver := resolverFunc(func(name string) (Executor, error) {
		return ExecutorFunc(noopExec), nil
	})
	c, err := NewController(ControllerOptions{
		Registry: reg, Store: store, Resolver: resolver,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	// Simulate an execution interrupted after its first task committed.
	ctx := context.Background()
	snapJSON, err := json.Marshal(wf)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	snapshot := string(snapJSON)
	started := time.Now().UTC().Add(-time.Minute)
	if err := store.CreateExecution(ctx, &stores.ExecutionRecord{
		ID:           "exec-1",
		Workflow:     "recoverable",
		Status:       string(ExecutionRunning),
		Snapshot:     snapshot,
		CurrentTasks: "[]",
		StartedAt:    started,
	}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := store.AppendTaskResult(ctx, &stores.TaskResultRecord{
		ExecutionID: "exec-1", TaskName: "done", Attempt: 1,
		Outcome: string(OutcomeSuccess), StartedAt: started, CompletedAt: started,
	}); err != nil {
		t.Fatalf("AppendTaskResult: %v", err)
	}

	resumed, err := c.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("expected 1 resumed execution, got %d", resumed)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Wait(waitCtx, "exec-1"); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	result, err := c.GetResult(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result.Status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s: %s", result.Status, result.Summary)
	}

	// The already-committed task must not run again.
	doneAttempts := 0
	for _, tr := range result.TaskResults {
		if tr.TaskName == "done" {
			doneAttempts++
		}
	}
	if doneAttempts != 1 {
		t.Errorf("succeeded task must not be re-attempted, got %d attempts", doneAttempts)
	}
}

func TestListRunning(t *testing.T) {
	release := make(chan struct{})
	reg := NewRegistry()
	mustRegister(t, reg, &Workflow{
		Name: "longrunning", Enabled: true,
		Tasks: []Task{{Name: "gate", Run: ExecutorFunc(func(context.Context, TaskContext) error {
			<-release
			return nil
		})}},
	})
	c, _ := newTestController(t, reg)

	ctx := context.Background()
	id, err := c.Start(ctx, "longrunning", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		running := c.ListRunning(ctx)
		if len(running) == 1 && running[0].ID == id {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution never appeared in ListRunning: %v", running)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Wait(waitCtx, id); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if running := c.ListRunning(ctx); len(running) != 0 {
		t.Errorf("settled execution still listed as running: %v", running)
	}
}

func TestGetHistoryReturnsResults(t *testing.T) {
	reg := NewRegistry()
	mustRegister(t, reg, &Workflow{
		Name: "nightly", Enabled: true,
		Tasks: []Task{{Name: "only", Run: ExecutorFunc(noopExec)}},
	})
	mustRegister(t, reg, &Workflow{
		Name: "other", Enabled: true,
		Tasks: []Task{{Name: "only", Run: ExecutorFunc(noopExec)}},
	})
	c, _ := newTestController(t, reg)

	first := startAndWait(t, c, "nightly")
	second := startAndWait(t, c, "nightly")
	startAndWait(t, c, "other")

	ctx := context.Background()
	now := time.Now().UTC()
	results, err := c.GetHistory(ctx, "nightly", now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results for nightly, got %d", len(results))
	}
	if results[0].ExecutionID != first || results[1].ExecutionID != second {
		t.Errorf("results must be ordered by start time ascending, got [%s %s]",
			results[0].ExecutionID, results[1].ExecutionID)
	}
	for _, result := range results {
		if result.Status != ExecutionCompleted {
			t.Errorf("execution %s: expected completed, got %s", result.ExecutionID, result.Status)
		}
		if result.Summary != "1/1 tasks succeeded" {
			t.Errorf("execution %s: unexpected summary %q", result.ExecutionID, result.Summary)
		}
		if len(result.TaskResults) != 1 {
			t.Errorf("execution %s: expected 1 task result, got %d", result.ExecutionID, len(result.TaskResults))
		}
	}

	// A window that closed before the executions started matches nothing.
	results, err = c.GetHistory(ctx, "nightly", now.Add(-2*time.Hour), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results outside the window, got %d", len(results))
	}
}

func TestValidateDependencies(t *testing.T) {
	reg := NewRegistry()
	mustRegister(t, reg, &Workflow{
		Name: "sound", Enabled: true,
		Tasks: []Task{
			{Name: "a", Run: ExecutorFunc(noopExec)},
			{Name: "b", DependsOn: []string{"a"}, Run: ExecutorFunc(noopExec)},
		},
	})
	c, _ := newTestController(t, reg)

	if err := c.ValidateDependencies("sound"); err != nil {
		t.Errorf("valid graph: expected nil, got %v", err)
	}
	if err := c.ValidateDependencies("ghost"); !IsNotFound(err) {
		t.Errorf("unknown workflow: expected NOT_FOUND, got %v", err)
	}

	// Plant a cyclic definition behind the registration checks so the
	// controller-side validation has something to catch.
	reg.mu.Lock()
	reg.workflows["tangled"] = &Workflow{
		Name: "tangled",
		Tasks: []Task{
			{Name: "a", DependsOn: []string{"b"}},
			{Name: "b", DependsOn: []string{"a"}},
		},
	}
	reg.mu.Unlock()

	err := c.ValidateDependencies("tangled")
	if !IsInvalidParam(err) {
		t.Fatalf("cyclic graph: expected INVALID_PARAM, got %v", err)
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error should describe the cycle, got %q", err.Error())
	}
}

// resolverFunc adapts a function to ExecutorResolver for tests.
type resolverFunc func(name string) (Executor, error)

func (f resolverFunc) Resolve(name string) (Executor, error) { return f(name) }
