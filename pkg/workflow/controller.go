package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/pkg/stores"
	"github.com/loomctl/loom/pkg/telemetry"
)

// ControllerOptions configures a Controller. Registry and Store are
// required; nil telemetry collaborators fall back to no-op implementations.
type ControllerOptions struct {
	Registry *Registry
	Store    stores.ExecutionStore

	// Resolver resolves serializable executor references at start time.
	// Optional when every task carries a bound executable.
	Resolver ExecutorResolver

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher

	// DefaultMaxParallel applies to workflows that do not declare their own
	// parallelism bound. Zero means unbounded.
	DefaultMaxParallel int
}

// Controller owns the lifecycle of workflow executions: starting them,
// applying control transitions, answering status and result queries, and
// recovering interrupted executions after a restart.
type Controller struct {
	registry *Registry
	store    stores.ExecutionStore
	resolver ExecutorResolver

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	defaultMaxParallel int

	mu      sync.Mutex
	runners map[string]*runner

	// baseCtx outlives any single request so executions are not tied to
	// caller contexts. Cancelled only as a last resort during shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewController creates an execution controller.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Registry == nil {
		return nil, NewPermanentError("registry is required", nil).WithCode(CodeInvalidParam)
	}
	if opts.Store == nil {
		return nil, NewPermanentError("store is required", nil).WithCode(CodeInvalidParam)
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "loom", "", "")
	}
	events := opts.Events
	if events == nil {
		events = telemetry.NewEventPublisher()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		registry:           opts.Registry,
		store:              opts.Store,
		resolver:           opts.Resolver,
		logger:             logger.NewComponentLogger("controller"),
		metrics:            metrics,
		tracer:             tracer,
		events:             events,
		defaultMaxParallel: opts.DefaultMaxParallel,
		runners:            make(map[string]*runner),
		baseCtx:            ctx,
		cancel:             cancel,
	}, nil
}

// Events returns the controller's event publisher.
func (c *Controller) Events() *telemetry.EventPublisher {
	return c.events
}

// Start begins a new execution of the named workflow and returns its id.
// The workflow definition is snapshotted at this point; later registry
// edits do not affect the running execution.
func (c *Controller) Start(ctx context.Context, workflowName string, userData json.RawMessage) (string, error) {
	wf, err := c.registry.GetInfo(workflowName)
	if err != nil {
		return "", err
	}
	if !wf.Enabled {
		// Disabled workflows are invisible to Start callers.
		return "", NewPermanentError("workflow is disabled", nil).
			WithCode(CodeNotFound).WithWorkflow(workflowName)
	}

	snapshot := wf.Clone()
	if snapshot.MaxParallel == 0 {
		snapshot.MaxParallel = c.defaultMaxParallel
	}
	if c.resolver != nil {
		if err := snapshot.Bind(c.resolver); err != nil {
			return "", err
		}
	}

	graph, err := BuildGraph(snapshot)
	if err != nil {
		return "", err
	}
	for _, name := range graph.TaskNames() {
		task, _ := graph.Task(name)
		if task.Run == nil {
			return "", NewPermanentError("task has no bound executable", nil).
				WithCode(CodeInvalidParam).WithWorkflow(workflowName).WithTask(name)
		}
	}

	snapJSON, err := json.Marshal(snapshot)
	if err != nil {
		return "", NewPermanentError("encode workflow snapshot", err).
			WithCode(CodeInternal).WithWorkflow(workflowName)
	}

	exec := &Execution{
		ID:              uuid.New().String(),
		Workflow:        snapshot.Name,
		WorkflowVersion: snapshot.Version,
		Status:          ExecutionPending,
		StartedAt:       time.Now().UTC(),
		UserData:        userData,
	}

	rec, err := recordFromExecution(exec, string(snapJSON))
	if err != nil {
		return "", err
	}
	if err := c.store.CreateExecution(ctx, rec); err != nil {
		return "", NewTransientError("create execution record", err).
			WithCode(CodeInternal).WithWorkflow(workflowName)
	}

	r := newRunner(exec, snapshot, graph, nil, string(snapJSON),
		c.store, c.logger, c.metrics, c.tracer, c.events)

	c.mu.Lock()
	c.runners[exec.ID] = r
	c.mu.Unlock()

	go func() {
		r.run(c.baseCtx)
		c.mu.Lock()
		delete(c.runners, exec.ID)
		c.mu.Unlock()
	}()

	c.logger.WithWorkflow(workflowName).WithExecutionID(exec.ID).Info("execution started")
	return exec.ID, nil
}

// Stop requests cooperative cancellation of an execution. Pending tasks are
// skipped; already-dispatched attempts drain before the execution settles
// as cancelled. Stop does not block until the terminal status; use Wait.
func (c *Controller) Stop(ctx context.Context, id string) error {
	return c.applyTransition(ctx, id, ExecutionStopping)
}

// Pause suspends dispatch of new tasks. In-flight attempts finish naturally.
func (c *Controller) Pause(ctx context.Context, id string) error {
	return c.applyTransition(ctx, id, ExecutionPaused)
}

// Resume continues a paused execution.
func (c *Controller) Resume(ctx context.Context, id string) error {
	return c.applyTransition(ctx, id, ExecutionRunning)
}

func (c *Controller) applyTransition(ctx context.Context, id string, target ExecutionStatus) error {
	c.mu.Lock()
	r, ok := c.runners[id]
	c.mu.Unlock()

	if ok {
		return r.transition(ctx, target)
	}

	rec, err := c.store.GetExecution(ctx, id)
	if err != nil {
		var nf *stores.NotFoundError
		if errors.As(err, &nf) {
			return errNotFound("execution", id)
		}
		return NewTransientError("load execution record", err).
			WithCode(CodeInternal).WithExecution(id)
	}
	return NewPermanentError(
		fmt.Sprintf("cannot transition from %s to %s", rec.Status, target), nil).
		WithCode(CodeInvalidParam).WithExecution(id)
}

// GetStatus returns the current state of an execution. Live executions are
// answered from memory; settled ones from the store.
func (c *Controller) GetStatus(ctx context.Context, id string) (*Execution, error) {
	c.mu.Lock()
	r, ok := c.runners[id]
	c.mu.Unlock()

	if ok {
		exec := r.status()
		return &exec, nil
	}

	rec, err := c.store.GetExecution(ctx, id)
	if err != nil {
		var nf *stores.NotFoundError
		if errors.As(err, &nf) {
			return nil, errNotFound("execution", id)
		}
		return nil, NewTransientError("load execution record", err).
			WithCode(CodeInternal).WithExecution(id)
	}
	return executionFromRecord(rec)
}

// GetResult returns the full result of an execution, including every
// committed task attempt. Available for both live and settled executions;
// for live ones the result reflects progress so far.
func (c *Controller) GetResult(ctx context.Context, id string) (*Result, error) {
	exec, err := c.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}

	recs, err := c.store.ListTaskResults(ctx, id)
	if err != nil {
		return nil, NewTransientError("load task results", err).
			WithCode(CodeInternal).WithExecution(id)
	}
	results := make([]TaskResult, len(recs))
	for i, rec := range recs {
		results[i] = taskResultFromRecord(rec)
	}

	var duration time.Duration
	if exec.CompletedAt != nil {
		duration = exec.CompletedAt.Sub(exec.StartedAt)
	}

	return &Result{
		ExecutionID: exec.ID,
		Workflow:    exec.Workflow,
		Status:      exec.Status,
		TaskResults: results,
		StartedAt:   exec.StartedAt,
		Duration:    duration,
		Summary:     summarize(exec.Status, results),
	}, nil
}

// summarize builds the human-readable outcome line of a result.
func summarize(status ExecutionStatus, results []TaskResult) string {
	final := make(map[string]TaskOutcome)
	for _, res := range results {
		final[res.TaskName] = res.Outcome
	}

	var succeeded, failed, skipped int
	for _, outcome := range final {
		switch {
		case outcome == OutcomeSuccess:
			succeeded++
		case outcome == OutcomeSkipped:
			skipped++
		case outcome.Failed():
			failed++
		}
	}
	total := len(final)

	switch status {
	case ExecutionCompleted:
		return fmt.Sprintf("%d/%d tasks succeeded", succeeded, total)
	case ExecutionFailed:
		return fmt.Sprintf("%d/%d tasks succeeded, %d failed, %d skipped",
			succeeded, total, failed, skipped)
	case ExecutionCancelled:
		return fmt.Sprintf("cancelled after %d/%d tasks succeeded, %d skipped",
			succeeded, total, skipped)
	default:
		return fmt.Sprintf("%s, %d/%d tasks succeeded", status, succeeded, total)
	}
}

// ListRunning returns the executions currently managed by this engine,
// ordered by start time.
func (c *Controller) ListRunning(_ context.Context) []Execution {
	c.mu.Lock()
	out := make([]Execution, 0, len(c.runners))
	for _, r := range c.runners {
		out = append(out, r.status())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// GetHistory returns results for executions of the named workflow whose
// start time falls within [from, to], both bounds inclusive, oldest first.
func (c *Controller) GetHistory(ctx context.Context, workflowName string, from, to time.Time) ([]*Result, error) {
	recs, err := c.store.History(ctx, workflowName, from, to)
	if err != nil {
		return nil, NewTransientError("load history", err).
			WithCode(CodeInternal).WithWorkflow(workflowName)
	}

	out := make([]*Result, 0, len(recs))
	for _, rec := range recs {
		result, err := c.GetResult(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, nil
}

// ValidateDependencies validates the dependency graph of a registered
// workflow without starting it.
func (c *Controller) ValidateDependencies(workflowName string) error {
	wf, err := c.registry.GetInfo(workflowName)
	if err != nil {
		return err
	}
	_, err = BuildGraph(wf)
	return err
}

// Recover resumes executions left non-terminal by a previous process. The
// task graph is rebuilt from the definition snapshot on each record and the
// scheduler state from the committed attempt log. Attempts that were in
// flight at shutdown are retried without consuming retry budget. Returns
// the number of resumed executions.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	resumed := 0
	for _, status := range []ExecutionStatus{
		ExecutionPending, ExecutionRunning, ExecutionPaused, ExecutionStopping,
	} {
		recs, err := c.store.ListExecutions(ctx, string(status), 0, 0)
		if err != nil {
			return resumed, NewTransientError("list recoverable executions", err).
				WithCode(CodeInternal)
		}
		for _, rec := range recs {
			if err := c.resume(ctx, rec); err != nil {
				c.logger.WithExecutionID(rec.ID).WithError(err).
					Error("failed to recover execution")
				continue
			}
			resumed++
		}
	}
	return resumed, nil
}

// resume rebuilds and launches the runner for one interrupted execution.
func (c *Controller) resume(ctx context.Context, rec *stores.ExecutionRecord) error {
	c.mu.Lock()
	_, live := c.runners[rec.ID]
	c.mu.Unlock()
	if live {
		return nil
	}

	exec, err := executionFromRecord(rec)
	if err != nil {
		return err
	}
	wf, err := snapshotFromRecord(rec)
	if err != nil {
		return err
	}
	if c.resolver != nil {
		if err := wf.Bind(c.resolver); err != nil {
			return err
		}
	}
	graph, err := BuildGraph(wf)
	if err != nil {
		return err
	}

	results, err := c.store.ListTaskResults(ctx, rec.ID)
	if err != nil {
		return NewTransientError("load task results", err).
			WithCode(CodeInternal).WithExecution(rec.ID)
	}
	states := reconstructStates(wf, results)
	exec.CurrentTasks = nil

	r := newRunner(exec, wf, graph, states, rec.Snapshot,
		c.store, c.logger, c.metrics, c.tracer, c.events)

	c.mu.Lock()
	c.runners[exec.ID] = r
	c.mu.Unlock()

	go func() {
		r.run(c.baseCtx)
		c.mu.Lock()
		delete(c.runners, exec.ID)
		c.mu.Unlock()
	}()

	c.logger.WithExecutionID(exec.ID).WithWorkflow(exec.Workflow).
		WithField("status", exec.Status).Info("execution recovered")
	return nil
}

// Wait blocks until the execution reaches a terminal status or the context
// is cancelled.
func (c *Controller) Wait(ctx context.Context, id string) error {
	c.mu.Lock()
	r, ok := c.runners[id]
	c.mu.Unlock()

	if !ok {
		// Already settled or unknown; a status query distinguishes the two.
		_, err := c.GetStatus(ctx, id)
		return err
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown waits for live executions to settle. If the context expires
// first, remaining executions are abandoned; their committed state makes
// them recoverable on the next start.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	live := make([]*runner, 0, len(c.runners))
	for _, r := range c.runners {
		live = append(live, r)
	}
	c.mu.Unlock()

	for _, r := range live {
		select {
		case <-r.done:
		case <-ctx.Done():
			c.cancel()
			return ctx.Err()
		}
	}
	c.cancel()
	return nil
}
