package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/stores"
	"github.com/loomctl/loom/pkg/telemetry"
)

// taskState is the scheduler's view of one task within an execution.
type taskState struct {
	status TaskStatus
	// attempts is the highest attempt number committed so far.
	attempts int
}

// runner drives a single execution from pending to a terminal status. Each
// execution gets its own runner goroutine; a single mutex serializes all
// state transitions, and every transition is committed to the store while
// the lock is held.
type runner struct {
	mu sync.Mutex

	exec     *Execution
	wf       *Workflow
	graph    *Graph
	states   map[string]*taskState
	snapshot string

	store   stores.ExecutionStore
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	// slots bounds concurrent task attempts within this execution.
	slots chan struct{}

	// wake nudges the scheduling loop after an attempt settles or a
	// control transition lands. Buffered so signalling never blocks.
	wake chan struct{}

	// done is closed when the execution reaches a terminal status.
	done chan struct{}

	finalErr error
}

// newRunner builds a runner for an execution whose record has already been
// created in the store. The workflow must be bound and its graph validated.
func newRunner(
	exec *Execution,
	wf *Workflow,
	graph *Graph,
	states map[string]*taskState,
	snapshot string,
	store stores.ExecutionStore,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	events *telemetry.EventPublisher,
) *runner {
	if states == nil {
		states = make(map[string]*taskState, len(wf.Tasks))
		for i := range wf.Tasks {
			states[wf.Tasks[i].Name] = &taskState{status: TaskPending}
		}
	}

	capacity := wf.MaxParallel
	if capacity <= 0 {
		capacity = len(wf.Tasks)
	}

	return &runner{
		exec:     exec,
		wf:       wf,
		graph:    graph,
		states:   states,
		snapshot: snapshot,
		store:    store,
		logger:   logger.WithExecutionID(exec.ID).WithWorkflow(exec.Workflow),
		metrics:  metrics,
		tracer:   tracer,
		events:   events,
		slots:    make(chan struct{}, capacity),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// run is the scheduling loop. It evaluates the execution state, dispatches
// ready tasks, and blocks until an attempt settles or a control transition
// lands. There is no polling; the loop only advances on events.
func (r *runner) run(ctx context.Context) {
	ctx, span := r.tracer.StartExecutionSpan(ctx, r.exec.ID, r.exec.Workflow)
	defer span.End()
	defer close(r.done)

	r.metrics.RecordExecutionStarted(r.exec.Workflow)
	r.events.Publish(telemetry.Event{
		Type:        telemetry.EventExecutionStarted,
		ExecutionID: r.exec.ID,
		Workflow:    r.exec.Workflow,
	})
	r.logger.Info("execution started")

	for {
		r.mu.Lock()
		finished := r.evaluate(ctx)
		r.mu.Unlock()
		if finished {
			break
		}

		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.abandon(ctx.Err())
			r.mu.Unlock()
			telemetry.RecordError(span, ctx.Err())
			return
		case <-r.wake:
		}
	}

	r.mu.Lock()
	status := r.exec.Status
	err := r.finalErr
	r.mu.Unlock()

	if err != nil {
		telemetry.RecordError(span, err)
	} else if status == ExecutionCompleted {
		telemetry.RecordSuccess(span)
	}
	r.logger.WithField("status", status).Info("execution finished")
}

// evaluate advances the execution as far as it can without blocking. It
// returns true once the execution has reached a terminal status. Callers
// must hold r.mu.
func (r *runner) evaluate(ctx context.Context) bool {
	r.skipCascade(ctx)

	if r.exec.Status == ExecutionStopping && r.runningCount() == 0 {
		r.skipRemaining(ctx, "cancelled")
	}

	if r.allTerminal() && r.runningCount() == 0 {
		r.finish(ctx)
		return true
	}

	if r.exec.Status == ExecutionPaused || r.exec.Status == ExecutionStopping {
		return false
	}

	r.dispatchReady(ctx)
	return false
}

// skipCascade marks pending tasks skipped when any of their dependencies
// reached failed, skipped, or cancelled. Runs to a fixpoint so transitive
// dependents cascade in one pass.
func (r *runner) skipCascade(ctx context.Context) {
	for {
		changed := false
		for _, name := range r.graph.TaskNames() {
			st := r.states[name]
			if st.status != TaskPending {
				continue
			}
			for _, dep := range r.graph.Dependencies(name) {
				ds := r.states[dep].status
				if ds == TaskFailed || ds == TaskSkipped || ds == TaskCancelled {
					r.skipTask(ctx, name, fmt.Sprintf("dependency %q failed", dep))
					changed = true
					break
				}
			}
		}
		if !changed {
			return
		}
	}
}

// skipRemaining marks every still-pending task skipped with the given
// reason. Used when a stopping execution has drained its running attempts.
func (r *runner) skipRemaining(ctx context.Context, reason string) {
	for _, name := range r.graph.TaskNames() {
		if r.states[name].status == TaskPending {
			r.skipTask(ctx, name, reason)
		}
	}
}

// skipTask commits a skip record for a task that will never be attempted.
func (r *runner) skipTask(ctx context.Context, name, reason string) {
	now := time.Now().UTC()
	res := TaskResult{
		TaskName:    name,
		Attempt:     0,
		Outcome:     OutcomeSkipped,
		Message:     reason,
		StartedAt:   now,
		CompletedAt: now,
	}
	if err := r.store.AppendTaskResult(ctx, recordFromTaskResult(r.exec.ID, res)); err != nil {
		r.logger.WithTask(name).WithError(err).Error("failed to commit skip record")
	}
	r.states[name].status = TaskSkipped

	r.metrics.RecordTaskAttempt(r.exec.Workflow, string(OutcomeSkipped), 0)
	r.events.Publish(telemetry.Event{
		Type:        telemetry.EventTaskSkipped,
		Level:       telemetry.EventLevelWarn,
		ExecutionID: r.exec.ID,
		Workflow:    r.exec.Workflow,
		Task:        name,
		Message:     reason,
	})
	r.logger.WithTask(name).Warnf("task skipped: %s", reason)
}

// dispatchReady starts every ready task for which a worker slot is free.
// Tasks are considered in workflow insertion order, which is the tie-break
// order when capacity is contended.
func (r *runner) dispatchReady(ctx context.Context) {
	satisfied := make(map[string]bool, len(r.states))
	pending := make(map[string]bool, len(r.states))
	for name, st := range r.states {
		switch st.status {
		case TaskSucceeded:
			satisfied[name] = true
		case TaskPending:
			pending[name] = true
		}
	}

	for _, name := range r.graph.ReadySet(satisfied, pending) {
		select {
		case r.slots <- struct{}{}:
		default:
			return
		}

		if r.exec.Status == ExecutionPending {
			r.exec.Status = ExecutionRunning
		}

		st := r.states[name]
		st.status = TaskRunning
		attempt := st.attempts + 1
		st.attempts = attempt

		r.refreshCurrentTasks()
		r.commitExecution(ctx)

		r.metrics.TaskDispatched()
		r.events.Publish(telemetry.Event{
			Type:        telemetry.EventTaskStarted,
			ExecutionID: r.exec.ID,
			Workflow:    r.exec.Workflow,
			Task:        name,
			Attempt:     attempt,
		})

		task, _ := r.graph.Task(name)
		go r.runAttempt(ctx, task, attempt)
	}
}

// runAttempt executes one task attempt outside the runner lock. The attempt
// context carries the per-attempt deadline when the task declares a timeout.
// A stop request never cancels this context; in-flight attempts drain.
func (r *runner) runAttempt(ctx context.Context, task *Task, attempt int) {
	ctx, span := r.tracer.StartTaskSpan(ctx, r.exec.ID, task.Name, attempt)
	defer span.End()

	attemptCtx := ctx
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	tc := TaskContext{
		ExecutionID: r.exec.ID,
		Workflow:    r.exec.Workflow,
		TaskName:    task.Name,
		Attempt:     attempt,
		Params:      task.Params,
		UserData:    r.exec.UserData,
	}

	started := time.Now().UTC()
	err := task.Run.Execute(attemptCtx, tc)
	completed := time.Now().UTC()

	outcome := OutcomeSuccess
	message := ""
	switch {
	case err == nil:
		telemetry.RecordSuccess(span)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		outcome = OutcomeTimeout
		message = fmt.Sprintf("attempt exceeded timeout %s", task.Timeout)
		telemetry.RecordError(span, err)
	case errors.Is(err, context.Canceled):
		outcome = OutcomeCancelled
		message = "attempt cancelled"
		telemetry.RecordError(span, err)
	default:
		outcome = OutcomeFailure
		message = err.Error()
		telemetry.RecordError(span, err)
	}

	r.settle(ctx, task, TaskResult{
		TaskName:    task.Name,
		Attempt:     attempt,
		Outcome:     outcome,
		Message:     message,
		StartedAt:   started,
		CompletedAt: completed,
	})
}

// settle commits an attempt result, updates the task state, releases the
// worker slot, and wakes the scheduling loop.
func (r *runner) settle(ctx context.Context, task *Task, res TaskResult) {
	r.mu.Lock()

	if err := r.store.AppendTaskResult(ctx, recordFromTaskResult(r.exec.ID, res)); err != nil {
		r.logger.WithTask(task.Name).WithError(err).Error("failed to commit task result")
	}

	st := r.states[task.Name]
	evt := telemetry.Event{
		ExecutionID: r.exec.ID,
		Workflow:    r.exec.Workflow,
		Task:        task.Name,
		Attempt:     res.Attempt,
		Message:     res.Message,
	}

	switch {
	case res.Outcome == OutcomeSuccess:
		st.status = TaskSucceeded
		evt.Type = telemetry.EventTaskSucceeded
	case res.Outcome == OutcomeCancelled:
		st.status = TaskCancelled
		evt.Type = telemetry.EventTaskFailed
		evt.Level = telemetry.EventLevelWarn
	case res.Outcome.Failed() && res.Attempt <= task.Retries:
		// Retry budget left. The task returns to pending; its already
		// satisfied dependencies are not re-checked.
		st.status = TaskPending
		evt.Type = telemetry.EventTaskRetrying
		evt.Level = telemetry.EventLevelWarn
		r.metrics.RecordTaskRetry(r.exec.Workflow)
	default:
		st.status = TaskFailed
		if res.Outcome == OutcomeTimeout {
			evt.Type = telemetry.EventTaskTimeout
		} else {
			evt.Type = telemetry.EventTaskFailed
		}
		evt.Level = telemetry.EventLevelError
	}

	settled := st.status
	r.refreshCurrentTasks()
	r.commitExecution(ctx)
	r.mu.Unlock()

	r.metrics.RecordTaskAttempt(r.exec.Workflow, string(res.Outcome), res.Duration())
	r.metrics.TaskSettled()
	r.events.Publish(evt)

	log := r.logger.WithTask(task.Name).WithField("attempt", res.Attempt)
	switch settled {
	case TaskSucceeded:
		log.Debug("task succeeded")
	case TaskPending:
		log.Warnf("task attempt failed, retrying: %s", res.Message)
	default:
		log.Errorf("task %s: %s", settled, res.Message)
	}

	<-r.slots
	r.signal()
}

// finish commits the terminal execution status. Callers must hold r.mu.
func (r *runner) finish(ctx context.Context) {
	var status ExecutionStatus
	switch {
	case r.exec.Status == ExecutionStopping:
		status = ExecutionCancelled
	case r.allSucceeded():
		status = ExecutionCompleted
	default:
		status = ExecutionFailed
	}

	now := time.Now().UTC()
	r.exec.Status = status
	r.exec.CompletedAt = &now
	r.exec.CurrentTasks = nil
	r.commitExecution(ctx)

	duration := now.Sub(r.exec.StartedAt)
	r.metrics.RecordExecutionCompleted(r.exec.Workflow, string(status), duration)

	evtType := telemetry.EventExecutionCompleted
	level := telemetry.EventLevelInfo
	switch status {
	case ExecutionFailed:
		evtType = telemetry.EventExecutionFailed
		level = telemetry.EventLevelError
		r.finalErr = NewPermanentError("execution failed", nil).
			WithCode(CodeFailed).WithWorkflow(r.exec.Workflow).WithExecution(r.exec.ID)
	case ExecutionCancelled:
		evtType = telemetry.EventExecutionCancelled
		level = telemetry.EventLevelWarn
	}
	r.events.Publish(telemetry.Event{
		Type:        evtType,
		Level:       level,
		ExecutionID: r.exec.ID,
		Workflow:    r.exec.Workflow,
	})
}

// abandon marks in-flight tasks cancelled when the engine context is torn
// down before the execution settles. The execution record keeps its current
// status; restart recovery resumes it from the committed attempt log.
func (r *runner) abandon(cause error) {
	r.logger.WithError(cause).Warn("execution abandoned, recoverable on restart")
	r.metrics.RecordExecutionCompleted(r.exec.Workflow, "abandoned", time.Since(r.exec.StartedAt))
	r.finalErr = cause
}

// transition applies an external control transition (pause, resume, stop).
func (r *runner) transition(ctx context.Context, target ExecutionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.exec.Status.canTransition(target) {
		return NewPermanentError(
			fmt.Sprintf("cannot transition from %s to %s", r.exec.Status, target), nil).
			WithCode(CodeInvalidParam).WithExecution(r.exec.ID)
	}

	prev := r.exec.Status
	r.exec.Status = target
	r.commitExecution(ctx)

	var evtType telemetry.EventType
	switch target {
	case ExecutionPaused:
		evtType = telemetry.EventExecutionPaused
	case ExecutionRunning:
		evtType = telemetry.EventExecutionResumed
	case ExecutionStopping:
		evtType = telemetry.EventExecutionCancelled
	}
	r.events.Publish(telemetry.Event{
		Type:        evtType,
		ExecutionID: r.exec.ID,
		Workflow:    r.exec.Workflow,
		Message:     fmt.Sprintf("%s -> %s", prev, target),
	})
	r.logger.Infof("execution %s -> %s", prev, target)

	r.signal()
	return nil
}

// status returns a copy of the current execution state.
func (r *runner) status() Execution {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *r.exec
	cp.CurrentTasks = append([]string(nil), r.exec.CurrentTasks...)
	return cp
}

// signal wakes the scheduling loop without blocking.
func (r *runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// commitExecution writes the execution record through the store. Callers
// must hold r.mu; a transition is only observable after this returns.
func (r *runner) commitExecution(ctx context.Context) {
	rec, err := recordFromExecution(r.exec, r.snapshot)
	if err != nil {
		r.logger.WithError(err).Error("failed to encode execution record")
		return
	}
	if err := r.store.UpdateExecution(ctx, rec); err != nil {
		r.logger.WithError(err).Error("failed to commit execution record")
	}
}

// refreshCurrentTasks rebuilds the dispatched-task list in insertion order.
// Callers must hold r.mu.
func (r *runner) refreshCurrentTasks() {
	current := make([]string, 0, cap(r.slots))
	for _, name := range r.graph.TaskNames() {
		if r.states[name].status == TaskRunning {
			current = append(current, name)
		}
	}
	r.exec.CurrentTasks = current
}

// runningCount returns the number of currently dispatched tasks. Callers
// must hold r.mu.
func (r *runner) runningCount() int {
	n := 0
	for _, st := range r.states {
		if st.status == TaskRunning {
			n++
		}
	}
	return n
}

// allTerminal reports whether every task reached a terminal status. Callers
// must hold r.mu.
func (r *runner) allTerminal() bool {
	for _, st := range r.states {
		if !st.status.IsTerminal() {
			return false
		}
	}
	return true
}

// allSucceeded reports whether every task succeeded. Callers must hold r.mu.
func (r *runner) allSucceeded() bool {
	for _, st := range r.states {
		if st.status != TaskSucceeded {
			return false
		}
	}
	return true
}
