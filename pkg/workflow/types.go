package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// TaskContext carries execution-scoped information into a task executor.
type TaskContext struct {
	// ExecutionID is the id of the execution the attempt belongs to.
	ExecutionID string

	// Workflow is the name of the workflow being executed.
	Workflow string

	// TaskName is the name of the task being attempted.
	TaskName string

	// Attempt is the 1-indexed attempt number.
	Attempt int

	// Params are the task's declared parameters.
	Params map[string]string

	// UserData is the opaque data supplied when the execution was started.
	UserData json.RawMessage
}

// Executor is the single capability a task executable exposes. Variants wrap
// calls into resource access, rule evaluation, or agent invocation uniformly;
// the engine only interprets the returned error.
type Executor interface {
	Execute(ctx context.Context, tc TaskContext) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, tc TaskContext) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, tc TaskContext) error {
	return f(ctx, tc)
}

// ExecutorResolver resolves a serializable executor reference to a runnable
// Executor. Implemented by the executors package registry.
type ExecutorResolver interface {
	Resolve(name string) (Executor, error)
}

// Task is a named unit of work within a workflow.
type Task struct {
	// Name uniquely identifies the task within its workflow.
	Name string `json:"name"`

	// DependsOn lists the names of tasks that must succeed before this
	// task is dispatched. Order is preserved but not semantically relevant.
	DependsOn []string `json:"depends_on,omitempty"`

	// Executor is a serializable reference resolved through an
	// ExecutorResolver when the workflow is loaded from a definition file.
	Executor string `json:"executor,omitempty"`

	// Params are free-form parameters passed to the executor.
	Params map[string]string `json:"params,omitempty"`

	// Timeout bounds a single attempt. Zero means no deadline.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Retries is the maximum number of retry attempts after the first
	// failure. A task runs at most Retries+1 times.
	Retries int `json:"retries,omitempty"`

	// Description is a human-readable description.
	Description string `json:"description,omitempty"`

	// Run is the bound executable. It takes precedence over the Executor
	// reference and is never serialized.
	Run Executor `json:"-"`
}

// taskJSON is the wire form of Task. Timeouts are encoded as Go duration
// strings so definitions round-trip losslessly and stay human-editable.
type taskJSON struct {
	Name        string            `json:"name"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Executor    string            `json:"executor,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Timeout     string            `json:"timeout,omitempty"`
	Retries     int               `json:"retries,omitempty"`
	Description string            `json:"description,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (t Task) MarshalJSON() ([]byte, error) {
	w := taskJSON{
		Name:        t.Name,
		DependsOn:   t.DependsOn,
		Executor:    t.Executor,
		Params:      t.Params,
		Retries:     t.Retries,
		Description: t.Description,
	}
	if t.Timeout > 0 {
		w.Timeout = t.Timeout.String()
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Task) UnmarshalJSON(data []byte) error {
	var w taskJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.Name = w.Name
	t.DependsOn = w.DependsOn
	t.Executor = w.Executor
	t.Params = w.Params
	t.Retries = w.Retries
	t.Description = w.Description
	t.Timeout = 0
	if w.Timeout != "" {
		d, err := time.ParseDuration(w.Timeout)
		if err != nil {
			return NewPermanentError("invalid task timeout", err).
				WithCode(CodeInvalidParam).WithTask(w.Name)
		}
		t.Timeout = d
	}
	return nil
}

// Clone returns a deep copy of the task, including the executable binding.
func (t Task) Clone() Task {
	c := t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	if t.Params != nil {
		c.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	return c
}

// Equal reports structural equality, ignoring the bound executable.
func (t Task) Equal(o Task) bool {
	if t.Name != o.Name || t.Executor != o.Executor ||
		t.Timeout != o.Timeout || t.Retries != o.Retries ||
		t.Description != o.Description {
		return false
	}
	if len(t.DependsOn) != len(o.DependsOn) {
		return false
	}
	for i := range t.DependsOn {
		if t.DependsOn[i] != o.DependsOn[i] {
			return false
		}
	}
	if len(t.Params) != len(o.Params) {
		return false
	}
	for k, v := range t.Params {
		if o.Params[k] != v {
			return false
		}
	}
	return true
}

// Workflow is a named, versioned definition of a task DAG.
type Workflow struct {
	// Name uniquely identifies the workflow in the registry.
	Name string `json:"name"`

	// Version distinguishes revisions of the same workflow.
	Version string `json:"version,omitempty"`

	// Description is a human-readable description.
	Description string `json:"description,omitempty"`

	// Enabled gates new starts. In-flight executions are unaffected.
	Enabled bool `json:"enabled"`

	// MaxParallel bounds concurrent task attempts within one execution.
	// Zero means the engine default applies.
	MaxParallel int `json:"max_parallel,omitempty"`

	// Tasks is the ordered task collection. Insertion order is the
	// tie-break order when capacity is contended.
	Tasks []Task `json:"tasks"`
}

// Task returns the task with the given name, if present.
func (w *Workflow) Task(name string) (*Task, bool) {
	for i := range w.Tasks {
		if w.Tasks[i].Name == name {
			return &w.Tasks[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the workflow definition. Executions snapshot
// the definition through Clone so later registry edits cannot affect them.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Tasks = make([]Task, len(w.Tasks))
	for i := range w.Tasks {
		c.Tasks[i] = w.Tasks[i].Clone()
	}
	return &c
}

// Equal reports structural equality: same tasks, dependencies, and flags.
// Bound executables are not compared.
func (w *Workflow) Equal(o *Workflow) bool {
	if o == nil {
		return false
	}
	if w.Name != o.Name || w.Version != o.Version ||
		w.Description != o.Description || w.Enabled != o.Enabled ||
		w.MaxParallel != o.MaxParallel || len(w.Tasks) != len(o.Tasks) {
		return false
	}
	for i := range w.Tasks {
		if !w.Tasks[i].Equal(o.Tasks[i]) {
			return false
		}
	}
	return true
}

// Bind resolves executor references for all tasks that have no bound
// executable yet. Tasks with neither a binding nor a reference are rejected.
func (w *Workflow) Bind(resolver ExecutorResolver) error {
	for i := range w.Tasks {
		t := &w.Tasks[i]
		if t.Run != nil {
			continue
		}
		if t.Executor == "" {
			return NewPermanentError("task has no executor", nil).
				WithCode(CodeInvalidParam).WithWorkflow(w.Name).WithTask(t.Name)
		}
		exec, err := resolver.Resolve(t.Executor)
		if err != nil {
			return NewPermanentError("unresolvable executor reference", err).
				WithCode(CodeInvalidParam).WithWorkflow(w.Name).WithTask(t.Name)
		}
		t.Run = exec
	}
	return nil
}

// Execution is one run instance of a workflow.
type Execution struct {
	// ID is the unique execution identifier, generated at start time.
	ID string `json:"id"`

	// Workflow and WorkflowVersion reference the definition snapshot the
	// execution was started from.
	Workflow        string `json:"workflow"`
	WorkflowVersion string `json:"workflow_version,omitempty"`

	// Status is the current execution status.
	Status ExecutionStatus `json:"status"`

	// StartedAt is when the execution was created.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the execution reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// CurrentTasks lists the names of currently dispatched tasks.
	CurrentTasks []string `json:"current_tasks,omitempty"`

	// UserData is opaque caller-supplied data.
	UserData json.RawMessage `json:"user_data,omitempty"`
}

// TaskResult records one task attempt within an execution. The latest result
// per task is authoritative for graph-progress decisions.
type TaskResult struct {
	// TaskName is the task the attempt belongs to.
	TaskName string `json:"task_name"`

	// Attempt is the 1-indexed attempt number.
	Attempt int `json:"attempt"`

	// Outcome is the attempt outcome.
	Outcome TaskOutcome `json:"outcome"`

	// Message carries the error text on failure, or a skip reason.
	Message string `json:"message,omitempty"`

	// StartedAt and CompletedAt bound the attempt.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Duration returns the attempt duration.
func (r TaskResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Result is the derived, read-only summary of an execution.
type Result struct {
	// ExecutionID is the execution this result summarizes.
	ExecutionID string `json:"execution_id"`

	// Workflow is the workflow name.
	Workflow string `json:"workflow"`

	// Status is the overall execution status.
	Status ExecutionStatus `json:"status"`

	// TaskResults lists every recorded attempt in commit order.
	TaskResults []TaskResult `json:"task_results"`

	// StartedAt is the execution start time.
	StartedAt time.Time `json:"started_at"`

	// Duration is the total execution duration. Zero while still running.
	Duration time.Duration `json:"duration"`

	// Summary is a free-text summary of the outcome.
	Summary string `json:"summary"`
}
