package workflow

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SchedulePolicy selects how a registered workflow gets started.
type SchedulePolicy string

const (
	// PolicyImmediate starts the workflow once, as soon as the schedule is
	// applied.
	PolicyImmediate SchedulePolicy = "immediate"

	// PolicyScheduled starts the workflow on a cron expression.
	PolicyScheduled SchedulePolicy = "scheduled"

	// PolicyConditional starts the workflow when a boolean condition
	// expression evaluates to true. The condition is polled.
	PolicyConditional SchedulePolicy = "conditional"
)

// Schedule attaches a start policy to a registered workflow.
type Schedule struct {
	// Workflow is the name of the workflow the schedule applies to.
	Workflow string `json:"workflow"`

	// Policy selects the trigger mechanism.
	Policy SchedulePolicy `json:"policy"`

	// Cron is the cron expression for the scheduled policy.
	Cron string `json:"cron,omitempty"`

	// Condition is the boolean expression for the conditional policy.
	Condition string `json:"condition,omitempty"`

	// PollInterval is how often the condition is re-evaluated. Zero means
	// the engine default applies.
	PollInterval time.Duration `json:"poll_interval,omitempty"`
}

// Validate checks the schedule's policy-specific requirements.
func (s *Schedule) Validate() error {
	switch s.Policy {
	case PolicyImmediate:
		return nil
	case PolicyScheduled:
		if s.Cron == "" {
			return NewPermanentError("scheduled policy requires a cron expression", nil).
				WithCode(CodeInvalidParam).WithWorkflow(s.Workflow)
		}
		return nil
	case PolicyConditional:
		if s.Condition == "" {
			return NewPermanentError("conditional policy requires a condition expression", nil).
				WithCode(CodeInvalidParam).WithWorkflow(s.Workflow)
		}
		return nil
	default:
		return NewPermanentError(
			fmt.Sprintf("unknown schedule policy %q", s.Policy), nil).
			WithCode(CodeInvalidParam).WithWorkflow(s.Workflow)
	}
}

// Registry holds workflow definitions, templates, and schedules. All
// methods are safe for concurrent use. Definitions handed out by GetInfo
// are deep copies; registry edits never affect running executions, which
// snapshot the definition at start time.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	templates map[string]*Template
	schedules map[string]*Schedule
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]*Workflow),
		templates: make(map[string]*Template),
		schedules: make(map[string]*Schedule),
	}
}

// CreateWorkflow registers a new workflow definition. The dependency graph
// is validated before registration; invalid definitions never enter the
// registry.
func (r *Registry) CreateWorkflow(wf *Workflow) error {
	if wf.Name == "" {
		return NewPermanentError("workflow has empty name", nil).WithCode(CodeInvalidParam)
	}
	if _, err := BuildGraph(wf); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[wf.Name]; exists {
		return errAlreadyExists("workflow", wf.Name)
	}
	r.workflows[wf.Name] = wf.Clone()
	return nil
}

// AddTask appends a task to a registered workflow. The resulting graph is
// validated; on any error the workflow is left unchanged.
func (r *Registry) AddTask(workflowName string, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, exists := r.workflows[workflowName]
	if !exists {
		return errNotFound("workflow", workflowName)
	}

	candidate := wf.Clone()
	candidate.Tasks = append(candidate.Tasks, task.Clone())
	if _, err := BuildGraph(candidate); err != nil {
		return err
	}
	r.workflows[workflowName] = candidate
	return nil
}

// UpdateTask replaces a task by name. The resulting graph is validated; on
// any error the workflow is left unchanged.
func (r *Registry) UpdateTask(workflowName string, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, exists := r.workflows[workflowName]
	if !exists {
		return errNotFound("workflow", workflowName)
	}

	candidate := wf.Clone()
	replaced := false
	for i := range candidate.Tasks {
		if candidate.Tasks[i].Name == task.Name {
			candidate.Tasks[i] = task.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		return errNotFound("task", task.Name).WithWorkflow(workflowName)
	}
	if _, err := BuildGraph(candidate); err != nil {
		return err
	}
	r.workflows[workflowName] = candidate
	return nil
}

// RemoveTask removes a task from a workflow. Removal is rejected while
// other tasks still depend on it.
func (r *Registry) RemoveTask(workflowName, taskName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, exists := r.workflows[workflowName]
	if !exists {
		return errNotFound("workflow", workflowName)
	}
	if _, found := wf.Task(taskName); !found {
		return errNotFound("task", taskName).WithWorkflow(workflowName)
	}

	for i := range wf.Tasks {
		for _, dep := range wf.Tasks[i].DependsOn {
			if dep == taskName {
				return NewPermanentError(
					fmt.Sprintf("task %q is a dependency of %q", taskName, wf.Tasks[i].Name), nil).
					WithCode(CodeInvalidParam).WithWorkflow(workflowName).WithTask(taskName)
			}
		}
	}

	candidate := wf.Clone()
	tasks := candidate.Tasks[:0]
	for i := range candidate.Tasks {
		if candidate.Tasks[i].Name != taskName {
			tasks = append(tasks, candidate.Tasks[i])
		}
	}
	candidate.Tasks = tasks
	r.workflows[workflowName] = candidate
	return nil
}

// DeleteWorkflow removes a workflow and its schedule from the registry.
// Running executions hold their own snapshot and are unaffected.
func (r *Registry) DeleteWorkflow(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[name]; !exists {
		return errNotFound("workflow", name)
	}
	delete(r.workflows, name)
	delete(r.schedules, name)
	return nil
}

// GetInfo returns a deep copy of a registered workflow definition.
func (r *Registry) GetInfo(name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, exists := r.workflows[name]
	if !exists {
		return nil, errNotFound("workflow", name)
	}
	return wf.Clone(), nil
}

// List returns the names of all registered workflows, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetEnabled toggles whether new executions of the workflow may start.
// In-flight executions are unaffected.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, exists := r.workflows[name]
	if !exists {
		return errNotFound("workflow", name)
	}
	wf.Enabled = enabled
	return nil
}

// SetSchedule attaches or replaces the schedule of a registered workflow.
func (r *Registry) SetSchedule(s Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[s.Workflow]; !exists {
		return errNotFound("workflow", s.Workflow)
	}
	cp := s
	r.schedules[s.Workflow] = &cp
	return nil
}

// GetSchedule returns the schedule attached to a workflow, if any.
func (r *Registry) GetSchedule(workflowName string) (*Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.schedules[workflowName]
	if !exists {
		return nil, errNotFound("schedule", workflowName)
	}
	cp := *s
	return &cp, nil
}

// DeleteSchedule detaches the schedule from a workflow.
func (r *Registry) DeleteSchedule(workflowName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schedules[workflowName]; !exists {
		return errNotFound("schedule", workflowName)
	}
	delete(r.schedules, workflowName)
	return nil
}

// ListSchedules returns all schedules, ordered by workflow name.
func (r *Registry) ListSchedules() []Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Schedule, 0, len(r.schedules))
	for _, s := range r.schedules {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Workflow < out[j].Workflow
	})
	return out
}
