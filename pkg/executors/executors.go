// Package executors provides the built-in task executables and the registry
// that resolves serializable executor references from workflow definitions.
package executors

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/telemetry"
	"github.com/loomctl/loom/pkg/workflow"
)

// Registry maps executor names to executables. It implements
// workflow.ExecutorResolver.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]workflow.Executor
	logger    *telemetry.Logger
}

// NewRegistry creates a registry pre-populated with the built-in executors.
func NewRegistry(logger *telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	r := &Registry{
		executors: make(map[string]workflow.Executor),
		logger:    logger.NewComponentLogger("executors"),
	}
	r.register("noop", workflow.ExecutorFunc(noop))
	r.register("echo", workflow.ExecutorFunc(r.echo))
	r.register("sleep", workflow.ExecutorFunc(sleep))
	r.register("fail", workflow.ExecutorFunc(fail))
	r.register("shell", workflow.ExecutorFunc(r.shell))
	return r
}

func (r *Registry) register(name string, exec workflow.Executor) {
	r.executors[name] = exec
}

// Register adds a custom executor under the given name.
func (r *Registry) Register(name string, exec workflow.Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[name]; exists {
		return workflow.NewPermanentError(
			fmt.Sprintf("executor %q already registered", name), nil).
			WithCode(workflow.CodeAlreadyExists)
	}
	r.executors[name] = exec
	return nil
}

// Resolve implements workflow.ExecutorResolver.
func (r *Registry) Resolve(name string) (workflow.Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, exists := r.executors[name]
	if !exists {
		return nil, workflow.NewPermanentError(
			fmt.Sprintf("executor %q not registered", name), nil).
			WithCode(workflow.CodeNotFound)
	}
	return exec, nil
}

// List returns all registered executor names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// noop succeeds immediately.
func noop(_ context.Context, _ workflow.TaskContext) error {
	return nil
}

// echo logs its message parameter.
func (r *Registry) echo(_ context.Context, tc workflow.TaskContext) error {
	r.logger.WithExecutionID(tc.ExecutionID).WithTask(tc.TaskName).
		Info(tc.Params["message"])
	return nil
}

// sleep blocks for the duration in the "duration" parameter, honoring the
// attempt deadline.
func sleep(ctx context.Context, tc workflow.TaskContext) error {
	d, err := time.ParseDuration(tc.Params["duration"])
	if err != nil {
		return workflow.NewPermanentError("invalid sleep duration", err).
			WithCode(workflow.CodeInvalidParam).WithTask(tc.TaskName)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail always returns an error. Useful for exercising retry and skip
// behavior in workflow definitions.
func fail(_ context.Context, tc workflow.TaskContext) error {
	msg := tc.Params["message"]
	if msg == "" {
		msg = "task configured to fail"
	}
	return workflow.NewTransientError(msg, nil).
		WithCode(workflow.CodeFailed).WithTask(tc.TaskName)
}

// shell runs the "command" parameter through sh -c. The attempt deadline
// kills the process when it expires.
func (r *Registry) shell(ctx context.Context, tc workflow.TaskContext) error {
	command := tc.Params["command"]
	if command == "" {
		return workflow.NewPermanentError("shell executor requires a command parameter", nil).
			WithCode(workflow.CodeInvalidParam).WithTask(tc.TaskName)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return workflow.NewTransientError(
			fmt.Sprintf("command failed: %s", strings.TrimSpace(string(out))), err).
			WithCode(workflow.CodeFailed).WithTask(tc.TaskName)
	}

	if len(out) > 0 {
		r.logger.WithExecutionID(tc.ExecutionID).WithTask(tc.TaskName).
			Debug(strings.TrimSpace(string(out)))
	}
	return nil
}
