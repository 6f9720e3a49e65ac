package workflow

import (
	"encoding/json"
	"fmt"
)

// ExecutionStatus represents the overall status of a workflow execution.
type ExecutionStatus string

const (
	// ExecutionPending indicates the execution is created but no tasks have
	// been dispatched yet.
	ExecutionPending ExecutionStatus = "pending"

	// ExecutionRunning indicates the execution is actively dispatching tasks.
	ExecutionRunning ExecutionStatus = "running"

	// ExecutionPaused indicates dispatch of new tasks is suspended.
	// Already-dispatched attempts finish naturally.
	ExecutionPaused ExecutionStatus = "paused"

	// ExecutionStopping indicates the execution is draining running attempts
	// before transitioning to cancelled.
	ExecutionStopping ExecutionStatus = "stopping"

	// ExecutionCompleted indicates every task succeeded.
	ExecutionCompleted ExecutionStatus = "completed"

	// ExecutionFailed indicates at least one task exhausted its retries.
	ExecutionFailed ExecutionStatus = "failed"

	// ExecutionCancelled indicates the execution was stopped by the user.
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal returns true if the status represents a final state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// IsActive returns true if the execution is still making progress.
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionPending || s == ExecutionRunning ||
		s == ExecutionPaused || s == ExecutionStopping
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionPaused,
		ExecutionStopping, ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// canTransition reports whether an external control call may move the
// execution from s to target. Internal scheduler transitions (running to
// completed/failed, stopping to cancelled) are not routed through here.
func (s ExecutionStatus) canTransition(target ExecutionStatus) bool {
	switch target {
	case ExecutionPaused:
		return s == ExecutionRunning
	case ExecutionRunning: // resume
		return s == ExecutionPaused
	case ExecutionStopping:
		return s == ExecutionPending || s == ExecutionRunning || s == ExecutionPaused
	default:
		return false
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe serialization.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecutionStatus(str)
	return s.Validate()
}

// TaskStatus represents the status of a task within an execution.
type TaskStatus string

const (
	// TaskPending indicates the task is waiting for dispatch. A failed
	// attempt with retry budget left returns the task to pending.
	TaskPending TaskStatus = "pending"

	// TaskRunning indicates an attempt is currently executing.
	TaskRunning TaskStatus = "running"

	// TaskSucceeded indicates the task completed successfully.
	TaskSucceeded TaskStatus = "succeeded"

	// TaskFailed indicates the task exhausted its retries.
	TaskFailed TaskStatus = "failed"

	// TaskSkipped indicates the task was never attempted because a
	// transitive dependency failed or the execution was cancelled.
	TaskSkipped TaskStatus = "skipped"

	// TaskCancelled indicates an in-flight attempt was abandoned at
	// process shutdown and not yet retried.
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the task status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskFailed ||
		s == TaskSkipped || s == TaskCancelled
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskPending, TaskRunning, TaskSucceeded,
		TaskFailed, TaskSkipped, TaskCancelled:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// TaskOutcome represents the outcome of a single task attempt.
type TaskOutcome string

const (
	// OutcomeSuccess indicates the attempt completed without error.
	OutcomeSuccess TaskOutcome = "success"

	// OutcomeFailure indicates the executor returned an error.
	OutcomeFailure TaskOutcome = "failure"

	// OutcomeTimeout indicates the attempt exceeded its deadline.
	// Treated identically to failure for retry purposes.
	OutcomeTimeout TaskOutcome = "timeout"

	// OutcomeCancelled indicates the attempt was abandoned before it
	// reported a result.
	OutcomeCancelled TaskOutcome = "cancelled"

	// OutcomeSkipped indicates the task was never attempted.
	OutcomeSkipped TaskOutcome = "skipped"
)

// Failed returns true if the outcome counts against the retry budget.
func (o TaskOutcome) Failed() bool {
	return o == OutcomeFailure || o == OutcomeTimeout
}

// Validate checks if the task outcome is valid.
func (o TaskOutcome) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout, OutcomeCancelled, OutcomeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid task outcome: %s", o)
	}
}
