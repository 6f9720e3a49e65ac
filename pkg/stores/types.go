// Package stores provides the persistence layer for workflow executions.
// Every scheduler state transition is written through an ExecutionStore
// before it is considered committed, which is what makes status queries
// consistent and restart recovery possible.
package stores

import (
	"context"
	"time"
)

// ExecutionRecord is the persisted form of one workflow execution.
type ExecutionRecord struct {
	ID              string `json:"id"`
	Workflow        string `json:"workflow"`
	WorkflowVersion string `json:"workflow_version"`
	Status          string `json:"status"`
	// Snapshot is the JSON-encoded workflow definition captured at start
	// time. Restart recovery rebuilds the task graph from it.
	Snapshot string `json:"snapshot"`
	// CurrentTasks is a JSON array of currently dispatched task names.
	CurrentTasks string     `json:"current_tasks"`
	UserData     string     `json:"user_data"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TaskResultRecord is the persisted form of one task attempt.
type TaskResultRecord struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	TaskName    string    `json:"task_name"`
	Attempt     int       `json:"attempt"`
	Outcome     string    `json:"outcome"`
	Message     string    `json:"message"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ExecutionStore defines the persistence contract for executions and their
// task results.
type ExecutionStore interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Execution operations
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error
	UpdateExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	// ListExecutions returns executions filtered by status; an empty status
	// matches all. Results are ordered by start time descending.
	ListExecutions(ctx context.Context, status string, limit, offset int) ([]*ExecutionRecord, error)
	DeleteExecution(ctx context.Context, id string) error

	// History returns executions of the named workflow whose start time
	// falls within [from, to] (inclusive bounds), ordered by start time
	// ascending.
	History(ctx context.Context, workflow string, from, to time.Time) ([]*ExecutionRecord, error)

	// Task result operations
	AppendTaskResult(ctx context.Context, rec *TaskResultRecord) error
	// ListTaskResults returns all attempts for an execution in commit order.
	ListTaskResults(ctx context.Context, executionID string) ([]*TaskResultRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// NotFoundError is returned by stores when a record does not exist. Kept as
// a plain type so the engine can translate it into its own error taxonomy.
type NotFoundError struct {
	Kind string
	ID   string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return e.Kind + " not found: " + e.ID
}
