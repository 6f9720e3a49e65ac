// Package workflow implements the Loom workflow orchestration engine: task
// graphs, per-execution scheduling, execution control, and the workflow
// registry.
package workflow

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may succeed on retry.
	// Task timeouts and executor failures with retry budget left are transient.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unknown workflow, cyclic dependencies, invalid state transitions.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error represents a classified engine error with context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Workflow is the workflow name that caused the error, if applicable.
	Workflow string `json:"workflow,omitempty"`

	// Task is the task name that caused the error, if applicable.
	Task string `json:"task,omitempty"`

	// Execution is the execution id the error belongs to, if applicable.
	Execution string `json:"execution,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	switch {
	case e.Workflow != "" && e.Task != "":
		return fmt.Sprintf("[%s] %s (workflow=%s, task=%s)", e.Code, msg, e.Workflow, e.Task)
	case e.Workflow != "":
		return fmt.Sprintf("[%s] %s (workflow=%s)", e.Code, msg, e.Workflow)
	case e.Execution != "":
		return fmt.Sprintf("[%s] %s (execution=%s)", e.Code, msg, e.Execution)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithWorkflow adds workflow context to an error.
func (e *Error) WithWorkflow(name string) *Error {
	e.Workflow = name
	return e
}

// WithTask adds task context to an error.
func (e *Error) WithTask(name string) *Error {
	e.Task = name
	return e
}

// WithExecution adds execution context to an error.
func (e *Error) WithExecution(id string) *Error {
	e.Execution = id
	return e
}

// Error codes mirror the engine's result-code surface.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeInvalidParam     = "INVALID_PARAM"
	CodeTimeout          = "TIMEOUT"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeNotSupported     = "NOT_SUPPORTED"
	CodeFailed           = "FAILED"
	CodeInternal         = "INTERNAL_ERROR"
)

// errNotFound builds the canonical not-found error for a named entity.
func errNotFound(kind, name string) *Error {
	return NewPermanentError(fmt.Sprintf("%s %q not found", kind, name), nil).
		WithCode(CodeNotFound)
}

// errAlreadyExists builds the canonical duplicate-name error.
func errAlreadyExists(kind, name string) *Error {
	return NewPermanentError(fmt.Sprintf("%s %q already exists", kind, name), nil).
		WithCode(CodeAlreadyExists)
}

// IsNotFound returns true if the error carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

// IsAlreadyExists returns true if the error carries the ALREADY_EXISTS code.
func IsAlreadyExists(err error) bool {
	return hasCode(err, CodeAlreadyExists)
}

// IsInvalidParam returns true if the error carries the INVALID_PARAM code.
func IsInvalidParam(err error) bool {
	return hasCode(err, CodeInvalidParam)
}

// IsTimeout returns true if the error carries the TIMEOUT code.
func IsTimeout(err error) bool {
	return hasCode(err, CodeTimeout)
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

func hasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
