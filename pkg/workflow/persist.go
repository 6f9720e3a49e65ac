package workflow

import (
	"encoding/json"

	"github.com/loomctl/loom/pkg/stores"
)

// recordFromExecution converts an execution to its persisted form. The
// snapshot is the JSON-encoded workflow definition captured at start time.
func recordFromExecution(exec *Execution, snapshot string) (*stores.ExecutionRecord, error) {
	current, err := json.Marshal(exec.CurrentTasks)
	if err != nil {
		return nil, NewPermanentError("encode current tasks", err).
			WithCode(CodeInternal).WithExecution(exec.ID)
	}
	return &stores.ExecutionRecord{
		ID:              exec.ID,
		Workflow:        exec.Workflow,
		WorkflowVersion: exec.WorkflowVersion,
		Status:          string(exec.Status),
		Snapshot:        snapshot,
		CurrentTasks:    string(current),
		UserData:        string(exec.UserData),
		StartedAt:       exec.StartedAt,
		CompletedAt:     exec.CompletedAt,
	}, nil
}

// executionFromRecord converts a persisted record back to an execution.
func executionFromRecord(rec *stores.ExecutionRecord) (*Execution, error) {
	status := ExecutionStatus(rec.Status)
	if err := status.Validate(); err != nil {
		return nil, NewPermanentError("corrupt execution record", err).
			WithCode(CodeInternal).WithExecution(rec.ID)
	}

	exec := &Execution{
		ID:              rec.ID,
		Workflow:        rec.Workflow,
		WorkflowVersion: rec.WorkflowVersion,
		Status:          status,
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
	}
	if rec.UserData != "" {
		exec.UserData = json.RawMessage(rec.UserData)
	}
	if rec.CurrentTasks != "" {
		if err := json.Unmarshal([]byte(rec.CurrentTasks), &exec.CurrentTasks); err != nil {
			return nil, NewPermanentError("corrupt current tasks", err).
				WithCode(CodeInternal).WithExecution(rec.ID)
		}
	}
	return exec, nil
}

// snapshotFromRecord decodes the workflow definition snapshot stored on an
// execution record.
func snapshotFromRecord(rec *stores.ExecutionRecord) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal([]byte(rec.Snapshot), &wf); err != nil {
		return nil, NewPermanentError("corrupt workflow snapshot", err).
			WithCode(CodeInternal).WithExecution(rec.ID)
	}
	return &wf, nil
}

// taskResultFromRecord converts a persisted task attempt back to its
// in-memory form.
func taskResultFromRecord(rec *stores.TaskResultRecord) TaskResult {
	return TaskResult{
		TaskName:    rec.TaskName,
		Attempt:     rec.Attempt,
		Outcome:     TaskOutcome(rec.Outcome),
		Message:     rec.Message,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
}

// recordFromTaskResult converts a task attempt to its persisted form.
func recordFromTaskResult(executionID string, res TaskResult) *stores.TaskResultRecord {
	return &stores.TaskResultRecord{
		ExecutionID: executionID,
		TaskName:    res.TaskName,
		Attempt:     res.Attempt,
		Outcome:     string(res.Outcome),
		Message:     res.Message,
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
	}
}

// reconstructStates rebuilds per-task scheduler state from the committed
// attempt log. The latest attempt per task is authoritative. Tasks whose
// in-flight attempt was abandoned at shutdown return to pending; the
// abandoned attempt does not count against the retry budget.
func reconstructStates(wf *Workflow, results []*stores.TaskResultRecord) map[string]*taskState {
	states := make(map[string]*taskState, len(wf.Tasks))
	for i := range wf.Tasks {
		states[wf.Tasks[i].Name] = &taskState{status: TaskPending}
	}

	for _, rec := range results {
		st, ok := states[rec.TaskName]
		if !ok {
			continue
		}
		if rec.Attempt > st.attempts {
			st.attempts = rec.Attempt
		}
		switch TaskOutcome(rec.Outcome) {
		case OutcomeSuccess:
			st.status = TaskSucceeded
		case OutcomeSkipped:
			st.status = TaskSkipped
		case OutcomeCancelled:
			st.status = TaskPending
		case OutcomeFailure, OutcomeTimeout:
			task, found := wf.Task(rec.TaskName)
			if found && rec.Attempt > task.Retries {
				st.status = TaskFailed
			} else {
				st.status = TaskPending
			}
		}
	}
	return states
}
