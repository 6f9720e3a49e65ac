package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories lets every contract test run against both backends.
var storeFactories = map[string]func(t *testing.T) ExecutionStore{
	"memory": func(t *testing.T) ExecutionStore {
		return NewMemoryStore()
	},
	"sqlite": func(t *testing.T) ExecutionStore {
		store, err := NewSQLiteStore(Config{
			Path: filepath.Join(t.TempDir(), "test.db"),
		})
		require.NoError(t, err)
		ctx := context.Background()
		require.NoError(t, store.Init(ctx))
		require.NoError(t, store.Migrate(ctx))
		t.Cleanup(func() { store.Close() })
		return store
	},
}

func record(id, workflow, status string, startedAt time.Time) *ExecutionRecord {
	return &ExecutionRecord{
		ID:           id,
		Workflow:     workflow,
		Status:       status,
		Snapshot:     `{"name":"` + workflow + `","tasks":[]}`,
		CurrentTasks: "[]",
		StartedAt:    startedAt,
	}
}

func TestExecutionCRUD(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			started := time.Now().UTC().Truncate(time.Second)
			rec := record("e1", "deploy", "pending", started)
			require.NoError(t, store.CreateExecution(ctx, rec))

			got, err := store.GetExecution(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, "deploy", got.Workflow)
			assert.Equal(t, "pending", got.Status)
			assert.Equal(t, started.Unix(), got.StartedAt.Unix())

			completed := started.Add(5 * time.Second)
			got.Status = "completed"
			got.CompletedAt = &completed
			got.CurrentTasks = `[]`
			require.NoError(t, store.UpdateExecution(ctx, got))

			got, err = store.GetExecution(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, "completed", got.Status)
			require.NotNil(t, got.CompletedAt)
			assert.Equal(t, completed.Unix(), got.CompletedAt.Unix())

			require.NoError(t, store.DeleteExecution(ctx, "e1"))
			_, err = store.GetExecution(ctx, "e1")
			var nf *NotFoundError
			assert.ErrorAs(t, err, &nf)

			assert.ErrorAs(t, store.DeleteExecution(ctx, "e1"), &nf)
			assert.ErrorAs(t, store.UpdateExecution(ctx, rec), &nf)
		})
	}
}

func TestListExecutionsFilterAndOrder(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
			require.NoError(t, store.CreateExecution(ctx, record("e1", "a", "completed", base)))
			require.NoError(t, store.CreateExecution(ctx, record("e2", "a", "running", base.Add(time.Minute))))
			require.NoError(t, store.CreateExecution(ctx, record("e3", "b", "running", base.Add(2*time.Minute))))

			all, err := store.ListExecutions(ctx, "", 0, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "e3", all[0].ID, "newest first")

			running, err := store.ListExecutions(ctx, "running", 0, 0)
			require.NoError(t, err)
			require.Len(t, running, 2)

			limited, err := store.ListExecutions(ctx, "", 1, 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, "e2", limited[0].ID)
		})
	}
}

func TestHistoryInclusiveBounds(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, store.CreateExecution(ctx, record("before", "wf", "completed", base.Add(-time.Hour))))
			require.NoError(t, store.CreateExecution(ctx, record("lower", "wf", "completed", base)))
			require.NoError(t, store.CreateExecution(ctx, record("middle", "wf", "completed", base.Add(30*time.Minute))))
			require.NoError(t, store.CreateExecution(ctx, record("upper", "wf", "completed", base.Add(time.Hour))))
			require.NoError(t, store.CreateExecution(ctx, record("after", "wf", "completed", base.Add(2*time.Hour))))
			require.NoError(t, store.CreateExecution(ctx, record("other", "different", "completed", base)))

			got, err := store.History(ctx, "wf", base, base.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, got, 3, "bounds are inclusive")
			assert.Equal(t, "lower", got[0].ID, "oldest first")
			assert.Equal(t, "middle", got[1].ID)
			assert.Equal(t, "upper", got[2].ID)
		})
	}
}

func TestTaskResultsCommitOrder(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			now := time.Now().UTC()
			require.NoError(t, store.CreateExecution(ctx, record("e1", "wf", "running", now)))

			attempts := []struct {
				task    string
				attempt int
				outcome string
			}{
				{"fetch", 1, "failure"},
				{"fetch", 2, "success"},
				{"build", 1, "success"},
			}
			for _, a := range attempts {
				require.NoError(t, store.AppendTaskResult(ctx, &TaskResultRecord{
					ExecutionID: "e1",
					TaskName:    a.task,
					Attempt:     a.attempt,
					Outcome:     a.outcome,
					StartedAt:   now,
					CompletedAt: now,
				}))
			}

			got, err := store.ListTaskResults(ctx, "e1")
			require.NoError(t, err)
			require.Len(t, got, 3)
			for i, a := range attempts {
				assert.Equal(t, a.task, got[i].TaskName, "commit order preserved")
				assert.Equal(t, a.attempt, got[i].Attempt)
				assert.Equal(t, a.outcome, got[i].Outcome)
			}

			empty, err := store.ListTaskResults(ctx, "unknown")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestHealthCheck(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			assert.NoError(t, store.HealthCheck(context.Background()))
		})
	}
}

func TestMemorySnapshotRestore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.CreateExecution(ctx, record("e1", "wf", "completed", now)))
	require.NoError(t, store.AppendTaskResult(ctx, &TaskResultRecord{
		ExecutionID: "e1", TaskName: "t", Attempt: 1, Outcome: "success",
		StartedAt: now, CompletedAt: now,
	}))

	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, store.Snapshot(path))

	restored := NewMemoryStore()
	require.NoError(t, restored.Restore(path))

	got, err := restored.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "wf", got.Workflow)

	results, err := restored.ListTaskResults(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "success", results[0].Outcome)
}
