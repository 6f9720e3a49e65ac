package executors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/workflow"
)

func TestBuiltinsRegistered(t *testing.T) {
	reg := NewRegistry(nil)
	assert.Equal(t, []string{"echo", "fail", "noop", "shell", "sleep"}, reg.List())

	for _, name := range reg.List() {
		exec, err := reg.Resolve(name)
		require.NoError(t, err)
		assert.NotNil(t, exec)
	}

	_, err := reg.Resolve("ghost")
	assert.True(t, workflow.IsNotFound(err))
}

func TestRegisterCustomExecutor(t *testing.T) {
	reg := NewRegistry(nil)
	custom := workflow.ExecutorFunc(func(context.Context, workflow.TaskContext) error {
		return nil
	})

	require.NoError(t, reg.Register("custom", custom))
	_, err := reg.Resolve("custom")
	assert.NoError(t, err)

	err = reg.Register("custom", custom)
	assert.True(t, workflow.IsAlreadyExists(err))
}

func TestNoop(t *testing.T) {
	reg := NewRegistry(nil)
	exec, err := reg.Resolve("noop")
	require.NoError(t, err)
	assert.NoError(t, exec.Execute(context.Background(), workflow.TaskContext{}))
}

func TestFail(t *testing.T) {
	reg := NewRegistry(nil)
	exec, err := reg.Resolve("fail")
	require.NoError(t, err)

	err = exec.Execute(context.Background(), workflow.TaskContext{
		TaskName: "t",
		Params:   map[string]string{"message": "planned failure"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "planned failure")
	assert.True(t, workflow.IsRetryable(err))
}

func TestSleepHonorsDeadline(t *testing.T) {
	reg := NewRegistry(nil)
	exec, err := reg.Resolve("sleep")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = exec.Execute(ctx, workflow.TaskContext{
		Params: map[string]string{"duration": "5s"},
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleepInvalidDuration(t *testing.T) {
	reg := NewRegistry(nil)
	exec, err := reg.Resolve("sleep")
	require.NoError(t, err)

	err = exec.Execute(context.Background(), workflow.TaskContext{
		Params: map[string]string{"duration": "soon"},
	})
	assert.True(t, workflow.IsInvalidParam(err))
}

func TestShell(t *testing.T) {
	reg := NewRegistry(nil)
	exec, err := reg.Resolve("shell")
	require.NoError(t, err)

	assert.NoError(t, exec.Execute(context.Background(), workflow.TaskContext{
		Params: map[string]string{"command": "true"},
	}))

	err = exec.Execute(context.Background(), workflow.TaskContext{
		Params: map[string]string{"command": "false"},
	})
	assert.Error(t, err)

	err = exec.Execute(context.Background(), workflow.TaskContext{})
	assert.True(t, workflow.IsInvalidParam(err))
}
