package workflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func newScheduleFixture(t *testing.T) (*Registry, *Controller) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.CreateWorkflow(&Workflow{
		Name: "job", Enabled: true,
		Tasks: []Task{{Name: "only", Run: ExecutorFunc(noopExec)}},
	}))
	c, _ := newTestController(t, reg)
	return reg, c
}

func TestScheduleRunnerImmediate(t *testing.T) {
	reg, c := newScheduleFixture(t)
	sr, err := NewScheduleRunner(ScheduleRunnerOptions{Registry: reg, Controller: c})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sr.Apply(ctx, Schedule{Workflow: "job", Policy: PolicyImmediate}))

	deadline := time.Now().Add(2 * time.Second)
	for {
		execs, err := c.GetHistory(ctx, "job", time.Now().Add(-time.Minute), time.Now())
		require.NoError(t, err)
		if len(execs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("immediate schedule never started an execution")
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, sr.Shutdown(ctx))
}

func TestScheduleRunnerRejectsBadCron(t *testing.T) {
	reg, c := newScheduleFixture(t)
	sr, err := NewScheduleRunner(ScheduleRunnerOptions{Registry: reg, Controller: c})
	require.NoError(t, err)
	defer sr.Shutdown(context.Background())

	err = sr.Apply(context.Background(), Schedule{
		Workflow: "job", Policy: PolicyScheduled, Cron: "not a cron",
	})
	assert.True(t, IsInvalidParam(err))
}

func TestScheduleRunnerConditionalFiresOnce(t *testing.T) {
	reg, c := newScheduleFixture(t)

	var ready atomic.Bool
	sr, err := NewScheduleRunner(ScheduleRunnerOptions{
		Registry:     reg,
		Controller:   c,
		PollInterval: 10 * time.Millisecond,
		ConditionEnv: func() starlark.StringDict {
			return starlark.StringDict{"ready": starlark.Bool(ready.Load())}
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sr.Apply(ctx, Schedule{
		Workflow: "job", Policy: PolicyConditional,
		Condition: "ready", PollInterval: 10 * time.Millisecond,
	}))

	// While the condition is false, nothing starts.
	time.Sleep(60 * time.Millisecond)
	execs, err := c.GetHistory(ctx, "job", time.Now().Add(-time.Minute), time.Now())
	require.NoError(t, err)
	assert.Empty(t, execs)

	ready.Store(true)
	deadline := time.Now().Add(2 * time.Second)
	for {
		execs, err = c.GetHistory(ctx, "job", time.Now().Add(-time.Minute), time.Now())
		require.NoError(t, err)
		if len(execs) >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("conditional schedule never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The poller retires after firing; no further executions start.
	time.Sleep(60 * time.Millisecond)
	execs, err = c.GetHistory(ctx, "job", time.Now().Add(-time.Minute), time.Now())
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	require.NoError(t, sr.Shutdown(ctx))
}

func TestScheduleRunnerRejectsBadCondition(t *testing.T) {
	reg, c := newScheduleFixture(t)
	sr, err := NewScheduleRunner(ScheduleRunnerOptions{Registry: reg, Controller: c})
	require.NoError(t, err)
	defer sr.Shutdown(context.Background())

	err = sr.Apply(context.Background(), Schedule{
		Workflow: "job", Policy: PolicyConditional, Condition: "1 +",
	})
	assert.True(t, IsInvalidParam(err))
}

func TestEvalCondition(t *testing.T) {
	reg, c := newScheduleFixture(t)
	sr, err := NewScheduleRunner(ScheduleRunnerOptions{
		Registry: reg, Controller: c,
		ConditionEnv: func() starlark.StringDict {
			return starlark.StringDict{
				"hour":    starlark.MakeInt(4),
				"weekday": starlark.String("Sunday"),
			}
		},
	})
	require.NoError(t, err)
	defer sr.Shutdown(context.Background())

	cases := []struct {
		expr string
		want bool
	}{
		{"hour >= 3", true},
		{"hour > 12", false},
		{`weekday == "Sunday"`, true},
		{`hour < 6 and weekday != "Monday"`, true},
	}
	for _, tc := range cases {
		got, err := sr.evalCondition(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}

	_, err = sr.evalCondition("undefined_name")
	assert.Error(t, err)
}
