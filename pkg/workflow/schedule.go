package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/loomctl/loom/pkg/telemetry"
)

// defaultPollInterval is how often conditional schedules are re-evaluated
// when the schedule does not declare its own interval.
const defaultPollInterval = 30 * time.Second

// ScheduleRunnerOptions configures a ScheduleRunner.
type ScheduleRunnerOptions struct {
	Registry   *Registry
	Controller *Controller
	Logger     *telemetry.Logger

	// PollInterval is the default condition poll interval.
	PollInterval time.Duration

	// ConditionEnv supplies the evaluation environment for conditional
	// schedules, rebuilt on every poll. Optional; the default environment
	// exposes the current time.
	ConditionEnv func() starlark.StringDict
}

// ScheduleRunner turns registered schedules into execution starts. The
// scheduled policy rides on a cron scheduler; the conditional policy polls
// a Starlark boolean expression and fires once when it first holds.
type ScheduleRunner struct {
	registry   *Registry
	controller *Controller
	logger     *telemetry.Logger

	pollInterval time.Duration
	conditionEnv func() starlark.StringDict

	scheduler gocron.Scheduler

	mu      sync.Mutex
	jobs    map[string]uuid.UUID
	pollers map[string]chan struct{}
	wg      sync.WaitGroup
}

// NewScheduleRunner creates a schedule runner.
func NewScheduleRunner(opts ScheduleRunnerOptions) (*ScheduleRunner, error) {
	if opts.Registry == nil || opts.Controller == nil {
		return nil, NewPermanentError("registry and controller are required", nil).
			WithCode(CodeInvalidParam)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, NewPermanentError("create cron scheduler", err).WithCode(CodeInternal)
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	env := opts.ConditionEnv
	if env == nil {
		env = defaultConditionEnv
	}

	return &ScheduleRunner{
		registry:     opts.Registry,
		controller:   opts.Controller,
		logger:       logger.NewComponentLogger("schedule"),
		pollInterval: interval,
		conditionEnv: env,
		scheduler:    scheduler,
		jobs:         make(map[string]uuid.UUID),
		pollers:      make(map[string]chan struct{}),
	}, nil
}

// Start applies every schedule currently in the registry and starts the
// cron scheduler.
func (sr *ScheduleRunner) Start(ctx context.Context) error {
	for _, s := range sr.registry.ListSchedules() {
		if err := sr.Apply(ctx, s); err != nil {
			return err
		}
	}
	sr.scheduler.Start()
	return nil
}

// Apply activates a single schedule. An existing activation for the same
// workflow is replaced.
func (sr *ScheduleRunner) Apply(ctx context.Context, s Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	sr.Remove(s.Workflow)

	switch s.Policy {
	case PolicyImmediate:
		id, err := sr.controller.Start(ctx, s.Workflow, nil)
		if err != nil {
			return err
		}
		sr.logger.WithWorkflow(s.Workflow).WithExecutionID(id).
			Info("immediate schedule fired")
		return nil

	case PolicyScheduled:
		job, err := sr.scheduler.NewJob(
			gocron.CronJob(s.Cron, false),
			gocron.NewTask(func() {
				sr.fire(s.Workflow)
			}),
		)
		if err != nil {
			return NewPermanentError("invalid cron expression", err).
				WithCode(CodeInvalidParam).WithWorkflow(s.Workflow)
		}
		sr.mu.Lock()
		sr.jobs[s.Workflow] = job.ID()
		sr.mu.Unlock()
		return nil

	case PolicyConditional:
		// Compile once so a syntax error surfaces at apply time.
		if err := compileCondition(s.Condition); err != nil {
			return NewPermanentError("invalid condition expression", err).
				WithCode(CodeInvalidParam).WithWorkflow(s.Workflow)
		}

		stop := make(chan struct{})
		sr.mu.Lock()
		sr.pollers[s.Workflow] = stop
		sr.mu.Unlock()

		interval := s.PollInterval
		if interval <= 0 {
			interval = sr.pollInterval
		}

		sr.wg.Add(1)
		go sr.poll(s, interval, stop)
		return nil
	}
	return nil
}

// Remove deactivates the schedule for a workflow, if any.
func (sr *ScheduleRunner) Remove(workflowName string) {
	sr.mu.Lock()
	jobID, hasJob := sr.jobs[workflowName]
	stop, hasPoller := sr.pollers[workflowName]
	delete(sr.jobs, workflowName)
	delete(sr.pollers, workflowName)
	sr.mu.Unlock()

	if hasJob {
		if err := sr.scheduler.RemoveJob(jobID); err != nil {
			sr.logger.WithWorkflow(workflowName).WithError(err).
				Warn("failed to remove cron job")
		}
	}
	if hasPoller {
		close(stop)
	}
}

// Shutdown stops the cron scheduler and all condition pollers.
func (sr *ScheduleRunner) Shutdown(ctx context.Context) error {
	sr.mu.Lock()
	for name, stop := range sr.pollers {
		close(stop)
		delete(sr.pollers, name)
	}
	sr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return sr.scheduler.Shutdown()
}

// poll re-evaluates a conditional schedule until it first holds, then
// fires once and retires.
func (sr *ScheduleRunner) poll(s Schedule, interval time.Duration, stop chan struct{}) {
	defer sr.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := sr.evalCondition(s.Condition)
			if err != nil {
				sr.logger.WithWorkflow(s.Workflow).WithError(err).
					Warn("condition evaluation failed")
				continue
			}
			if ok {
				sr.fire(s.Workflow)
				sr.mu.Lock()
				delete(sr.pollers, s.Workflow)
				sr.mu.Unlock()
				return
			}
		}
	}
}

// fire starts one execution on behalf of a schedule trigger.
func (sr *ScheduleRunner) fire(workflowName string) {
	id, err := sr.controller.Start(context.Background(), workflowName, nil)
	if err != nil {
		sr.logger.WithWorkflow(workflowName).WithError(err).
			Error("scheduled start failed")
		return
	}
	sr.logger.WithWorkflow(workflowName).WithExecutionID(id).
		Info("schedule fired")
}

// evalCondition evaluates a condition expression to a boolean.
func (sr *ScheduleRunner) evalCondition(expr string) (bool, error) {
	thread := &starlark.Thread{Name: "condition"}
	val, err := starlark.Eval(thread, "condition", expr, sr.conditionEnv())
	if err != nil {
		return false, err
	}
	return bool(val.Truth()), nil
}

// compileCondition parses a condition expression without evaluating it.
// Evaluation errors are tolerated at apply time; only syntax errors should
// reject the schedule.
func compileCondition(expr string) error {
	_, err := syntax.ParseExpr("condition", expr, 0)
	return err
}

// defaultConditionEnv exposes the wall clock to condition expressions.
func defaultConditionEnv() starlark.StringDict {
	now := time.Now()
	return starlark.StringDict{
		"hour":    starlark.MakeInt(now.Hour()),
		"minute":  starlark.MakeInt(now.Minute()),
		"weekday": starlark.String(now.Weekday().String()),
		"unix":    starlark.MakeInt64(now.Unix()),
	}
}
