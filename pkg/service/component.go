package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nabil/orka/pkg/lifecycle"
	"github.com/nabil/orka/pkg/status"
)

// DefaultShutdownWait bounds how long cleanup waits for remaining tasks after
// cancelling them.
const DefaultShutdownWait = 10 * time.Second

// Task is one named background unit of work. It should return promptly once
// ctx is cancelled; returning for any other reason shuts the component down.
type Task func(ctx context.Context) error

type namedTask struct {
	name string
	run  Task
}

type taskExit struct {
	name string
	err  error
}

// Config configures a Component.
type Config struct {
	Name     string
	Logger   zerolog.Logger
	Reporter *status.Reporter // optional; task failures are recorded through it

	Setup   func(ctx context.Context) error // optional
	Cleanup func(ctx context.Context) error // optional

	// OnRunning is invoked once all tasks have been launched. Workers use it
	// for their "running" self-report.
	OnRunning func(ctx context.Context) error // optional

	ShutdownWait time.Duration
}

// Component is a lifecycle-managed unit running named background tasks.
type Component struct {
	cfg    Config
	logger zerolog.Logger
	life   *lifecycle.Lifecycle

	mu    sync.Mutex
	tasks []namedTask

	taskCancel context.CancelFunc
	taskWG     sync.WaitGroup

	restartIntent atomic.Bool
}

// New creates a component. Tasks are registered with AddTask before Run.
func New(cfg Config) *Component {
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = DefaultShutdownWait
	}
	c := &Component{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", cfg.Name).Logger(),
	}
	c.life = lifecycle.New(cfg.Name, (*componentRunner)(c), cfg.Logger)
	return c
}

// AddTask registers a named background task. Must be called before Run.
func (c *Component) AddTask(name string, task Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, namedTask{name: name, run: task})
}

// Run drives the component to completion.
func (c *Component) Run(ctx context.Context) error {
	return c.life.Run(ctx)
}

// InitiateShutdown requests a cooperative stop. Idempotent.
func (c *Component) InitiateShutdown() {
	c.life.InitiateShutdown()
}

// ShutdownRequested reports whether a stop has been requested.
func (c *Component) ShutdownRequested() bool {
	return c.life.ShutdownRequested()
}

// Done is closed once the component has fully finished.
func (c *Component) Done() <-chan struct{} {
	return c.life.Done()
}

// Phase exposes the underlying lifecycle phase.
func (c *Component) Phase() lifecycle.Phase {
	return c.life.Phase()
}

// Reporter returns the component's status reporter, if any.
func (c *Component) Reporter() *status.Reporter {
	return c.cfg.Reporter
}

// SetRestartIntent flags that the owner wants this component relaunched after
// it stops. Cleared automatically when a task fails.
func (c *Component) SetRestartIntent() {
	c.restartIntent.Store(true)
}

// ClearRestartIntent drops any pending restart intent.
func (c *Component) ClearRestartIntent() {
	c.restartIntent.Store(false)
}

// RestartRequested reports whether a restart intent is pending.
func (c *Component) RestartRequested() bool {
	return c.restartIntent.Load()
}

// componentRunner adapts Component to lifecycle.Runner without exposing the
// runner methods on the public type.
type componentRunner Component

func (r *componentRunner) Setup(ctx context.Context) error {
	c := (*Component)(r)
	if c.cfg.Setup == nil {
		return nil
	}
	return c.cfg.Setup(ctx)
}

func (r *componentRunner) RunLoop(ctx context.Context) error {
	c := (*Component)(r)

	c.mu.Lock()
	tasks := make([]namedTask, len(c.tasks))
	copy(tasks, c.tasks)
	c.mu.Unlock()

	taskCtx, cancel := context.WithCancel(ctx)
	c.taskCancel = cancel

	exits := make(chan taskExit, len(tasks))
	for _, t := range tasks {
		t := t
		c.taskWG.Add(1)
		go func() {
			defer c.taskWG.Done()
			exits <- taskExit{name: t.name, err: runTask(taskCtx, t)}
		}()
	}
	c.logger.Debug().Int("tasks", len(tasks)).Msg("Background tasks started")

	if c.cfg.OnRunning != nil {
		if err := c.cfg.OnRunning(taskCtx); err != nil {
			return fmt.Errorf("on-running hook: %w", err)
		}
	}

	if len(tasks) == 0 {
		<-ctx.Done()
		return nil
	}

	// First exit wins: any one task finishing, for any reason, is the signal
	// to tear the whole component down.
	select {
	case exit := <-exits:
		if exit.err != nil && !isContextErr(exit.err) {
			c.logger.Error().Err(exit.err).Str("task", exit.name).Msg("Background task failed")
			c.ClearRestartIntent()
			if c.cfg.Reporter != nil {
				if repErr := c.cfg.Reporter.MarkError(ctx, status.StateErrorCrashed, exit.err.Error()); repErr != nil {
					c.logger.Warn().Err(repErr).Msg("Failed to record task failure status")
				}
			}
			return fmt.Errorf("task %s: %w", exit.name, exit.err)
		}
		c.logger.Info().Str("task", exit.name).Msg("Background task finished, shutting component down")
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (r *componentRunner) Cleanup(ctx context.Context) error {
	c := (*Component)(r)

	if c.taskCancel != nil {
		c.taskCancel()
	}

	finished := make(chan struct{})
	go func() {
		c.taskWG.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(c.cfg.ShutdownWait):
		c.logger.Warn().Dur("wait", c.cfg.ShutdownWait).Msg("Tasks did not finish within shutdown wait")
	}

	if c.cfg.Cleanup != nil {
		return c.cfg.Cleanup(ctx)
	}
	return nil
}

// runTask converts a task panic into that task's exit error, so one bad task
// cannot unwind past the component and skip cleanup.
func runTask(ctx context.Context, t namedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task %s: %v", t.name, r)
		}
	}()
	return t.run(ctx)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
