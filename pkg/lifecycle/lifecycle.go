// Package lifecycle provides the setup/run/cleanup pattern every long-lived
// component in the platform is built on.
//
// Invariants:
// - Cleanup runs exactly once, however RunLoop ended (error, panic,
//   cancellation, normal return).
// - InitiateShutdown is idempotent and safe from any goroutine.
// - A shutdown requested during Setup is detected before RunLoop starts.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Phase is the lifecycle state of a component.
type Phase string

const (
	PhaseNew      Phase = "new"
	PhaseSetup    Phase = "setup"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
	PhaseError    Phase = "error"
)

// DefaultCleanupTimeout bounds how long Cleanup may take once the run context
// is gone.
const DefaultCleanupTimeout = 30 * time.Second

// Runner is the component body a Lifecycle drives.
type Runner interface {
	// Setup prepares the component. It must be idempotent. It may call
	// InitiateShutdown on the owning Lifecycle to abort before running.
	Setup(ctx context.Context) error

	// RunLoop is the main body. It should return promptly once ctx is
	// cancelled.
	RunLoop(ctx context.Context) error

	// Cleanup releases resources. It is called exactly once, with a context
	// independent of the cancelled run context, and must be idempotent.
	Cleanup(ctx context.Context) error
}

// Lifecycle orchestrates setup, run, and cleanup of one Runner.
type Lifecycle struct {
	name   string
	runner Runner
	logger zerolog.Logger

	cleanupTimeout time.Duration

	mu       sync.Mutex
	phase    Phase
	cancel   context.CancelFunc
	shutdown bool
	done     chan struct{}
}

// New builds a lifecycle around a runner.
func New(name string, runner Runner, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		name:           name,
		runner:         runner,
		logger:         logger.With().Str("component", name).Logger(),
		cleanupTimeout: DefaultCleanupTimeout,
		phase:          PhaseNew,
		done:           make(chan struct{}),
	}
}

// Phase returns the current lifecycle phase.
func (l *Lifecycle) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// ShutdownRequested reports whether InitiateShutdown has been called.
func (l *Lifecycle) ShutdownRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdown
}

// Done is closed once Run has fully finished, cleanup included.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// InitiateShutdown requests a cooperative stop. Idempotent; callable from any
// goroutine, including the runner's own Setup and RunLoop.
func (l *Lifecycle) InitiateShutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shutdown {
		return
	}
	l.shutdown = true
	if l.cancel != nil {
		l.cancel()
	}
	l.logger.Debug().Msg("Shutdown initiated")
}

// Run drives setup, run loop, and cleanup in order. Errors in setup or the
// run loop are logged, converted into a shutdown, and returned after cleanup
// has run.
func (l *Lifecycle) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	if l.phase != PhaseNew {
		l.mu.Unlock()
		cancel()
		return fmt.Errorf("component %s has already run", l.name)
	}
	l.cancel = cancel
	if l.shutdown {
		// Shutdown requested before Run: cancel immediately, still go
		// through setup/cleanup so resources are released symmetrically.
		cancel()
	}
	l.phase = PhaseSetup
	l.mu.Unlock()

	defer close(l.done)
	defer cancel()

	var runErr error

	setupErr := l.safeCall("setup", func() error { return l.runner.Setup(runCtx) })
	if setupErr != nil {
		l.logger.Error().Err(setupErr).Msg("Setup failed")
		l.InitiateShutdown()
		runErr = setupErr
	}

	if runErr == nil && !l.ShutdownRequested() {
		l.setPhase(PhaseRunning)
		if err := l.safeCall("run", func() error { return l.runner.RunLoop(runCtx) }); err != nil {
			if runCtx.Err() == nil || !isContextErr(err) {
				l.logger.Error().Err(err).Msg("Run loop failed")
				runErr = err
			}
			l.InitiateShutdown()
		}
	}

	l.setPhase(PhaseStopping)

	cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), l.cleanupTimeout)
	defer cleanupCancel()

	if err := l.safeCall("cleanup", func() error { return l.runner.Cleanup(cleanupCtx) }); err != nil {
		l.logger.Error().Err(err).Msg("Cleanup failed")
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		l.setPhase(PhaseError)
	} else {
		l.setPhase(PhaseStopped)
	}
	l.logger.Debug().Str("phase", string(l.Phase())).Msg("Component finished")

	return runErr
}

func (l *Lifecycle) setPhase(p Phase) {
	l.mu.Lock()
	l.phase = p
	l.mu.Unlock()
}

// safeCall invokes fn, converting a panic into an error so a misbehaving
// runner cannot skip cleanup.
func (l *Lifecycle) safeCall(stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s of component %s: %v", stage, l.name, r)
		}
	}()
	return fn()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
