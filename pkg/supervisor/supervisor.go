// Package supervisor launches, stops, monitors, and heals the worker
// processes of the platform, one per identity.
//
// A single supervisor instance owns a given fleet: status records are written
// by the supervisor (launch and stop transitions) and by the worker itself
// (running/stopped self-reports), with no lock between them. Running two
// supervisors against the same fleet would race; that deployment is out of
// scope.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nabil/orka/internal/metrics"
	"github.com/nabil/orka/pkg/statestore"
	"github.com/nabil/orka/pkg/status"
)

const (
	// DefaultStopGracePeriod is how long a worker gets to die gracefully
	// before escalation is permitted.
	DefaultStopGracePeriod = 10 * time.Second

	// DefaultPollInterval is how often liveness is re-checked while waiting
	// for a worker to die.
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultForceWait is the post-kill window before a stop is declared
	// failed.
	DefaultForceWait = 3 * time.Second

	// DefaultRestartDelay separates the stop and start halves of a restart.
	DefaultRestartDelay = time.Second
)

// Config configures a Supervisor.
type Config struct {
	Store   statestore.Store
	Fetch   DescriptorFunc
	Drivers []Driver
	Logger  zerolog.Logger
	Metrics *metrics.Metrics // optional

	StopGracePeriod time.Duration
	PollInterval    time.Duration
	ForceWait       time.Duration
	RestartDelay    time.Duration
}

// Supervisor manages worker processes for the whole fleet.
type Supervisor struct {
	store   statestore.Store
	fetch   DescriptorFunc
	drivers map[status.RuntimeKind]Driver
	logger  zerolog.Logger
	metrics *metrics.Metrics

	stopGracePeriod time.Duration
	pollInterval    time.Duration
	forceWait       time.Duration
	restartDelay    time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Fetch == nil {
		return nil, fmt.Errorf("descriptor fetcher is required")
	}
	if len(cfg.Drivers) == 0 {
		return nil, fmt.Errorf("at least one runtime driver is required")
	}

	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = DefaultStopGracePeriod
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ForceWait <= 0 {
		cfg.ForceWait = DefaultForceWait
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}

	drivers := make(map[status.RuntimeKind]Driver, len(cfg.Drivers))
	for _, d := range cfg.Drivers {
		drivers[d.Kind()] = d
	}

	return &Supervisor{
		store:           cfg.Store,
		fetch:           cfg.Fetch,
		drivers:         drivers,
		logger:          cfg.Logger.With().Str("component", "supervisor").Logger(),
		metrics:         cfg.Metrics,
		stopGracePeriod: cfg.StopGracePeriod,
		pollInterval:    cfg.PollInterval,
		forceWait:       cfg.ForceWait,
		restartDelay:    cfg.RestartDelay,
		locks:           make(map[string]*sync.Mutex),
	}, nil
}

// Reporter returns a status reporter bound to the identity.
func (s *Supervisor) Reporter(identity statestore.Identity) *status.Reporter {
	return status.NewReporter(s.store, identity)
}

// Start launches the worker behind the identity. Idempotent: a worker already
// starting or running is left alone. On success the record reads
// running_pending_confirm; the worker itself reports running once ready.
func (s *Supervisor) Start(ctx context.Context, identity statestore.Identity) error {
	unlock := s.lockIdentity(identity)
	defer unlock()

	rep := s.Reporter(identity)

	rec, err := rep.Get(ctx)
	if err != nil {
		return err
	}
	if rec != nil {
		switch rec.Status {
		case status.StateStarting, status.StateRunning, status.StateRunningPendingConfirm:
			s.logger.Debug().
				Str("worker_id", identity.WorkerID).
				Str("status", string(rec.Status)).
				Msg("Start requested but worker is already up")
			s.metrics.ObserveSupervisorOp("start", "already_running")
			return nil
		}
	}

	if err := rep.MarkStarting(ctx); err != nil {
		return err
	}

	desc, err := s.fetch(ctx, identity)
	if err != nil {
		s.failStart(ctx, rep, identity, err)
		return fmt.Errorf("start %s: %w", identity, err)
	}

	driver, ok := s.drivers[desc.Runtime]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownRuntime, desc.Runtime)
		s.failStart(ctx, rep, identity, err)
		return fmt.Errorf("start %s: %w", identity, err)
	}

	launch, err := driver.Launch(ctx, identity, desc)
	if err != nil {
		s.failStart(ctx, rep, identity, err)
		return fmt.Errorf("start %s: %w", identity, err)
	}

	fields := map[string]string{
		status.FieldRuntime:    string(desc.Runtime),
		status.FieldLastActive: time.Now().Format(time.RFC3339Nano),
	}
	if launch.PID != 0 {
		fields[status.FieldPID] = fmt.Sprintf("%d", launch.PID)
	}
	if launch.ContainerName != "" {
		fields[status.FieldContainerName] = launch.ContainerName
	}
	if launch.ContainerID != "" {
		fields[status.FieldActualContainerID] = launch.ContainerID
	}
	// A fast child may self-report running between the launch and this
	// write; recording the launch facts must not revert that.
	cur, err := rep.Get(ctx)
	if err != nil {
		return err
	}
	if cur != nil && cur.Status == status.StateRunning {
		if err := rep.SetFields(ctx, fields); err != nil {
			return err
		}
	} else if err := rep.MarkAs(ctx, status.StateRunningPendingConfirm, fields); err != nil {
		return err
	}

	s.logger.Info().
		Str("worker_id", identity.WorkerID).
		Str("kind", string(identity.Kind)).
		Str("runtime", string(desc.Runtime)).
		Int("pid", launch.PID).
		Msg("Worker started, awaiting self-report")
	s.metrics.ObserveSupervisorOp("start", "success")
	return nil
}

func (s *Supervisor) failStart(ctx context.Context, rep *status.Reporter, identity statestore.Identity, cause error) {
	s.logger.Error().Err(cause).Str("worker_id", identity.WorkerID).Msg("Worker start failed")
	if err := rep.MarkError(ctx, status.StateErrorStartFailed, cause.Error()); err != nil {
		s.logger.Warn().Err(err).Str("worker_id", identity.WorkerID).Msg("Failed to record start failure")
	}
	s.metrics.ObserveSupervisorOp("start", "failure")
}

// Stop terminates the worker behind the identity. Idempotent: an
// already-stopped or unknown worker returns success. Without force the
// worker gets the grace period and nothing more; with force it is killed
// after the grace period and given a short window to disappear.
func (s *Supervisor) Stop(ctx context.Context, identity statestore.Identity, force bool) error {
	unlock := s.lockIdentity(identity)
	defer unlock()

	rep := s.Reporter(identity)

	rec, err := rep.Get(ctx)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status == status.StateStopped {
		s.metrics.ObserveSupervisorOp("stop", "already_stopped")
		return nil
	}

	driver := s.drivers[rec.Runtime]
	if driver == nil || (rec.PID == 0 && rec.ContainerName == "") {
		// Nothing launched (start failed early, or record predates launch).
		if err := rep.MarkStopped(ctx); err != nil {
			return err
		}
		s.metrics.ObserveSupervisorOp("stop", "success")
		return nil
	}

	if err := rep.MarkAs(ctx, status.StateStopping, nil); err != nil {
		return err
	}

	if err := driver.Terminate(ctx, identity, rec, false); err != nil {
		s.logger.Warn().Err(err).Str("worker_id", identity.WorkerID).Msg("Graceful termination signal failed")
	}

	if s.waitUntilDead(ctx, driver, identity, rec, s.stopGracePeriod) {
		return s.finishStop(ctx, rep, identity)
	}

	if !force {
		detail := fmt.Sprintf("worker survived %s grace period", s.stopGracePeriod)
		if err := rep.MarkError(ctx, status.StateErrorStopFailed, detail); err != nil {
			s.logger.Warn().Err(err).Str("worker_id", identity.WorkerID).Msg("Failed to record stop failure")
		}
		s.metrics.ObserveSupervisorOp("stop", "timeout")
		return fmt.Errorf("stop %s: %w", identity, ErrStopTimeout)
	}

	s.logger.Warn().Str("worker_id", identity.WorkerID).Msg("Grace period expired, escalating to kill")
	if err := driver.Terminate(ctx, identity, rec, true); err != nil {
		s.logger.Warn().Err(err).Str("worker_id", identity.WorkerID).Msg("Kill signal failed")
	}

	if s.waitUntilDead(ctx, driver, identity, rec, s.forceWait) {
		return s.finishStop(ctx, rep, identity)
	}

	detail := "worker survived kill escalation"
	if err := rep.MarkError(ctx, status.StateErrorStopFailed, detail); err != nil {
		s.logger.Warn().Err(err).Str("worker_id", identity.WorkerID).Msg("Failed to record stop failure")
	}
	s.metrics.ObserveSupervisorOp("stop", "failure")
	return fmt.Errorf("stop %s after kill: %w", identity, ErrStopTimeout)
}

func (s *Supervisor) finishStop(ctx context.Context, rep *status.Reporter, identity statestore.Identity) error {
	if err := rep.MarkStopped(ctx); err != nil {
		return err
	}
	s.logger.Info().Str("worker_id", identity.WorkerID).Msg("Worker stopped")
	s.metrics.ObserveSupervisorOp("stop", "success")
	return nil
}

// Restart force-stops the worker and, only when the stop succeeded, starts it
// again after a fixed delay. A failed stop aborts the restart so a still-alive
// target is never double-launched.
func (s *Supervisor) Restart(ctx context.Context, identity statestore.Identity) error {
	if err := s.Stop(ctx, identity, true); err != nil {
		s.metrics.ObserveSupervisorOp("restart", "stop_failed")
		return fmt.Errorf("restart %s: %w", identity, err)
	}

	if !sleepCtx(ctx, s.restartDelay) {
		return ctx.Err()
	}

	if err := s.Start(ctx, identity); err != nil {
		s.metrics.ObserveSupervisorOp("restart", "start_failed")
		return err
	}
	s.metrics.ObserveSupervisorOp("restart", "success")
	return nil
}

// Status reads the worker's record and re-validates liveness when the record
// claims a live process. On drift the stored status is downgraded to
// error_process_lost and the corrected record is returned: status reads are
// self-healing, not a blind cache read.
func (s *Supervisor) Status(ctx context.Context, identity statestore.Identity) (*status.Record, error) {
	rep := s.Reporter(identity)

	rec, err := rep.Get(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	if rec.Status.ShouldBeAlive() && rec.Runtime != "" {
		driver := s.drivers[rec.Runtime]
		if driver != nil && !driver.Alive(ctx, identity, rec) {
			detail := fmt.Sprintf("claimed %s but liveness check found no %s target", rec.Status, rec.Runtime)
			s.logger.Warn().
				Str("worker_id", identity.WorkerID).
				Str("claimed", string(rec.Status)).
				Msg("Status drift detected, downgrading to error_process_lost")
			if err := rep.MarkError(ctx, status.StateErrorProcessLost, detail); err != nil {
				return nil, err
			}
			return rep.Get(ctx)
		}
	}

	return rec, nil
}

// Alive runs the liveness check for the record without touching the store.
func (s *Supervisor) Alive(ctx context.Context, identity statestore.Identity, rec *status.Record) bool {
	driver := s.drivers[rec.Runtime]
	if driver == nil {
		return false
	}
	return driver.Alive(ctx, identity, rec)
}

// Identities lists every identity with a status record, across both agents
// and integrations.
func (s *Supervisor) Identities(ctx context.Context) ([]statestore.Identity, error) {
	var identities []statestore.Identity
	for _, pattern := range []string{statestore.AgentStatusPattern, statestore.IntegrationStatusPattern} {
		keys, err := s.store.Keys(ctx, pattern)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		for _, key := range keys {
			identity, err := statestore.ParseStatusKey(key)
			if err != nil {
				s.logger.Warn().Err(err).Str("key", key).Msg("Skipping unparseable status key")
				continue
			}
			identities = append(identities, identity)
		}
	}
	return identities, nil
}

// Teardown deletes the identity's status record after stopping it. This is
// the only path that removes a record.
func (s *Supervisor) Teardown(ctx context.Context, identity statestore.Identity) error {
	if err := s.Stop(ctx, identity, true); err != nil {
		return err
	}
	return s.Reporter(identity).Delete(ctx)
}

func (s *Supervisor) lockIdentity(identity statestore.Identity) func() {
	key := identity.StatusKey()

	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (s *Supervisor) waitUntilDead(ctx context.Context, driver Driver, identity statestore.Identity, rec *status.Record, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for {
		if !driver.Alive(ctx, identity, rec) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		if !sleepCtx(ctx, s.pollInterval) {
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
