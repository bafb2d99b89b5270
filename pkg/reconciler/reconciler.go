// Package reconciler is the periodic repair loop: it sweeps every status
// record, stops workers that have gone idle and revives workers whose record
// claims a live process that no longer exists.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nabil/orka/internal/metrics"
	"github.com/nabil/orka/pkg/service"
	"github.com/nabil/orka/pkg/statestore"
	"github.com/nabil/orka/pkg/status"
	"github.com/nabil/orka/pkg/supervisor"
)

const (
	DefaultInterval          = 30 * time.Second
	DefaultStartupDelay      = 10 * time.Second
	DefaultInactivityTimeout = 30 * time.Minute
)

// Config configures the reconciler.
type Config struct {
	Supervisor *supervisor.Supervisor
	Fetch      supervisor.DescriptorFunc // re-resolves integration settings before revival
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics // optional

	// Interval is the pause between passes.
	Interval time.Duration
	// StartupDelay holds the first pass back so freshly supervised workers
	// are not swept while they are still confirming.
	StartupDelay time.Duration
	// InactivityTimeout is how stale last_active may get before a running
	// worker is considered idle.
	InactivityTimeout time.Duration
}

// Reconciler runs idle and crash sweeps on a fixed interval.
type Reconciler struct {
	cfg       Config
	logger    zerolog.Logger
	component *service.Component

	// tunables are mutable at runtime via UpdateTunables.
	tunableMu         sync.Mutex
	interval          time.Duration
	inactivityTimeout time.Duration

	now func() time.Time
}

// New creates a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Supervisor == nil {
		return nil, errors.New("supervisor is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StartupDelay < 0 {
		cfg.StartupDelay = DefaultStartupDelay
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}

	r := &Reconciler{
		cfg:               cfg,
		logger:            cfg.Logger.With().Str("component", "reconciler").Logger(),
		interval:          cfg.Interval,
		inactivityTimeout: cfg.InactivityTimeout,
		now:               time.Now,
	}
	r.component = service.New(service.Config{
		Name:   "reconciler",
		Logger: cfg.Logger,
	})
	r.component.AddTask("sweep", r.sweepLoop)
	return r, nil
}

// Run drives the reconciler until stopped.
func (r *Reconciler) Run(ctx context.Context) error {
	return r.component.Run(ctx)
}

// InitiateShutdown requests a cooperative stop.
func (r *Reconciler) InitiateShutdown() {
	r.component.InitiateShutdown()
}

// Done is closed once the reconciler has fully finished.
func (r *Reconciler) Done() <-chan struct{} {
	return r.component.Done()
}

func (r *Reconciler) sweepLoop(ctx context.Context) error {
	if r.cfg.StartupDelay > 0 {
		r.logger.Info().Dur("delay", r.cfg.StartupDelay).Msg("Reconciler holding back before first pass")
		if !sleepCtx(ctx, r.cfg.StartupDelay) {
			return nil
		}
	}

	for {
		r.Pass(ctx)
		if !sleepCtx(ctx, r.currentInterval()) {
			return nil
		}
	}
}

// UpdateTunables applies reloaded sweep settings. Takes effect from the next
// pass onward.
func (r *Reconciler) UpdateTunables(interval, inactivityTimeout time.Duration) {
	r.tunableMu.Lock()
	defer r.tunableMu.Unlock()
	if interval > 0 {
		r.interval = interval
	}
	if inactivityTimeout > 0 {
		r.inactivityTimeout = inactivityTimeout
	}
}

func (r *Reconciler) currentInterval() time.Duration {
	r.tunableMu.Lock()
	defer r.tunableMu.Unlock()
	return r.interval
}

func (r *Reconciler) currentInactivityTimeout() time.Duration {
	r.tunableMu.Lock()
	defer r.tunableMu.Unlock()
	return r.inactivityTimeout
}

// Pass runs one reconciliation pass. Exported so a CLI can trigger a sweep
// on demand.
func (r *Reconciler) Pass(ctx context.Context) {
	start := r.now()

	identities, err := r.cfg.Supervisor.Identities(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Reconciliation pass skipped, identity scan failed")
		return
	}

	var idle, crashed int
	for _, identity := range identities {
		if ctx.Err() != nil {
			return
		}

		rec, err := r.cfg.Supervisor.Status(ctx, identity)
		if err != nil {
			r.logger.Warn().Err(err).Str("worker_id", identity.WorkerID).Msg("Skipping identity, status read failed")
			continue
		}
		if rec == nil {
			continue
		}

		switch {
		case r.isIdle(rec):
			idle++
			r.reclaimIdle(ctx, identity)
		case rec.Status == status.StateErrorProcessLost || rec.Status == status.StateErrorCrashed:
			crashed++
			r.revive(ctx, identity)
		}
	}

	elapsed := time.Since(start)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ReconcilerPassesTotal.Inc()
		r.cfg.Metrics.ReconcilerPassDuration.Observe(elapsed.Seconds())
	}
	r.logger.Debug().
		Int("identities", len(identities)).
		Int("idle", idle).
		Int("crashed", crashed).
		Dur("elapsed", elapsed).
		Msg("Reconciliation pass complete")
}

// isIdle reports whether a running worker has been silent past the timeout.
// A worker that never stamped last_active is judged from its start attempt so
// a hung launch still gets reclaimed eventually.
func (r *Reconciler) isIdle(rec *status.Record) bool {
	if rec.Status != status.StateRunning {
		return false
	}
	last := rec.LastActive
	if last.IsZero() {
		last = rec.StartAttempt
	}
	if last.IsZero() {
		return false
	}
	return r.now().Sub(last) > r.currentInactivityTimeout()
}

func (r *Reconciler) reclaimIdle(ctx context.Context, identity statestore.Identity) {
	r.logger.Info().Str("worker_id", identity.WorkerID).Str("kind", string(identity.Kind)).Msg("Stopping idle worker")
	if err := r.cfg.Supervisor.Stop(ctx, identity, false); err != nil {
		r.cfg.Metrics.ObserveReconcilerAction("idle_stop_failed")
		r.logger.Warn().Err(err).Str("worker_id", identity.WorkerID).Msg("Idle stop failed")
		return
	}
	r.cfg.Metrics.ObserveReconcilerAction("idle_stop")
}

// revive restarts a worker whose process is gone. Integrations get their
// settings re-resolved first so a revival never runs on stale configuration.
func (r *Reconciler) revive(ctx context.Context, identity statestore.Identity) {
	if identity.Kind.IsIntegration() && r.cfg.Fetch != nil {
		if _, err := r.cfg.Fetch(ctx, identity); err != nil {
			r.cfg.Metrics.ObserveReconcilerAction("revive_config_failed")
			r.logger.Warn().Err(err).Str("worker_id", identity.WorkerID).Msg("Revival skipped, settings fetch failed")
			return
		}
	}

	r.logger.Info().Str("worker_id", identity.WorkerID).Str("kind", string(identity.Kind)).Msg("Reviving crashed worker")
	if err := r.cfg.Supervisor.Restart(ctx, identity); err != nil {
		r.cfg.Metrics.ObserveReconcilerAction("revive_failed")
		r.logger.Warn().Err(err).Str("worker_id", identity.WorkerID).Msg("Revival failed")
		return
	}
	r.cfg.Metrics.ObserveReconcilerAction("revive")
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
