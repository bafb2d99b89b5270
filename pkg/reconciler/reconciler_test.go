package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabil/orka/pkg/statestore"
	"github.com/nabil/orka/pkg/status"
	"github.com/nabil/orka/pkg/supervisor"
)

type stubDriver struct {
	mu       sync.Mutex
	alive    map[string]bool
	launches map[string]int
	nextPID  int
}

func newStubDriver() *stubDriver {
	return &stubDriver{alive: make(map[string]bool), launches: make(map[string]int), nextPID: 1000}
}

func (d *stubDriver) Kind() status.RuntimeKind { return status.RuntimeLocal }

func (d *stubDriver) Launch(_ context.Context, identity statestore.Identity, _ *supervisor.Descriptor) (*supervisor.Launch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches[identity.String()]++
	d.alive[identity.String()] = true
	d.nextPID++
	return &supervisor.Launch{PID: d.nextPID}, nil
}

func (d *stubDriver) Terminate(_ context.Context, identity statestore.Identity, _ *status.Record, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alive[identity.String()] = false
	return nil
}

func (d *stubDriver) Alive(_ context.Context, identity statestore.Identity, _ *status.Record) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive[identity.String()]
}

func (d *stubDriver) launchCount(identity statestore.Identity) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches[identity.String()]
}

func (d *stubDriver) setAlive(identity statestore.Identity, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alive[identity.String()] = v
}

type fixture struct {
	store      *statestore.MemoryStore
	driver     *stubDriver
	sup        *supervisor.Supervisor
	reconciler *Reconciler
	fetchErr   error
	fetches    map[string]int
	mu         sync.Mutex
}

func newFixture(t *testing.T, inactivity time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		store:   statestore.NewMemoryStore(),
		driver:  newStubDriver(),
		fetches: make(map[string]int),
	}

	fetch := func(_ context.Context, identity statestore.Identity) (*supervisor.Descriptor, error) {
		f.mu.Lock()
		f.fetches[identity.String()]++
		f.mu.Unlock()
		if f.fetchErr != nil {
			return nil, f.fetchErr
		}
		return &supervisor.Descriptor{
			WorkerID: identity.WorkerID,
			Kind:     string(identity.Kind),
			Runtime:  status.RuntimeLocal,
		}, nil
	}

	sup, err := supervisor.New(supervisor.Config{
		Store:           f.store,
		Fetch:           fetch,
		Drivers:         []supervisor.Driver{f.driver},
		Logger:          zerolog.Nop(),
		StopGracePeriod: 100 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		RestartDelay:    time.Millisecond,
	})
	require.NoError(t, err)
	f.sup = sup

	rec, err := New(Config{
		Supervisor:        sup,
		Fetch:             fetch,
		Logger:            zerolog.Nop(),
		Interval:          time.Hour,
		StartupDelay:      0,
		InactivityTimeout: inactivity,
	})
	require.NoError(t, err)
	f.reconciler = rec
	return f
}

func (f *fixture) fetchCount(identity statestore.Identity) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[identity.String()]
}

func agentIdentity(t *testing.T, id string) statestore.Identity {
	t.Helper()
	identity, err := statestore.NewIdentity(id, statestore.KindAgent)
	require.NoError(t, err)
	return identity
}

func integrationIdentity(t *testing.T, id string) statestore.Identity {
	t.Helper()
	identity, err := statestore.NewIdentity(id, statestore.IntegrationKind("telegram"))
	require.NoError(t, err)
	return identity
}

func TestNewRequiresSupervisor(t *testing.T) {
	_, err := New(Config{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestIdleRunningWorkerIsStopped(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()
	identity := agentIdentity(t, "w1")

	require.NoError(t, f.sup.Start(ctx, identity))

	// Backdate last_active past the inactivity window.
	rep := f.sup.Reporter(identity)
	require.NoError(t, rep.MarkAs(ctx, status.StateRunning, map[string]string{
		status.FieldLastActive: time.Now().Add(-time.Minute).UTC().Format(time.RFC3339Nano),
	}))

	f.reconciler.Pass(ctx)

	got, err := f.sup.Status(ctx, identity)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, status.StateStopped, got.Status)
}

func TestFreshWorkerLeftAlone(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	identity := agentIdentity(t, "w1")

	require.NoError(t, f.sup.Start(ctx, identity))
	rep := f.sup.Reporter(identity)
	require.NoError(t, rep.MarkAs(ctx, status.StateRunning, map[string]string{
		status.FieldLastActive: time.Now().UTC().Format(time.RFC3339Nano),
	}))

	f.reconciler.Pass(ctx)

	got, err := f.sup.Status(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, status.StateRunning, got.Status)
	assert.Equal(t, 1, f.driver.launchCount(identity))
}

func TestCrashedAgentIsRevived(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	identity := agentIdentity(t, "w1")

	require.NoError(t, f.sup.Start(ctx, identity))
	require.NoError(t, f.sup.Reporter(identity).MarkAs(ctx, status.StateRunning, nil))

	// Process dies behind the record's back. The pass's self-healing status
	// read downgrades it to error_process_lost and the same pass revives it.
	f.driver.setAlive(identity, false)
	f.reconciler.Pass(ctx)

	got, err := f.sup.Status(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, status.StateRunningPendingConfirm, got.Status)
	assert.Equal(t, 2, f.driver.launchCount(identity))
}

func TestIntegrationRevivalRefetchesSettings(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	identity := integrationIdentity(t, "w1")

	require.NoError(t, f.sup.Start(ctx, identity))
	require.NoError(t, f.sup.Reporter(identity).MarkError(ctx, status.StateErrorCrashed, "boom"))
	f.driver.setAlive(identity, false)

	before := f.fetchCount(identity)
	f.reconciler.Pass(ctx)

	// One settings re-fetch by the reconciler plus one by the restart itself.
	assert.GreaterOrEqual(t, f.fetchCount(identity), before+2)
	assert.Equal(t, 2, f.driver.launchCount(identity))
}

func TestIntegrationRevivalSkippedWhenFetchFails(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	identity := integrationIdentity(t, "w1")

	require.NoError(t, f.sup.Start(ctx, identity))
	require.NoError(t, f.sup.Reporter(identity).MarkError(ctx, status.StateErrorCrashed, "boom"))
	f.driver.setAlive(identity, false)

	f.fetchErr = errors.New("config service down")
	f.reconciler.Pass(ctx)

	assert.Equal(t, 1, f.driver.launchCount(identity))
}

func TestUpdateTunables(t *testing.T) {
	f := newFixture(t, time.Hour)

	f.reconciler.UpdateTunables(5*time.Second, 10*time.Minute)
	assert.Equal(t, 5*time.Second, f.reconciler.currentInterval())
	assert.Equal(t, 10*time.Minute, f.reconciler.currentInactivityTimeout())

	// Zero values leave the previous settings in place.
	f.reconciler.UpdateTunables(0, 0)
	assert.Equal(t, 5*time.Second, f.reconciler.currentInterval())
	assert.Equal(t, 10*time.Minute, f.reconciler.currentInactivityTimeout())
}

func TestStoppedWorkerNotRevived(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	identity := agentIdentity(t, "w1")

	require.NoError(t, f.sup.Start(ctx, identity))
	require.NoError(t, f.sup.Stop(ctx, identity, true))

	f.reconciler.Pass(ctx)

	got, err := f.sup.Status(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, status.StateStopped, got.Status)
	assert.Equal(t, 1, f.driver.launchCount(identity))
}
