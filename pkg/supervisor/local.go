package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/nabil/orka/pkg/statestore"
	"github.com/nabil/orka/pkg/status"
)

// LocalDriver runs workers as local OS processes.
//
// Launch contract: the worker binary is invoked with flags naming the worker
// and the URL to fetch its configuration from. The child runs in its own
// session so orchestrator signals do not propagate to it.
type LocalDriver struct {
	binary    string
	configURL string
	logger    zerolog.Logger
}

// NewLocalDriver creates a local-process driver. binary is the worker
// executable (normally the orka binary itself).
func NewLocalDriver(binary, configURL string, logger zerolog.Logger) (*LocalDriver, error) {
	if binary == "" {
		return nil, fmt.Errorf("worker binary path is required")
	}
	return &LocalDriver{
		binary:    binary,
		configURL: configURL,
		logger:    logger.With().Str("runtime", string(status.RuntimeLocal)).Logger(),
	}, nil
}

func (d *LocalDriver) Kind() status.RuntimeKind {
	return status.RuntimeLocal
}

func (d *LocalDriver) Launch(ctx context.Context, identity statestore.Identity, desc *Descriptor) (*Launch, error) {
	args := []string{
		"worker",
		"--worker-id", identity.WorkerID,
		"--kind", string(identity.Kind),
		"--config-url", d.configURL,
	}

	cmd := exec.Command(d.binary, args...)
	cmd.Env = os.Environ()
	for k, v := range desc.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: spawn %s: %v", ErrLaunch, d.binary, err)
	}

	pid := cmd.Process.Pid

	// Reap the child when it exits so it does not linger as a zombie.
	go func() { _ = cmd.Wait() }()

	d.logger.Info().
		Str("worker_id", identity.WorkerID).
		Str("kind", string(identity.Kind)).
		Int("pid", pid).
		Msg("Worker process launched")

	return &Launch{PID: pid}, nil
}

func (d *LocalDriver) Terminate(ctx context.Context, identity statestore.Identity, rec *status.Record, force bool) error {
	if rec.PID == 0 {
		return nil
	}

	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(rec.PID, sig); err != nil {
		if err == syscall.ESRCH {
			return nil // already gone
		}
		return fmt.Errorf("signal pid %d: %w", rec.PID, err)
	}

	d.logger.Debug().
		Str("worker_id", identity.WorkerID).
		Int("pid", rec.PID).
		Str("signal", sig.String()).
		Msg("Termination signal sent")
	return nil
}

func (d *LocalDriver) Alive(ctx context.Context, identity statestore.Identity, rec *status.Record) bool {
	if rec.PID == 0 {
		return false
	}

	process, err := os.FindProcess(rec.PID)
	if err != nil {
		return false
	}

	// On Unix FindProcess always succeeds; signal 0 is the real check.
	err = process.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
