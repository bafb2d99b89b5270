package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nabil/orka/pkg/statestore"
	"github.com/nabil/orka/pkg/status"
)

const dockerCommandTimeout = 10 * time.Second

// ContainerDriver runs workers inside detached docker containers named
// worker_runner_{id}, with the identity passed via environment.
type ContainerDriver struct {
	defaultImage string
	configURL    string
	extraArgs    []string
	logger       zerolog.Logger

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, args ...string) (string, error)
}

// CheckDocker verifies that the docker daemon is available and responsive.
func CheckDocker(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := runDocker(ctx, "ps", "-q"); err != nil {
		return fmt.Errorf("docker is not available or not running: %w", err)
	}
	return nil
}

// NewContainerDriver creates a docker-backed driver.
func NewContainerDriver(defaultImage, configURL string, extraArgs []string, logger zerolog.Logger) *ContainerDriver {
	return &ContainerDriver{
		defaultImage: defaultImage,
		configURL:    configURL,
		extraArgs:    extraArgs,
		logger:       logger.With().Str("runtime", string(status.RuntimeContainer)).Logger(),
		runCommand:   runDocker,
	}
}

func (d *ContainerDriver) Kind() status.RuntimeKind {
	return status.RuntimeContainer
}

func (d *ContainerDriver) Launch(ctx context.Context, identity statestore.Identity, desc *Descriptor) (*Launch, error) {
	image := strings.TrimSpace(desc.Image)
	if image == "" {
		image = d.defaultImage
	}
	if image == "" {
		return nil, fmt.Errorf("%w: no container image configured for %s", ErrLaunch, identity)
	}

	name := identity.ContainerName()

	// docker kill leaves the container in Exited state still holding its
	// name; a leftover from a previous run would make this run collide.
	if err := d.Remove(ctx, identity); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	args := []string{"run", "-d", "--name", name,
		"-e", fmt.Sprintf("ORKA_WORKER_ID=%s", identity.WorkerID),
		"-e", fmt.Sprintf("ORKA_WORKER_KIND=%s", identity.Kind),
		"-e", fmt.Sprintf("ORKA_CONFIG_URL=%s", d.configURL),
	}

	envKeys := make([]string, 0, len(desc.Env))
	for k := range desc.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, desc.Env[k]))
	}

	args = append(args, d.extraArgs...)
	args = append(args, image)

	out, err := d.runCommand(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: docker run %s: %v", ErrLaunch, name, err)
	}

	containerID := strings.TrimSpace(out)
	d.logger.Info().
		Str("worker_id", identity.WorkerID).
		Str("container_name", name).
		Str("container_id", containerID).
		Str("image", image).
		Msg("Worker container launched")

	return &Launch{ContainerName: name, ContainerID: containerID}, nil
}

func (d *ContainerDriver) Terminate(ctx context.Context, identity statestore.Identity, rec *status.Record, force bool) error {
	name := rec.ContainerName
	if name == "" {
		name = identity.ContainerName()
	}

	// SIGTERM without blocking on docker's own wait; the supervisor polls
	// liveness itself. Force goes straight to the default KILL.
	args := []string{"kill", "--signal", "TERM", name}
	if force {
		args = []string{"kill", name}
	}

	if _, err := d.runCommand(ctx, args...); err != nil {
		if isNoSuchContainer(err) {
			return nil
		}
		return fmt.Errorf("docker kill %s: %w", name, err)
	}
	return nil
}

func (d *ContainerDriver) Alive(ctx context.Context, identity statestore.Identity, rec *status.Record) bool {
	name := rec.ContainerName
	if name == "" {
		name = identity.ContainerName()
	}

	out, err := d.runCommand(ctx, "inspect", "-f", "{{.State.Running}}", name)
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

// Remove deletes a stopped worker container so its name can be reused.
func (d *ContainerDriver) Remove(ctx context.Context, identity statestore.Identity) error {
	if _, err := d.runCommand(ctx, "rm", "-f", identity.ContainerName()); err != nil && !isNoSuchContainer(err) {
		return fmt.Errorf("docker rm %s: %w", identity.ContainerName(), err)
	}
	return nil
}

func runDocker(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, dockerCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("docker %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

func isNoSuchContainer(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No such container")
}
