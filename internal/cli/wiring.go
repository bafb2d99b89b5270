package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/nabil/orka/internal/config"
	"github.com/nabil/orka/internal/logger"
	"github.com/nabil/orka/internal/metrics"
	"github.com/nabil/orka/pkg/statestore"
	"github.com/nabil/orka/pkg/supervisor"
)

// loadConfig loads and validates the configuration honoring the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config, console bool) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: console,
		Pretty:  console,
	})
}

// buildStore connects the shared state store.
func buildStore(ctx context.Context, cfg *config.Config) (statestore.Store, error) {
	if cfg.Redis.InMemory {
		return statestore.NewMemoryStore(), nil
	}
	return statestore.NewRedisStore(ctx, statestore.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// buildDrivers assembles the runtime drivers enabled by config. The local
// driver is always available; the container driver joins it when docker is
// the configured runtime.
func buildDrivers(ctx context.Context, cfg *config.Config, log zerolog.Logger) ([]supervisor.Driver, error) {
	binary := cfg.Runtime.WorkerBinary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve worker binary: %w", err)
		}
		binary = exe
	}

	local, err := supervisor.NewLocalDriver(binary, cfg.ConfigServiceURL, log)
	if err != nil {
		return nil, err
	}
	drivers := []supervisor.Driver{local}

	if cfg.Runtime.Kind == "container" {
		if err := supervisor.CheckDocker(ctx); err != nil {
			return nil, fmt.Errorf("container runtime configured but docker unavailable: %w", err)
		}
		drivers = append(drivers, supervisor.NewContainerDriver(
			cfg.Runtime.ContainerImage, cfg.ConfigServiceURL, cfg.Runtime.DockerArgs, log))
	}
	return drivers, nil
}

// buildSupervisor wires a supervisor against the store and config service.
func buildSupervisor(ctx context.Context, cfg *config.Config, store statestore.Store, log zerolog.Logger, m *metrics.Metrics) (*supervisor.Supervisor, error) {
	drivers, err := buildDrivers(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	return supervisor.New(supervisor.Config{
		Store:           store,
		Fetch:           supervisor.HTTPDescriptorFetcher(cfg.ConfigServiceURL, http.DefaultClient),
		Drivers:         drivers,
		Logger:          log,
		Metrics:         m,
		StopGracePeriod: cfg.Supervisor.StopGracePeriod,
		PollInterval:    cfg.Supervisor.PollInterval,
		ForceWait:       cfg.Supervisor.ForceWait,
		RestartDelay:    cfg.Supervisor.RestartDelay,
	})
}
