package config

import (
	"fmt"
	"time"
)

// Config represents the main orchestrator configuration
type Config struct {
	// Redis connection backing the shared state store
	Redis RedisConfig `json:"redis" mapstructure:"redis"`

	// Runtime selects how worker processes are launched
	Runtime RuntimeConfig `json:"runtime" mapstructure:"runtime"`

	// ConfigServiceURL is where worker descriptors are fetched from
	ConfigServiceURL string `json:"config_service_url" mapstructure:"config_service_url"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Supervisor SupervisorConfig `json:"supervisor" mapstructure:"supervisor"`
	Reconciler ReconcilerConfig `json:"reconciler" mapstructure:"reconciler"`
	Queues     QueuesConfig     `json:"queues" mapstructure:"queues"`
	Bridge     BridgeConfig     `json:"bridge" mapstructure:"bridge"`
	Telegram   TelegramConfig   `json:"telegram" mapstructure:"telegram"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
}

// RedisConfig holds the shared store connection settings
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`

	// InMemory swaps the redis store for the in-process one. Dev mode only;
	// nothing is shared across processes.
	InMemory bool `json:"in_memory" mapstructure:"in_memory"`
}

// RuntimeConfig selects and parameterizes the worker runtime
type RuntimeConfig struct {
	Kind string `json:"kind" mapstructure:"kind"` // local, container

	// WorkerBinary is the executable the local runtime launches. Defaults to
	// the running binary itself.
	WorkerBinary string `json:"worker_binary" mapstructure:"worker_binary"`

	// ContainerImage is the default image for container workers without one
	// in their descriptor.
	ContainerImage string `json:"container_image" mapstructure:"container_image"`

	// DockerArgs are extra arguments appended to every docker run.
	DockerArgs []string `json:"docker_args" mapstructure:"docker_args"`
}

// SupervisorConfig holds process supervision tunables
type SupervisorConfig struct {
	StopGracePeriod time.Duration `json:"stop_grace_period" mapstructure:"stop_grace_period"`
	PollInterval    time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	ForceWait       time.Duration `json:"force_wait" mapstructure:"force_wait"`
	RestartDelay    time.Duration `json:"restart_delay" mapstructure:"restart_delay"`
}

// ReconcilerConfig holds reconciliation sweep tunables
type ReconcilerConfig struct {
	Enabled           bool          `json:"enabled" mapstructure:"enabled"`
	Interval          time.Duration `json:"interval" mapstructure:"interval"`
	StartupDelay      time.Duration `json:"startup_delay" mapstructure:"startup_delay"`
	InactivityTimeout time.Duration `json:"inactivity_timeout" mapstructure:"inactivity_timeout"`
}

// QueuesConfig holds the reliable-queue consumer settings
type QueuesConfig struct {
	HistoryQueue   string        `json:"history_queue" mapstructure:"history_queue"`
	UsageQueue     string        `json:"usage_queue" mapstructure:"usage_queue"`
	ProcessTimeout time.Duration `json:"process_timeout" mapstructure:"process_timeout"`
	FKRetries      int           `json:"fk_retries" mapstructure:"fk_retries"`
	FKRetryDelay   time.Duration `json:"fk_retry_delay" mapstructure:"fk_retry_delay"`
}

// BridgeConfig holds websocket bridge settings
type BridgeConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	Port    int  `json:"port" mapstructure:"port"`
}

// TelegramConfig holds Telegram integration settings
type TelegramConfig struct {
	BotToken string `json:"bot_token" mapstructure:"bot_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `json:"level" mapstructure:"level"`
	File  string `json:"file" mapstructure:"file"`
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Runtime: RuntimeConfig{
			Kind: "local",
		},
		ConfigServiceURL: "http://localhost:8070",
		Supervisor: SupervisorConfig{
			StopGracePeriod: 10 * time.Second,
			PollInterval:    250 * time.Millisecond,
			ForceWait:       3 * time.Second,
			RestartDelay:    time.Second,
		},
		Reconciler: ReconcilerConfig{
			Enabled:           true,
			Interval:          30 * time.Second,
			StartupDelay:      10 * time.Second,
			InactivityTimeout: 30 * time.Minute,
		},
		Queues: QueuesConfig{
			HistoryQueue:   "chat_history_queue",
			UsageQueue:     "usage_event_queue",
			ProcessTimeout: 30 * time.Second,
			FKRetries:      5,
			FKRetryDelay:   500 * time.Millisecond,
		},
		Bridge: BridgeConfig{
			Enabled: true,
			Port:    8071,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for invalid combinations
func (c *Config) Validate() error {
	if !c.Redis.InMemory && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.Runtime.Kind != "local" && c.Runtime.Kind != "container" {
		return fmt.Errorf("invalid runtime kind: %s", c.Runtime.Kind)
	}
	if c.ConfigServiceURL == "" {
		return fmt.Errorf("config service URL is required")
	}
	if c.Bridge.Enabled && c.Bridge.Port <= 0 {
		return fmt.Errorf("invalid bridge port: %d", c.Bridge.Port)
	}
	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler interval must be positive")
	}
	if c.Queues.FKRetries < 0 {
		return fmt.Errorf("fk retries cannot be negative")
	}
	return nil
}
