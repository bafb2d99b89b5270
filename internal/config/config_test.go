package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults pass",
			mutate: func(*Config) {},
		},
		{
			name:    "missing redis addr",
			mutate:  func(c *Config) { c.Redis.Addr = "" },
			wantErr: true,
		},
		{
			name:   "in-memory store needs no addr",
			mutate: func(c *Config) { c.Redis.Addr = ""; c.Redis.InMemory = true },
		},
		{
			name:    "unknown runtime kind",
			mutate:  func(c *Config) { c.Runtime.Kind = "vm" },
			wantErr: true,
		},
		{
			name:    "missing config service URL",
			mutate:  func(c *Config) { c.ConfigServiceURL = "" },
			wantErr: true,
		},
		{
			name:    "bridge enabled without port",
			mutate:  func(c *Config) { c.Bridge.Port = 0 },
			wantErr: true,
		},
		{
			name:   "bridge disabled ignores port",
			mutate: func(c *Config) { c.Bridge.Enabled = false; c.Bridge.Port = 0 },
		},
		{
			name:    "non-positive reconciler interval",
			mutate:  func(c *Config) { c.Reconciler.Interval = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "orka.json"))
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Reconciler.Interval)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orka.json")
	body := `{
		"redis": {"addr": "redis:6380"},
		"runtime": {"kind": "container", "container_image": "orka-worker:latest"},
		"supervisor": {"poll_interval": "50ms"},
		"reconciler": {"interval": "5s", "inactivity_timeout": "10m"},
		"queues": {"fk_retries": 9}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "container", cfg.Runtime.Kind)
	assert.Equal(t, "orka-worker:latest", cfg.Runtime.ContainerImage)
	assert.Equal(t, 50*time.Millisecond, cfg.Supervisor.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Reconciler.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Reconciler.InactivityTimeout)
	assert.Equal(t, 9, cfg.Queues.FKRetries)

	// Untouched sections keep defaults.
	assert.Equal(t, "chat_history_queue", cfg.Queues.HistoryQueue)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ORKA_REDIS_ADDR", "env-redis:6379")
	t.Setenv("ORKA_TELEGRAM_BOT_TOKEN", "env-token")

	loader := NewLoader(filepath.Join(t.TempDir(), "orka.json"))
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "env-token", cfg.Telegram.BotToken)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orka.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Redis.Addr = "saved:6379"
	cfg.Queues.FKRetries = 7
	require.NoError(t, loader.Save(cfg))

	got, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "saved:6379", got.Redis.Addr)
	assert.Equal(t, 7, got.Queues.FKRetries)
}
