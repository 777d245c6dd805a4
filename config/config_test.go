package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
database:
  url: postgres://localhost/engine
queue:
  url: amqp://localhost
redis:
  url: redis://localhost:6379/0
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "migration-engine", cfg.Service.Name)
	assert.Equal(t, "development", cfg.Service.Environment)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.True(t, cfg.Database.Migrate)
	assert.Equal(t, 10*time.Minute, cfg.Redis.DedupWindow)
	assert.Equal(t, 2*time.Minute, cfg.Redis.LockTTL)
	assert.Equal(t, time.Minute, cfg.Scheduler.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.QueryTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfigFileOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
server:
  port: 9090
scheduler:
  tick_interval: 15s
logging:
  level: debug
  format: text
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("MWO_DATABASE_URL", "postgres://db.internal/engine")
	t.Setenv("MWO_LOGGING_LEVEL", "warn")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "postgres://db.internal/engine", cfg.Database.URL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		cfg, err := LoadConfig(writeConfig(t, minimalConfig))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing database url", func(c *Config) { c.Database.URL = "" }, "database.url"},
		{"missing queue url", func(c *Config) { c.Queue.URL = "" }, "queue.url"},
		{"missing redis url", func(c *Config) { c.Redis.URL = "" }, "redis.url"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server port"},
		{"zero tick interval", func(c *Config) { c.Scheduler.TickInterval = 0 }, "tick_interval"},
		{"zero query timeout", func(c *Config) { c.Scheduler.QueryTimeout = 0 }, "query_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, ValidateConfig(cfg), tt.wantErr)
		})
	}
}

func TestLoadConfigMissingRequired(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "server:\n  port: 8080\n"))
	assert.ErrorContains(t, err, "database.url")
}
