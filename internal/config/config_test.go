package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_YAML(t *testing.T) {
	content := `
server:
  port: 8080
gateway:
  heartbeat_interval: 10s
  heartbeat_timeout: 30s
  outbound_buffer_limit: 32
  backpressure_policy: disconnect
backplane:
  driver: redis
  redis_addr: redis:6379
  reconnect_backoff:
    initial: 500ms
    max: 10s
logging:
  level: debug
`
	cfg, err := Load(LoadOptions{Path: writeTempFile(t, "config.yaml", content)})
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, 32, cfg.Gateway.OutboundBufferLimit)
	assert.Equal(t, BackpressureDisconnect, cfg.Gateway.BackpressurePolicy)
	assert.Equal(t, DriverRedis, cfg.Backplane.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.Backplane.ReconnectBackoff.Initial)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched keys keep defaults
	assert.Equal(t, 50, cfg.Gateway.HistorySize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("GATEWAY_SERVER_PORT", "9090")
	t.Setenv("GATEWAY_RECONNECT_WINDOW", "45s")
	t.Setenv("TEST_DB_PASSWORD", "secret123")

	content := `
server:
  port: 8080
database:
  host: db
  name: gateway
  password: ${TEST_DB_PASSWORD}
`
	cfg, err := Load(LoadOptions{Path: writeTempFile(t, "config.yml", content)})
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Gateway.ReconnectWindow)
	assert.Equal(t, "secret123", cfg.Database.Password)
	assert.True(t, cfg.Database.Enabled())
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("GATEWAY_HEARTBEAT_INTERVAL", "soon")

	_, err := Load()
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "GATEWAY_HEARTBEAT_INTERVAL", cfgErr.Field)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	_, err := Load(LoadOptions{Path: writeTempFile(t, "config.toml", "x = 1")})
	assert.ErrorContains(t, err, "unsupported config file format")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"timeout not above interval", func(c *Config) { c.Gateway.HeartbeatTimeout = c.Gateway.HeartbeatInterval }, "gateway.heartbeat_timeout"},
		{"unknown policy", func(c *Config) { c.Gateway.BackpressurePolicy = "block" }, "gateway.backpressure_policy"},
		{"empty outbox", func(c *Config) { c.Gateway.OutboundBufferLimit = 0 }, "gateway.outbound_buffer_limit"},
		{"unknown driver", func(c *Config) { c.Backplane.Driver = "kafka" }, "backplane.driver"},
		{"nats without url", func(c *Config) { c.Backplane.Driver = DriverNATS; c.Backplane.NATSURL = "" }, "backplane.nats_url"},
		{"backoff cap below initial", func(c *Config) { c.Backplane.ReconnectBackoff.Max = time.Millisecond }, "backplane.reconnect_backoff.max"},
		{"database without name", func(c *Config) { c.Database.Host = "db" }, "database.name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
