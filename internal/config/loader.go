package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadOptions represents options for loading configuration
type LoadOptions struct {
	Path string
}

// Load loads configuration from various sources
func Load(opts ...LoadOptions) (*Config, error) {
	cfg := Default()

	var options LoadOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	if options.Path != "" {
		if err := loadFromFile(cfg, options.Path); err != nil {
			return nil, err
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile loads configuration from a file. ${VAR} references are
// expanded from the environment before parsing.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

// loadFromEnv overrides configuration from GATEWAY_* environment variables.
func loadFromEnv(cfg *Config) error {
	env := envReader{}

	env.str("GATEWAY_SERVER_HOST", &cfg.Server.Host)
	env.int("GATEWAY_SERVER_PORT", &cfg.Server.Port)

	env.str("GATEWAY_LOG_LEVEL", &cfg.Logging.Level)
	env.str("GATEWAY_LOG_FORMAT", &cfg.Logging.Format)

	env.str("GATEWAY_INSTANCE_ID", &cfg.Gateway.InstanceID)
	env.duration("GATEWAY_HEARTBEAT_INTERVAL", &cfg.Gateway.HeartbeatInterval)
	env.duration("GATEWAY_HEARTBEAT_TIMEOUT", &cfg.Gateway.HeartbeatTimeout)
	env.duration("GATEWAY_HANDSHAKE_TIMEOUT", &cfg.Gateway.HandshakeTimeout)
	env.duration("GATEWAY_RECONNECT_WINDOW", &cfg.Gateway.ReconnectWindow)
	env.int("GATEWAY_OUTBOUND_BUFFER_LIMIT", &cfg.Gateway.OutboundBufferLimit)
	env.str("GATEWAY_BACKPRESSURE_POLICY", &cfg.Gateway.BackpressurePolicy)
	env.duration("GATEWAY_SHUTDOWN_GRACE_PERIOD", &cfg.Gateway.ShutdownGracePeriod)
	if origins := os.Getenv("GATEWAY_ALLOWED_ORIGINS"); origins != "" {
		cfg.Gateway.AllowedOrigins = strings.Split(origins, ",")
	}

	env.str("GATEWAY_BACKPLANE_DRIVER", &cfg.Backplane.Driver)
	env.str("GATEWAY_BACKPLANE_PREFIX", &cfg.Backplane.ChannelPrefix)
	env.str("GATEWAY_REDIS_ADDR", &cfg.Backplane.RedisAddr)
	env.str("GATEWAY_REDIS_PASSWORD", &cfg.Backplane.RedisPassword)
	env.str("GATEWAY_NATS_URL", &cfg.Backplane.NATSURL)

	env.str("GATEWAY_DB_HOST", &cfg.Database.Host)
	env.int("GATEWAY_DB_PORT", &cfg.Database.Port)
	env.str("GATEWAY_DB_NAME", &cfg.Database.Name)
	env.str("GATEWAY_DB_USER", &cfg.Database.User)
	env.str("GATEWAY_DB_PASSWORD", &cfg.Database.Password)
	env.str("GATEWAY_DB_SSLMODE", &cfg.Database.SSLMode)

	return env.err
}

// envReader applies variables that are set and remembers the first parse error.
type envReader struct {
	err error
}

func (e *envReader) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = NewConfigError(key, "invalid integer")
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = NewConfigError(key, "invalid duration")
		return
	}
	*dst = d
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

// NewConfigError creates a new configuration error
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field '%s': %s", e.Field, e.Message)
}
