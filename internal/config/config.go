package config

import (
	"time"

	"github.com/HMasataka/gateway/internal/logging"
)

// Backpressure policies applied when a connection's outbound queue is full.
const (
	BackpressureDropOldest = "drop-oldest"
	BackpressureDisconnect = "disconnect"
)

// Backplane drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverNATS   = "nats"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Backplane BackplaneConfig `json:"backplane" yaml:"backplane"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Logging   logging.Config  `json:"logging" yaml:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GatewayConfig holds the connection, room and delivery tunables.
type GatewayConfig struct {
	// InstanceID identifies this process on the backplane. Generated when empty.
	InstanceID string `json:"instance_id" yaml:"instance_id"`

	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	HandshakeTimeout  time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	ReconnectWindow   time.Duration `json:"reconnect_window" yaml:"reconnect_window"`

	OutboundBufferLimit int    `json:"outbound_buffer_limit" yaml:"outbound_buffer_limit"`
	BackpressurePolicy  string `json:"backpressure_policy" yaml:"backpressure_policy"`

	ShutdownGracePeriod time.Duration `json:"shutdown_grace_period" yaml:"shutdown_grace_period"`

	HistorySize       int           `json:"history_size" yaml:"history_size"`
	ResourceCacheTTL  time.Duration `json:"resource_cache_ttl" yaml:"resource_cache_ttl"`
	ResourceCacheSize int           `json:"resource_cache_size" yaml:"resource_cache_size"`

	// InboundRateLimit is events per second per connection; zero disables limiting.
	InboundRateLimit float64 `json:"inbound_rate_limit" yaml:"inbound_rate_limit"`
	InboundBurst     int     `json:"inbound_burst" yaml:"inbound_burst"`

	MaxMessageSize   int64 `json:"max_message_size" yaml:"max_message_size"`
	MaxContentLength int   `json:"max_content_length" yaml:"max_content_length"`

	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// BackplaneConfig selects and configures the cross-instance pub/sub.
type BackplaneConfig struct {
	Driver        string `json:"driver" yaml:"driver"`
	ChannelPrefix string `json:"channel_prefix" yaml:"channel_prefix"`

	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`

	NATSURL string `json:"nats_url" yaml:"nats_url"`

	ReconnectBackoff BackoffConfig `json:"reconnect_backoff" yaml:"reconnect_backoff"`
}

// BackoffConfig bounds the exponential reconnect delay.
type BackoffConfig struct {
	Initial time.Duration `json:"initial" yaml:"initial"`
	Max     time.Duration `json:"max" yaml:"max"`
}

// DatabaseConfig configures the optional PostgreSQL pool backing sessions,
// resource visibility and notification state. An empty Host disables it.
type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Name     string `json:"name" yaml:"name"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	SSLMode  string `json:"sslmode" yaml:"sslmode"`
	MinConns int    `json:"min_conns" yaml:"min_conns"`
	MaxConns int    `json:"max_conns" yaml:"max_conns"`
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         3000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Gateway: GatewayConfig{
			HeartbeatInterval:   25 * time.Second,
			HeartbeatTimeout:    60 * time.Second,
			HandshakeTimeout:    5 * time.Second,
			ReconnectWindow:     30 * time.Second,
			OutboundBufferLimit: 256,
			BackpressurePolicy:  BackpressureDropOldest,
			ShutdownGracePeriod: 2 * time.Second,
			HistorySize:         50,
			ResourceCacheTTL:    30 * time.Second,
			ResourceCacheSize:   4096,
			InboundRateLimit:    20,
			InboundBurst:        40,
			MaxMessageSize:      64 * 1024,
			MaxContentLength:    4000,
		},
		Backplane: BackplaneConfig{
			Driver:        DriverMemory,
			ChannelPrefix: "gateway",
			RedisAddr:     "localhost:6379",
			NATSURL:       "nats://localhost:4222",
			ReconnectBackoff: BackoffConfig{
				Initial: time.Second,
				Max:     30 * time.Second,
			},
		},
		Database: DatabaseConfig{
			Port:     5432,
			SSLMode:  "prefer",
			MinConns: 1,
			MaxConns: 10,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewConfigError("server.port", "invalid port number")
	}

	if c.Server.ReadTimeout < 0 {
		return NewConfigError("server.read_timeout", "timeout cannot be negative")
	}

	if c.Server.WriteTimeout < 0 {
		return NewConfigError("server.write_timeout", "timeout cannot be negative")
	}

	g := c.Gateway
	if g.HeartbeatInterval <= 0 {
		return NewConfigError("gateway.heartbeat_interval", "must be positive")
	}
	if g.HeartbeatTimeout <= g.HeartbeatInterval {
		return NewConfigError("gateway.heartbeat_timeout", "must be greater than heartbeat_interval")
	}
	if g.HandshakeTimeout <= 0 {
		return NewConfigError("gateway.handshake_timeout", "must be positive")
	}
	if g.ReconnectWindow < 0 {
		return NewConfigError("gateway.reconnect_window", "cannot be negative")
	}
	if g.OutboundBufferLimit <= 0 {
		return NewConfigError("gateway.outbound_buffer_limit", "must be positive")
	}
	switch g.BackpressurePolicy {
	case BackpressureDropOldest, BackpressureDisconnect:
	default:
		return NewConfigError("gateway.backpressure_policy", "must be drop-oldest or disconnect")
	}
	if g.ShutdownGracePeriod < 0 {
		return NewConfigError("gateway.shutdown_grace_period", "cannot be negative")
	}
	if g.HistorySize < 0 {
		return NewConfigError("gateway.history_size", "cannot be negative")
	}
	if g.ResourceCacheTTL <= 0 {
		return NewConfigError("gateway.resource_cache_ttl", "must be positive")
	}
	if g.ResourceCacheSize <= 0 {
		return NewConfigError("gateway.resource_cache_size", "must be positive")
	}
	if g.InboundRateLimit < 0 {
		return NewConfigError("gateway.inbound_rate_limit", "cannot be negative")
	}
	if g.InboundRateLimit > 0 && g.InboundBurst <= 0 {
		return NewConfigError("gateway.inbound_burst", "must be positive when rate limiting is enabled")
	}
	if g.MaxMessageSize <= 0 {
		return NewConfigError("gateway.max_message_size", "must be positive")
	}

	b := c.Backplane
	switch b.Driver {
	case DriverMemory:
	case DriverRedis:
		if b.RedisAddr == "" {
			return NewConfigError("backplane.redis_addr", "required for the redis driver")
		}
	case DriverNATS:
		if b.NATSURL == "" {
			return NewConfigError("backplane.nats_url", "required for the nats driver")
		}
	default:
		return NewConfigError("backplane.driver", "must be memory, redis or nats")
	}
	if b.ChannelPrefix == "" {
		return NewConfigError("backplane.channel_prefix", "cannot be empty")
	}
	if b.ReconnectBackoff.Initial <= 0 {
		return NewConfigError("backplane.reconnect_backoff.initial", "must be positive")
	}
	if b.ReconnectBackoff.Max < b.ReconnectBackoff.Initial {
		return NewConfigError("backplane.reconnect_backoff.max", "must not be less than initial")
	}

	if c.Database.Enabled() {
		if c.Database.Name == "" {
			return NewConfigError("database.name", "required when database.host is set")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			return NewConfigError("database.max_conns", "must not be less than min_conns")
		}
	}

	return nil
}
