// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the realtime gateway.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level sets the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// AuthConfig configures handshake credential verification.
type AuthConfig struct {
	// Secret is the HS256 signing secret shared with the auth service.
	Secret string `yaml:"secret"`
	// TokenExpirySec bounds tokens issued by local tooling. Zero means
	// no expiry claim.
	TokenExpirySec int `yaml:"token_expiry_sec"`
}

// DatabaseConfig selects the durable store backend.
type DatabaseConfig struct {
	// Driver is "memory", "postgres" or "sqlite".
	Driver string `yaml:"driver"`
	// DSN is the driver-specific connection string.
	DSN string `yaml:"dsn"`
}

// GatewayConfig configures connection handling.
type GatewayConfig struct {
	// HeartbeatIntervalSec is the liveness probe cadence.
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
	// IdleTimeoutSec is the inactivity threshold before forced close.
	IdleTimeoutSec int `yaml:"idle_timeout_sec"`
	// MaxMessageChars caps chat message bodies.
	MaxMessageChars int `yaml:"max_message_chars"`
	// MaxRetries bounds the reconnection protocol.
	MaxRetries int `yaml:"max_retries"`
}

// SweeperConfig configures the reconciliation sweeper.
type SweeperConfig struct {
	// IntervalSec is the sweep period.
	IntervalSec int `yaml:"interval_sec"`
	// StaleConnectionAgeSec is the idle age past which in-memory
	// connections are force-closed.
	StaleConnectionAgeSec int `yaml:"stale_connection_age_sec"`
	// RetryStateTTLSec is the age past which retry state is discarded.
	RetryStateTTLSec int `yaml:"retry_state_ttl_sec"`
}

// Default returns the production defaults: 30s heartbeats, 30m idle
// timeout, 1000-char messages, 5 retries, 15m sweeps, 1h stale age,
// 5m retry-state TTL.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "text"},
		Auth:   AuthConfig{TokenExpirySec: 86400},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Gateway: GatewayConfig{
			HeartbeatIntervalSec: 30,
			IdleTimeoutSec:       1800,
			MaxMessageChars:      1000,
			MaxRetries:           5,
		},
		Sweeper: SweeperConfig{
			IntervalSec:           900,
			StaleConnectionAgeSec: 3600,
			RetryStateTTLSec:      300,
		},
	}
}

// Validate checks the configuration for values the gateway cannot run
// with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be memory, postgres or sqlite")
	}
	if c.Gateway.HeartbeatIntervalSec <= 0 {
		return fmt.Errorf("gateway.heartbeat_interval_sec must be positive")
	}
	if c.Gateway.IdleTimeoutSec <= 0 {
		return fmt.Errorf("gateway.idle_timeout_sec must be positive")
	}
	if c.Gateway.MaxMessageChars <= 0 {
		return fmt.Errorf("gateway.max_message_chars must be positive")
	}
	if c.Gateway.MaxRetries <= 0 {
		return fmt.Errorf("gateway.max_retries must be positive")
	}
	if c.Sweeper.IntervalSec <= 0 {
		return fmt.Errorf("sweeper.interval_sec must be positive")
	}
	return nil
}

// HeartbeatInterval returns the probe cadence as a duration.
func (c *GatewayConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// IdleTimeout returns the inactivity threshold as a duration.
func (c *GatewayConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// Interval returns the sweep period as a duration.
func (c *SweeperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// StaleConnectionAge returns the forced-close idle age as a duration.
func (c *SweeperConfig) StaleConnectionAge() time.Duration {
	return time.Duration(c.StaleConnectionAgeSec) * time.Second
}

// RetryStateTTL returns the retry-state TTL as a duration.
func (c *SweeperConfig) RetryStateTTL() time.Duration {
	return time.Duration(c.RetryStateTTLSec) * time.Second
}

// TokenExpiry returns the token expiry as a duration.
func (c *AuthConfig) TokenExpiry() time.Duration {
	return time.Duration(c.TokenExpirySec) * time.Second
}
