package config

import (
	"fmt"
	"time"
)

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Session   SessionConfig   `yaml:"session"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// ServerConfig holds http listener settings.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Driver is "pebble" (embedded, default) or "postgres".
	Driver string `yaml:"driver"`
	// DBPath is the pebble database directory.
	DBPath string `yaml:"db_path"`
	// DSN is the postgres connection string when driver is "postgres".
	DSN string `yaml:"dsn"`
}

// SecurityConfig holds signing keys and rate limit settings.
type SecurityConfig struct {
	// SigningKeys are HMAC secrets accepted for X-User-Signature.
	// When empty, signature verification is disabled.
	SigningKeys []string `yaml:"signing_keys"`
	RateLimit   struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RealtimeConfig holds fanout hub settings.
type RealtimeConfig struct {
	// QueueCapacity bounds each subscriber's delivery queue.
	QueueCapacity int `yaml:"queue_capacity"`
}

// SessionConfig holds per-conversation session policy.
type SessionConfig struct {
	// SettleMs delays the automatic read-cursor advance after a thread is
	// opened so the surface can render before the badge clears. A UX
	// policy, not a correctness requirement; zero is valid.
	SettleMs int `yaml:"settle_ms"`
}

// ReconcileConfig holds the periodic unread refresh scheduler settings.
type ReconcileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// SettleDelay returns the configured read-acknowledgement settle delay.
func (c *Config) SettleDelay() time.Duration {
	if c.Session.SettleMs <= 0 {
		return 0
	}
	return time.Duration(c.Session.SettleMs) * time.Millisecond
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	host := c.Server.Address
	port := c.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}
