// Package config loads service configuration from a TOML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level service configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	SQLite     SQLiteConfig     `koanf:"sqlite"`
	Events     EventsConfig     `koanf:"events"`
	ClickHouse ClickHouseConfig `koanf:"clickhouse"`
	Alerts     AlertsConfig     `koanf:"alerts"`
	Webhooks   WebhooksConfig   `koanf:"webhooks"`
	SMTP       SMTPConfig       `koanf:"smtp"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds settings for the ops HTTP server.
type ServerConfig struct {
	Listen string `koanf:"listen"`
}

// SQLiteConfig holds settings for the control/state store.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// EventsConfig selects the event store backend.
type EventsConfig struct {
	// Backend is "sqlite" (default) or "clickhouse".
	Backend string `koanf:"backend"`
}

// ClickHouseConfig holds connection settings for the optional
// high-volume event store.
type ClickHouseConfig struct {
	Host     string `koanf:"host"`
	Database string `koanf:"database"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Table    string `koanf:"table"`
}

// AlertsConfig controls the evaluation scheduler.
type AlertsConfig struct {
	Enabled            bool          `koanf:"enabled"`
	EvaluationInterval time.Duration `koanf:"evaluation_interval"`
}

// WebhooksConfig controls outbound webhook delivery.
type WebhooksConfig struct {
	RequestTimeout time.Duration `koanf:"request_timeout"`
	Retention      time.Duration `koanf:"retention"`
}

// SMTPConfig configures the optional email notification sender. Leaving
// Host empty disables email delivery entirely.
type SMTPConfig struct {
	Host     string        `koanf:"host"`
	Port     int           `koanf:"port"`
	Username string        `koanf:"username"`
	Password string        `koanf:"password"`
	From     string        `koanf:"from"`
	ReplyTo  string        `koanf:"reply_to"`
	Security string        `koanf:"security"`
	Timeout  time.Duration `koanf:"timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `koanf:"level"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: ":8125",
		},
		SQLite: SQLiteConfig{
			Path: "tokenwatch.db",
		},
		Events: EventsConfig{
			Backend: "sqlite",
		},
		ClickHouse: ClickHouseConfig{
			Database: "tokenwatch",
			Table:    "events",
		},
		Alerts: AlertsConfig{
			Enabled:            true,
			EvaluationInterval: 5 * time.Minute,
		},
		Webhooks: WebhooksConfig{
			RequestTimeout: 30 * time.Second,
			Retention:      30 * 24 * time.Hour,
		},
		SMTP: SMTPConfig{
			Port:     587,
			Security: "starttls",
			Timeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given TOML file (if present) and
// applies TOKENWATCH_* environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %q not readable: %w", path, err)
		}
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// TOKENWATCH_ALERTS__EVALUATION_INTERVAL -> alerts.evaluation_interval
	if err := k.Load(env.Provider("TOKENWATCH_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "TOKENWATCH_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Events.Backend {
	case "sqlite", "clickhouse":
	default:
		return fmt.Errorf("invalid events.backend %q (want sqlite or clickhouse)", c.Events.Backend)
	}
	if c.Events.Backend == "clickhouse" && c.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse.host is required when events.backend is clickhouse")
	}
	if c.SQLite.Path == "" {
		return fmt.Errorf("sqlite.path is required")
	}
	if c.Alerts.EvaluationInterval <= 0 {
		c.Alerts.EvaluationInterval = 5 * time.Minute
	}
	if c.Webhooks.RequestTimeout <= 0 {
		c.Webhooks.RequestTimeout = 30 * time.Second
	}
	return nil
}
