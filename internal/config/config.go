// Package config loads collector configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/breachrange/collectors/internal/vendors"
)

// Config holds all configuration for one collector process.
type Config struct {
	Collector CollectorConfig  `mapstructure:"collector"`
	Platform  PlatformConfig   `mapstructure:"platform"`
	Vendor    vendors.Settings `mapstructure:"vendor"`
	Server    ServerConfig     `mapstructure:"server"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Journal   JournalConfig    `mapstructure:"journal"`
	Events    EventsConfig     `mapstructure:"events"`
	Log       LogConfig        `mapstructure:"log"`
}

// CollectorConfig identifies the collector and tunes the engine.
type CollectorConfig struct {
	ID       string        `mapstructure:"id"`
	Interval time.Duration `mapstructure:"interval"`
	// Lookback is the default alert query window and the expectation
	// scanning window.
	Lookback      time.Duration `mapstructure:"lookback"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	// Kinds restricts which expectation kinds this collector answers.
	// Empty means both.
	Kinds []string `mapstructure:"kinds"`
}

// PlatformConfig points at the orchestration platform API.
type PlatformConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds the health/metrics HTTP listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// RedisConfig holds the asset cache backend. Disabled by default.
type RedisConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// JournalConfig holds the optional Postgres verdict journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// EventsConfig holds the optional NATS verdict publisher.
type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Keys without a natural default still get one so AutomaticEnv can see
	// them.
	v.SetDefault("collector.id", "")
	v.SetDefault("platform.url", "")
	v.SetDefault("platform.token", "")
	v.SetDefault("vendor.name", "")

	v.SetDefault("collector.interval", "60s")
	v.SetDefault("collector.lookback", "45m")
	v.SetDefault("collector.retry_attempts", 3)
	v.SetDefault("collector.retry_delay", "30s")

	v.SetDefault("platform.timeout", "30s")

	v.SetDefault("server.port", 8080)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("journal.enabled", false)
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.url", "nats://localhost:4222")

	v.SetDefault("vendor.timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override file config
	v.SetEnvPrefix("COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields every deployment needs.
func (c *Config) Validate() error {
	if c.Collector.ID == "" {
		return fmt.Errorf("collector.id is required")
	}
	if c.Platform.URL == "" {
		return fmt.Errorf("platform.url is required")
	}
	if c.Platform.Token == "" {
		return fmt.Errorf("platform.token is required")
	}
	if c.Vendor.Name == "" {
		return fmt.Errorf("vendor.name is required")
	}
	for _, kind := range c.Collector.Kinds {
		if kind != "DETECTION" && kind != "PREVENTION" {
			return fmt.Errorf("collector.kinds: unknown kind %q", kind)
		}
	}
	if c.Journal.Enabled && c.Journal.DSN == "" {
		return fmt.Errorf("journal.dsn is required when the journal is enabled")
	}
	return nil
}
