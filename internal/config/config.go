// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every knob, loaded from an optional YAML file with BIS_*
// environment overrides (BIS_PORTAL_PACING_SECONDS and so on).
type Config struct {
	Portal  PortalConfig  `mapstructure:"portal"`
	Harvest HarvestConfig `mapstructure:"harvest"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// PortalConfig governs how the BIS portal is addressed and paced.
type PortalConfig struct {
	BaseURL              string `mapstructure:"base_url"`
	UserAgent            string `mapstructure:"user_agent"`
	TimeoutSeconds       int    `mapstructure:"timeout_seconds"`
	PacingSeconds        int    `mapstructure:"pacing_seconds"`
	SessionRotationEvery int    `mapstructure:"session_rotation_every"`
}

// HarvestConfig governs batching, retry, and escalation behavior.
type HarvestConfig struct {
	BatchSize         int `mapstructure:"batch_size"`
	BatchCooldownSecs int `mapstructure:"batch_cooldown_seconds"`
	MaxAttempts       int `mapstructure:"max_attempts"`
	BackoffInitialMs  int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int `mapstructure:"backoff_max_ms"`
	FatalStreakLimit  int `mapstructure:"fatal_streak_limit"`
}

// StoreConfig selects and locates the ledger/sink backend.
type StoreConfig struct {
	// Backend is "file" or "postgres".
	Backend string `mapstructure:"backend"`
	// Dir holds batch files and per-batch artifacts for the file backend.
	Dir string `mapstructure:"dir"`
	// DSN is the PostgreSQL connection string for the postgres backend.
	DSN string `mapstructure:"dsn"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.base_url", "https://a810-bisweb.nyc.gov/bisweb")
	v.SetDefault("portal.timeout_seconds", 15)
	v.SetDefault("portal.pacing_seconds", 1)
	v.SetDefault("portal.session_rotation_every", 50)
	v.SetDefault("harvest.batch_size", 1000)
	v.SetDefault("harvest.batch_cooldown_seconds", 300)
	v.SetDefault("harvest.max_attempts", 3)
	v.SetDefault("harvest.backoff_initial_ms", 250)
	v.SetDefault("harvest.backoff_max_ms", 30000)
	v.SetDefault("harvest.fatal_streak_limit", 5)
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.dir", "data")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("portal.base_url must be set")
	}
	if c.Portal.TimeoutSeconds <= 0 {
		return fmt.Errorf("portal.timeout_seconds must be > 0")
	}
	if c.Portal.PacingSeconds < 0 {
		return fmt.Errorf("portal.pacing_seconds must be >= 0")
	}
	if c.Harvest.BatchSize <= 0 {
		return fmt.Errorf("harvest.batch_size must be > 0")
	}
	if c.Harvest.MaxAttempts <= 0 {
		return fmt.Errorf("harvest.max_attempts must be > 0")
	}
	switch c.Store.Backend {
	case "file":
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir must be set for the file backend")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be file or postgres, got %q", c.Store.Backend)
	}
	return nil
}

// Pacing returns the minimum interval between portal requests.
func (c Config) Pacing() time.Duration {
	return time.Duration(c.Portal.PacingSeconds) * time.Second
}

// Cooldown returns the pause between batches that did work.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Harvest.BatchCooldownSecs) * time.Second
}

// RequestTimeout returns the per-request bound.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Portal.TimeoutSeconds) * time.Second
}

// BackoffInitial returns the first retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Harvest.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Harvest.BackoffMaxMs) * time.Millisecond
}
