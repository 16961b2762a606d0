// Package config loads the engine configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML duration strings like "60s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"60s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the engine configuration.
type Config struct {
	// APIBaseURL is the root of the remote business API, e.g. "https://app.example.com".
	APIBaseURL string `yaml:"api_base_url"`
	// APIToken is the bearer token sent on every remote call.
	APIToken string `yaml:"api_token"`
	// StorePath is the SQLite file holding the offline state.
	StorePath string `yaml:"store_path"`
	// SyncInterval is the fallback whole-pass retry period while online.
	SyncInterval Duration `yaml:"sync_interval"`
	// MaxAttempts is the per-action retry budget before abandonment.
	MaxAttempts int `yaml:"max_attempts"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		SyncInterval: Duration(time.Minute),
		MaxAttempts:  5,
		LogLevel:     "info",
	}
}

// DefaultPath returns ~/.config/ledgersync/config.yml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "ledgersync", "config.yml"), nil
}

// DefaultStorePath returns ~/.cache/ledgersync/offline.db.
func DefaultStorePath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".cache", "ledgersync", "offline.db"), nil
}

// Load reads and validates a config file. Missing optional fields fall back
// to defaults; a missing or empty api_base_url is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("config: api_base_url is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("config: sync_interval must be positive, got %s", c.SyncInterval.Std())
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("config: max_attempts must be positive, got %d", c.MaxAttempts)
	}
	return nil
}
