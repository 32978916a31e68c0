// Package config loads and validates the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ctxd/internal/redact"
)

// Duration decodes YAML duration strings like "5s" or "2m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// Config is the daemon configuration. Zero values are filled by
// Default before validation.
type Config struct {
	Database        string `yaml:"database"`
	QueueDepth      int    `yaml:"queue_depth"`
	Backpressure    string `yaml:"backpressure"` // block | reject
	MaxPayloadBytes int64  `yaml:"max_payload_bytes"`

	Log struct {
		MaxEvents int64 `yaml:"max_events"`
		MaxBytes  int64 `yaml:"max_bytes"`
	} `yaml:"log"`

	Redaction struct {
		EnvExclude     []string               `yaml:"env_exclude"`
		CustomPatterns []redact.CustomPattern `yaml:"custom_patterns"`
	} `yaml:"redaction"`

	View struct {
		MaxEntries int   `yaml:"max_entries"`
		MaxBytes   int64 `yaml:"max_bytes"`
	} `yaml:"view"`

	Session struct {
		FreshnessWindow Duration `yaml:"freshness_window"`
	} `yaml:"session"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.Database = "ctxd.db"
	c.QueueDepth = 256
	c.Backpressure = "block"
	c.MaxPayloadBytes = 64 * 1024
	c.Log.MaxEvents = 10000
	c.Log.MaxBytes = 16 * 1024 * 1024
	c.View.MaxEntries = 200
	c.View.MaxBytes = 64 * 1024
	c.Session.FreshnessWindow = Duration(5 * time.Second)
	return c
}

// Load reads a YAML config file, fills defaults for absent fields, and
// validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes over the defaults.
func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("config: database path is required")
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("config: queue_depth must be positive, got %d", c.QueueDepth)
	}
	if c.Backpressure != "block" && c.Backpressure != "reject" {
		return fmt.Errorf("config: backpressure must be block or reject, got %q", c.Backpressure)
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: max_payload_bytes must be positive, got %d", c.MaxPayloadBytes)
	}
	if c.Log.MaxEvents < 0 || c.Log.MaxBytes < 0 {
		return fmt.Errorf("config: log bounds must not be negative")
	}
	if c.Log.MaxEvents == 0 && c.Log.MaxBytes == 0 {
		return fmt.Errorf("config: at least one log bound (max_events or max_bytes) is required")
	}
	if c.View.MaxEntries < 0 || c.View.MaxBytes < 0 {
		return fmt.Errorf("config: view budget must not be negative")
	}
	if c.Session.FreshnessWindow <= 0 {
		return fmt.Errorf("config: session freshness_window must be positive, got %s", c.Session.FreshnessWindow)
	}
	for _, p := range c.Redaction.CustomPatterns {
		if p.ID == "" {
			return fmt.Errorf("config: custom pattern missing id")
		}
		// Pattern validity is the redaction engine's call: a broken
		// pattern poisons submissions, it does not stop the daemon.
	}
	return nil
}
