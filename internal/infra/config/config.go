// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Source   string         `yaml:"source"`
	Log      LogConfig      `yaml:"log"`
	Engine   EngineConfig   `yaml:"engine"`
	Strategy StrategyConfig `yaml:"strategy"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Headless HeadlessConfig `yaml:"headless"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level string `yaml:"level" default:"info" validate:"oneof=debug info warn warning error"`
	File  string `yaml:"file"`
}

// EngineConfig represents playback engine configuration.
type EngineConfig struct {
	DurationPollIntervalMs  int `yaml:"duration_poll_interval_ms" default:"100" validate:"gte=1,lte=10000"`
	DurationPollMaxAttempts int `yaml:"duration_poll_max_attempts" default:"600" validate:"gte=0"`
	EventBuffer             int `yaml:"event_buffer" default:"64" validate:"gte=1"`
}

// StrategyConfig selects and configures the adaptive streaming strategy.
type StrategyConfig struct {
	Type     string         `yaml:"type" default:"hls" validate:"oneof=hls"`
	Settings map[string]any `yaml:"settings"`
}

// MetricsConfig represents the status server configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Addr    string `yaml:"addr" default:":9090"`
}

// HeadlessConfig configures the simulated element used by the CLI.
type HeadlessConfig struct {
	TickMs    int  `yaml:"tick_ms" default:"250" validate:"gte=10,lte=5000"`
	NativeHLS bool `yaml:"native_hls"`
}

// Default returns a configuration with every default applied.
func Default() (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	return &cfg, nil
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
// Defaults are applied first so explicit zero values in the file are kept.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("MEDIASYNC_SOURCE"); v != "" {
		c.Source = v
	}
	if v := os.Getenv("MEDIASYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	return nil
}

// DurationPollInterval returns the duration poll interval.
func (c EngineConfig) DurationPollInterval() time.Duration {
	return time.Duration(c.DurationPollIntervalMs) * time.Millisecond
}

// Tick returns the headless clock period.
func (c HeadlessConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}
