// Package config loads the target's JSON configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/ackarapazar/target-stitch/pkg/telemetry"
)

// DefaultStitchURL is the production import endpoint.
const DefaultStitchURL = "https://api.stitchdata.com/v2/import/batch"

// Config represents the target configuration.
type Config struct {
	// Token is the Stitch API token. Required unless running dry.
	Token string `mapstructure:"token"`

	// StitchURL is the import endpoint. A legacy /import/push suffix
	// is rewritten to /import/batch by BatchURL.
	StitchURL string `mapstructure:"stitch_url"`

	// DisableCollection turns off the anonymous usage ping.
	DisableCollection bool `mapstructure:"disable_collection"`

	// MetricsAddr, when set, serves Prometheus metrics on that
	// address (e.g. "127.0.0.1:9090").
	MetricsAddr string `mapstructure:"metrics_addr"`

	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// TelemetryConfig holds tracing settings.
type TelemetryConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig mirrors telemetry.Config.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"`
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() *Config {
	return &Config{
		StitchURL: DefaultStitchURL,
		Telemetry: TelemetryConfig{
			Tracing: TracingConfig{
				Enabled:  false,
				Exporter: "stdout",
				Endpoint: "localhost:4317",
				Insecure: true,
			},
		},
	}
}

// LoadFromFile reads a JSON config file and returns a validated Config.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Load(v)
}

// Load reads configuration from the given viper instance and returns a
// validated Config.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func Validate(cfg *Config) error {
	if cfg.Token == "" {
		return errors.New(`configuration is missing required "token" field`)
	}
	if cfg.StitchURL == "" {
		return errors.New("stitch_url: must not be empty")
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true, "": true}
	if !validExporters[cfg.Telemetry.Tracing.Exporter] {
		return fmt.Errorf("telemetry.tracing.exporter: unsupported exporter %q (supported: otlp, stdout, none)",
			cfg.Telemetry.Tracing.Exporter)
	}

	return nil
}

// BatchURL returns the import URL with a legacy /import/push suffix
// rewritten to /import/batch.
func (c *Config) BatchURL() string {
	if strings.HasSuffix(c.StitchURL, "/import/push") {
		return strings.TrimSuffix(c.StitchURL, "/import/push") + "/import/batch"
	}
	return c.StitchURL
}

// TracingConfig converts the config section into the telemetry
// package's form.
func (c *Config) TracingConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:  c.Telemetry.Tracing.Enabled,
		Exporter: c.Telemetry.Tracing.Exporter,
		Endpoint: c.Telemetry.Tracing.Endpoint,
		Insecure: c.Telemetry.Tracing.Insecure,
	}
}
