package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Preset names accepted by Preset and the `preset` config key.
const (
	PresetDefault      = "default"
	PresetAggressive   = "aggressive"
	PresetConservative = "conservative"
)

// Config holds application configuration
type Config struct {
	LogLevel  string          `yaml:"log_level" default:"info"`
	Preset    string          `yaml:"preset" default:"default"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Radio     RadioConfig     `yaml:"radio"`
}

// ReconnectConfig tunes the reconnection scheduler, liveness poller and health monitor.
type ReconnectConfig struct {
	MaxAttempts         int           `yaml:"max_attempts" default:"5"`
	BaseDelay           time.Duration `yaml:"base_delay" default:"1s"`
	MaxDelay            time.Duration `yaml:"max_delay" default:"30s"`
	Jitter              float64       `yaml:"jitter" default:"0.2"`
	ConnectionTimeout   time.Duration `yaml:"connection_timeout" default:"10s"`
	RSSIPollInterval    time.Duration `yaml:"rssi_poll_interval" default:"2s"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" default:"5s"`
	StaleTimeout        time.Duration `yaml:"stale_timeout" default:"30s"`
	AutoReconnect       bool          `yaml:"auto_reconnect" default:"true"`
	PauseOnAdapterOff   bool          `yaml:"pause_on_adapter_off" default:"true"`
}

// RadioConfig tunes the go-ble radio backend.
type RadioConfig struct {
	DialTimeout           time.Duration `yaml:"dial_timeout" default:"30s"`
	ProbeInterval         time.Duration `yaml:"probe_interval" default:"2s"`
	EventBuffer           int           `yaml:"event_buffer" default:"64"`
	NotifyCharacteristics []string      `yaml:"notify_characteristics,omitempty"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultReconnect returns the reconnect values of the default preset.
func DefaultReconnect() ReconnectConfig {
	var rc ReconnectConfig
	defaults.SetDefaults(&rc)
	return rc
}

var presets = map[string]func(*ReconnectConfig){
	PresetDefault: func(*ReconnectConfig) {},

	// Fast recovery for devices that are expected to come back quickly.
	PresetAggressive: func(rc *ReconnectConfig) {
		rc.MaxAttempts = 10
		rc.BaseDelay = 250 * time.Millisecond
		rc.MaxDelay = 5 * time.Second
		rc.Jitter = 0.1
		rc.ConnectionTimeout = 5 * time.Second
		rc.RSSIPollInterval = time.Second
		rc.HealthCheckInterval = 2 * time.Second
		rc.StaleTimeout = 10 * time.Second
	},

	// Battery friendly: fewer, slower attempts and relaxed liveness.
	PresetConservative: func(rc *ReconnectConfig) {
		rc.MaxAttempts = 3
		rc.BaseDelay = 5 * time.Second
		rc.MaxDelay = 2 * time.Minute
		rc.Jitter = 0.3
		rc.ConnectionTimeout = 20 * time.Second
		rc.RSSIPollInterval = 10 * time.Second
		rc.HealthCheckInterval = 15 * time.Second
		rc.StaleTimeout = 2 * time.Minute
	},
}

// Presets returns the known preset names in sorted order.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preset returns the reconnect values for the named preset.
// An empty name selects the default preset.
func Preset(name string) (ReconnectConfig, error) {
	if name == "" {
		name = PresetDefault
	}
	apply, ok := presets[name]
	if !ok {
		return ReconnectConfig{}, fmt.Errorf("unknown preset %q (must be one of %v)", name, Presets())
	}
	rc := DefaultReconnect()
	apply(&rc)
	return rc, nil
}

// WithPreset returns a copy of c whose reconnect values come from the named preset.
func (c *Config) WithPreset(name string) (*Config, error) {
	rc, err := Preset(name)
	if err != nil {
		return nil, err
	}
	out := *c
	out.Preset = name
	out.Reconnect = rc
	return &out, nil
}

// Load reads a YAML configuration file.
//
// Values are layered: struct tag defaults, then the preset named in the file, then
// the explicit values in the file. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration with the same layering as Load.
func Parse(data []byte) (*Config, error) {
	var head struct {
		Preset string `yaml:"preset"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg, err := DefaultConfig().WithPreset(head.Preset)
	if err != nil {
		return nil, err
	}
	if cfg.Preset == "" {
		cfg.Preset = PresetDefault
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if err := c.Reconnect.Validate(); err != nil {
		return err
	}
	return c.Radio.Validate()
}

// Validate checks the reconnect value ranges.
func (rc ReconnectConfig) Validate() error {
	var errs []error
	if rc.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", rc.MaxAttempts))
	}
	if rc.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("base_delay must not be negative, got %s", rc.BaseDelay))
	}
	if rc.MaxDelay < rc.BaseDelay {
		errs = append(errs, fmt.Errorf("max_delay (%s) must not be less than base_delay (%s)", rc.MaxDelay, rc.BaseDelay))
	}
	if rc.Jitter < 0 || rc.Jitter > 1 {
		errs = append(errs, fmt.Errorf("jitter must be within [0, 1], got %g", rc.Jitter))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"connection_timeout", rc.ConnectionTimeout},
		{"rssi_poll_interval", rc.RSSIPollInterval},
		{"health_check_interval", rc.HealthCheckInterval},
		{"stale_timeout", rc.StaleTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the radio value ranges.
func (r RadioConfig) Validate() error {
	var errs []error
	if r.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dial_timeout must be positive, got %s", r.DialTimeout))
	}
	if r.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("probe_interval must be positive, got %s", r.ProbeInterval))
	}
	if r.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("event_buffer must be positive, got %d", r.EventBuffer))
	}
	return errors.Join(errs...)
}

// YAML renders the configuration as YAML.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
