package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/internal/heartrate"
	"github.com/srg/pulsemon/internal/monitor"
	"github.com/srg/pulsemon/pkg/heartmonitor"
	"gopkg.in/yaml.v3"
)

const (
	BackendGoBLE  = "goble"
	BackendTinyGo = "tinygo"

	FormatText = "text"
	FormatJSON = "json"
)

// TargetConfig names the peripheral to monitor: exactly one of Name or Address.
type TargetConfig struct {
	Name    string `yaml:"name,omitempty"`
	Address string `yaml:"address,omitempty"`
}

// Config holds application configuration
type Config struct {
	LogLevel           string        `yaml:"log_level" default:"info"`
	Backend            string        `yaml:"backend" default:"goble"`
	Target             TargetConfig  `yaml:"target"`
	Decoder            string        `yaml:"decoder" default:"literal"`
	ServiceUUID        string        `yaml:"service_uuid" default:"180d"`
	CharacteristicUUID string        `yaml:"characteristic_uuid" default:"2a37"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" default:"30s"`
	QueueSize          int           `yaml:"queue_size" default:"256"`
	// DisplayBuffer and ErrorBuffer of zero queue every reading and decode
	// error; a positive size keeps only the newest ones.
	DisplayBuffer      int           `yaml:"display_buffer" default:"0"`
	ErrorBuffer        int           `yaml:"error_buffer" default:"0"`
	OutputFormat       string        `yaml:"output_format" default:"text"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field except the target, which only the monitor
// command requires (see MonitorOptions).
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	switch strings.ToLower(c.Backend) {
	case BackendGoBLE, BackendTinyGo:
	default:
		return fmt.Errorf("backend: unknown backend %q (use %s or %s)", c.Backend, BackendGoBLE, BackendTinyGo)
	}

	if _, err := heartrate.ParseVariant(c.Decoder); err != nil {
		return fmt.Errorf("decoder: %w", err)
	}

	if _, err := device.ValidateUUID(c.ServiceUUID, c.CharacteristicUUID); err != nil {
		return fmt.Errorf("uuid: %w", err)
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout: must be positive, got %s", c.ConnectTimeout)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size: must be positive, got %d", c.QueueSize)
	}
	if c.DisplayBuffer < 0 || c.ErrorBuffer < 0 {
		return fmt.Errorf("display_buffer and error_buffer must not be negative")
	}

	switch c.OutputFormat {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("output_format: unknown format %q (use %s or %s)", c.OutputFormat, FormatText, FormatJSON)
	}
	return nil
}

// MonitorTarget returns the validated target selection. The name is matched
// exactly as configured, surrounding spaces included.
func (c *Config) MonitorTarget() (monitor.Target, error) {
	t := monitor.Target{
		Name:    c.Target.Name,
		Address: strings.TrimSpace(c.Target.Address),
	}
	return t, t.Validate()
}

// MonitorOptions translates the configuration into heart monitor options.
// Callbacks are left for the caller to fill in.
func (c *Config) MonitorOptions() (heartmonitor.Options, error) {
	if err := c.Validate(); err != nil {
		return heartmonitor.Options{}, err
	}
	target, err := c.MonitorTarget()
	if err != nil {
		return heartmonitor.Options{}, err
	}
	variant, _ := heartrate.ParseVariant(c.Decoder)

	return heartmonitor.Options{
		Target:             target,
		ServiceUUID:        c.ServiceUUID,
		CharacteristicUUID: c.CharacteristicUUID,
		Variant:            variant,
		QueueSize:          c.QueueSize,
		DisplayBuffer:      c.DisplayBuffer,
		ErrorBuffer:        c.ErrorBuffer,
	}, nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
