package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete coincidence server configuration.
type Config struct {
	Server     Server     `yaml:"server"`
	Coincident Coincident `yaml:"coincidence"`
	Bus        Bus        `yaml:"bus"`
	Storage    Storage    `yaml:"storage"`
	Heartbeat  Heartbeat  `yaml:"heartbeat"`
	Notify     Notify     `yaml:"notify"`
	Logging    Logging    `yaml:"logging"`
	Metrics    Metrics    `yaml:"metrics"`
}

// Server carries identification and retry-policy settings for this node.
type Server struct {
	Tag          string `yaml:"tag"`
	ExitOnError  bool   `yaml:"exit_on_error"`
	MaxRetriable int    `yaml:"max_retriable"`
}

// Coincident controls the grouping engine's coincidence window and firedrill mode.
type Coincident struct {
	WindowSeconds float64 `yaml:"window_seconds"`
	FiredrillMode bool    `yaml:"firedrill_mode"`
}

// Bus configures the pub/sub transport.
type Bus struct {
	Engine                  string `yaml:"engine"` // redis
	RedisURL                string `yaml:"redis_url"`
	ObservationTopic        string `yaml:"observation_topic"`
	FiredrillObservation    string `yaml:"firedrill_observation_topic"`
	AlertTopic              string `yaml:"alert_topic"`
	FiredrillAlertTopic     string `yaml:"firedrill_alert_topic"`
	ConnectTimeoutMs        int    `yaml:"connect_timeout_ms"`
}

// ObservationTopic returns the channel to subscribe to, honoring firedrill mode.
func (c *Config) ObservationTopic() string {
	if c.Coincident.FiredrillMode {
		return c.Bus.FiredrillObservation
	}
	return c.Bus.ObservationTopic
}

// AlertTopic returns the channel to publish alerts to, honoring firedrill mode.
func (c *Config) AlertTopic() string {
	if c.Coincident.FiredrillMode {
		return c.Bus.FiredrillAlertTopic
	}
	return c.Bus.AlertTopic
}

// Storage configures raw observation persistence.
type Storage struct {
	Driver            string `yaml:"driver"` // sqlite
	SQLitePath        string `yaml:"sqlite_path"`
	CompressAboveByte int    `yaml:"compress_above_bytes"`
}

// Heartbeat configures the detector-uptime snapshot stand-in.
type Heartbeat struct {
	Store               bool `yaml:"store"`
	StashSeconds        int  `yaml:"stash_seconds"`
	CacheExpirySeconds  int  `yaml:"cache_expiration_seconds"`
}

// Notify configures the email/chat side-channel no-ops.
type Notify struct {
	SendEmail bool `yaml:"send_email"`
	SendChat  bool `yaml:"send_chat"`
}

// Logging contains logging configuration.
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Metrics contains the /metrics HTTP exporter configuration.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"text": true, "json": true}
var validStorageDrivers = map[string]bool{"sqlite": true}
var validBusEngines = map[string]bool{"redis": true}

// Load reads and parses a configuration file, applying defaults, env overrides,
// and validation in that order.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-valued fields from Default().
func applyDefaults(cfg *Config) {
	d := Default()

	if cfg.Server.Tag == "" {
		cfg.Server.Tag = d.Server.Tag
	}
	if cfg.Server.MaxRetriable == 0 {
		cfg.Server.MaxRetriable = d.Server.MaxRetriable
	}
	if cfg.Coincident.WindowSeconds == 0 {
		cfg.Coincident.WindowSeconds = d.Coincident.WindowSeconds
	}
	if cfg.Bus.Engine == "" {
		cfg.Bus.Engine = d.Bus.Engine
	}
	if cfg.Bus.ObservationTopic == "" {
		cfg.Bus.ObservationTopic = d.Bus.ObservationTopic
	}
	if cfg.Bus.FiredrillObservation == "" {
		cfg.Bus.FiredrillObservation = d.Bus.FiredrillObservation
	}
	if cfg.Bus.AlertTopic == "" {
		cfg.Bus.AlertTopic = d.Bus.AlertTopic
	}
	if cfg.Bus.FiredrillAlertTopic == "" {
		cfg.Bus.FiredrillAlertTopic = d.Bus.FiredrillAlertTopic
	}
	if cfg.Bus.ConnectTimeoutMs == 0 {
		cfg.Bus.ConnectTimeoutMs = d.Bus.ConnectTimeoutMs
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = d.Storage.Driver
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = d.Storage.SQLitePath
	}
	if cfg.Storage.CompressAboveByte == 0 {
		cfg.Storage.CompressAboveByte = d.Storage.CompressAboveByte
	}
	if cfg.Heartbeat.StashSeconds == 0 {
		cfg.Heartbeat.StashSeconds = d.Heartbeat.StashSeconds
	}
	if cfg.Heartbeat.CacheExpirySeconds == 0 {
		cfg.Heartbeat.CacheExpirySeconds = d.Heartbeat.CacheExpirySeconds
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
	if cfg.Metrics.Bind == "" {
		cfg.Metrics.Bind = d.Metrics.Bind
	}
}

// applyEnvOverrides applies the handful of environment variables the original
// distributor read directly (COINCIDENCE_THRESHOLD, the topic names, and the
// heartbeat storage toggle).
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("COINCIDENCE_THRESHOLD"); v != "" {
		var window float64
		if _, err := fmt.Sscanf(v, "%f", &window); err != nil {
			return fmt.Errorf("invalid COINCIDENCE_THRESHOLD: %w", err)
		}
		cfg.Coincident.WindowSeconds = window
	}
	if v := os.Getenv("OBSERVATION_TOPIC"); v != "" {
		cfg.Bus.ObservationTopic = v
	}
	if v := os.Getenv("FIREDRILL_OBSERVATION_TOPIC"); v != "" {
		cfg.Bus.FiredrillObservation = v
	}
	if v := os.Getenv("STORE_HEARTBEAT"); v != "" {
		cfg.Heartbeat.Store = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CSSERVER_REDIS_URL"); v != "" {
		cfg.Bus.RedisURL = v
	}
	return nil
}

// GetExampleConfig returns the embedded example configuration.
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: Server{
			Tag:          "snews-cs",
			ExitOnError:  false,
			MaxRetriable: 20,
		},
		Coincident: Coincident{
			WindowSeconds: 10.0,
			FiredrillMode: false,
		},
		Bus: Bus{
			Engine:               "redis",
			RedisURL:             "redis://localhost:6379/0",
			ObservationTopic:     "observation-topic",
			FiredrillObservation: "firedrill-observation-topic",
			AlertTopic:           "alert-topic",
			FiredrillAlertTopic:  "firedrill-alert-topic",
			ConnectTimeoutMs:     5000,
		},
		Storage: Storage{
			Driver:            "sqlite",
			SQLitePath:        "./csserver.sqlite",
			CompressAboveByte: 4096,
		},
		Heartbeat: Heartbeat{
			Store:              true,
			StashSeconds:       86400,
			CacheExpirySeconds: 86400,
		},
		Notify: Notify{
			SendEmail: false,
			SendChat:  false,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Metrics: Metrics{
			Enabled: true,
			Bind:    "0.0.0.0:9090",
		},
	}
}

// Validate checks a loaded configuration for internal consistency.
func Validate(cfg *Config) error {
	if cfg.Server.Tag == "" {
		return fmt.Errorf("server.tag is required")
	}
	if cfg.Server.MaxRetriable < 1 {
		return fmt.Errorf("server.max_retriable must be at least 1")
	}
	if cfg.Coincident.WindowSeconds <= 0 {
		return fmt.Errorf("coincidence.window_seconds must be positive")
	}
	if !validBusEngines[cfg.Bus.Engine] {
		return fmt.Errorf("invalid bus engine: %s (must be one of: redis)", cfg.Bus.Engine)
	}
	if cfg.Bus.ObservationTopic == "" || cfg.Bus.FiredrillObservation == "" {
		return fmt.Errorf("bus.observation_topic and bus.firedrill_observation_topic are both required")
	}
	if cfg.Bus.AlertTopic == "" || cfg.Bus.FiredrillAlertTopic == "" {
		return fmt.Errorf("bus.alert_topic and bus.firedrill_alert_topic are both required")
	}
	if !validStorageDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s (must be one of: sqlite)", cfg.Storage.Driver)
	}
	if cfg.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required")
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be one of: text, json)", cfg.Logging.Format)
	}
	return nil
}
