package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the beamline control
// software. All configuration is loaded from YAML and can be overridden by
// environment variables.
type Config struct {
	Beamline    BeamlineConfig    `yaml:"beamline"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
	Control     ControlConfig     `yaml:"control"`
	Scan        ScanConfig        `yaml:"scan"`
	Instruments []InstrumentEntry `yaml:"instruments"`
}

// BeamlineConfig contains beamline-specific identification.
type BeamlineConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings for telemetry history.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ControlConfig contains device control worker settings.
type ControlConfig struct {
	// PollIntervalMS is the idle status poll interval in milliseconds.
	PollIntervalMS int `yaml:"poll_interval_ms"`

	// CommandTimeoutMS bounds each device I/O operation in milliseconds.
	CommandTimeoutMS int `yaml:"command_timeout_ms"`

	// RetryCount is how many times a timed-out command is retried.
	RetryCount int `yaml:"retry_count"`

	// FaultThreshold is the consecutive-failure count that faults a device.
	FaultThreshold int `yaml:"fault_threshold"`

	// QueueSize bounds each device's command queue.
	QueueSize int `yaml:"queue_size"`

	// QueueBlock makes submission block when the queue is full instead of
	// failing fast.
	QueueBlock bool `yaml:"queue_block"`
}

// ScanConfig contains scan engine settings.
type ScanConfig struct {
	// DwellTimeMS is the default per-point count time in milliseconds.
	DwellTimeMS int `yaml:"dwell_time_ms"`

	// SettlePollMS is how often the engine polls for motor-stopped during a
	// move, in milliseconds.
	SettlePollMS int `yaml:"settle_poll_ms"`

	// MoveTimeoutMS bounds a single scan motor move in milliseconds.
	MoveTimeoutMS int `yaml:"move_timeout_ms"`
}

// InstrumentEntry seeds the instrument catalog from the config file.
// Entries already present in the catalog database are left untouched.
type InstrumentEntry struct {
	Name     string         `yaml:"name"`
	Kind     string         `yaml:"kind"`
	Settings map[string]any `yaml:"settings"`
}

// Load reads configuration from a YAML file and applies environment variable
// overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BIOCON_SECTION_KEY
// For example: BIOCON_DATABASE_PATH, BIOCON_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Beamline: BeamlineConfig{
			ID:       "biocat-18id",
			Name:     "BioCAT",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/biocon.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "biocon-control",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Control: ControlConfig{
			PollIntervalMS:   1000,
			CommandTimeoutMS: 5000,
			RetryCount:       2,
			FaultThreshold:   3,
			QueueSize:        64,
		},
		Scan: ScanConfig{
			DwellTimeMS:   1000,
			SettlePollMS:  10,
			MoveTimeoutMS: 30000,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables follow the pattern: BIOCON_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("BIOCON_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("BIOCON_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BIOCON_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("BIOCON_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BIOCON_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("BIOCON_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("BIOCON_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("BIOCON_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Beamline.ID == "" {
		errs = append(errs, "beamline.id is required")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.Control.PollIntervalMS <= 0 {
		errs = append(errs, "control.poll_interval_ms must be positive")
	}
	if c.Control.CommandTimeoutMS <= 0 {
		errs = append(errs, "control.command_timeout_ms must be positive")
	}
	if c.Control.FaultThreshold <= 0 {
		errs = append(errs, "control.fault_threshold must be positive")
	}
	if c.Scan.DwellTimeMS <= 0 {
		errs = append(errs, "scan.dwell_time_ms must be positive")
	}
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Token == "" {
			errs = append(errs, "influxdb.token is required when influxdb is enabled (set BIOCON_INFLUXDB_TOKEN)")
		}
	}

	seen := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if inst.Name == "" || inst.Kind == "" {
			errs = append(errs, "instruments entries require name and kind")
			continue
		}
		if seen[inst.Name] {
			errs = append(errs, fmt.Sprintf("duplicate instrument name %q", inst.Name))
		}
		seen[inst.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetPollInterval returns the worker poll interval as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Control.PollIntervalMS) * time.Millisecond
}

// GetCommandTimeout returns the per-command timeout as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Control.CommandTimeoutMS) * time.Millisecond
}

// GetDwellTime returns the default scan dwell time as a Duration.
func (c *Config) GetDwellTime() time.Duration {
	return time.Duration(c.Scan.DwellTimeMS) * time.Millisecond
}

// GetSettlePoll returns the scan motor settle poll interval as a Duration.
func (c *Config) GetSettlePoll() time.Duration {
	return time.Duration(c.Scan.SettlePollMS) * time.Millisecond
}

// GetMoveTimeout returns the scan move timeout as a Duration.
func (c *Config) GetMoveTimeout() time.Duration {
	return time.Duration(c.Scan.MoveTimeoutMS) * time.Millisecond
}
