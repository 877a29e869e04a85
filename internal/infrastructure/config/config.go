package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic Home
// Assistant gateway. All configuration is loaded from YAML and can be
// overridden by environment variables.
type Config struct {
	HASS     HASSConfig     `yaml:"hass"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HASSConfig contains Home Assistant connection settings.
// Durations are in seconds.
type HASSConfig struct {
	URL              string              `yaml:"url"`
	Token            string              `yaml:"token"`
	WebSocketPath    string              `yaml:"websocket_path"`
	CommandTimeout   int                 `yaml:"command_timeout"`
	RequestTimeout   int                 `yaml:"request_timeout"`
	HandshakeTimeout int                 `yaml:"handshake_timeout"`
	HTTPConcurrency  int                 `yaml:"http_concurrency"`
	WSConcurrency    int                 `yaml:"ws_concurrency"`
	Reconnect        HASSReconnectConfig `yaml:"reconnect"`
}

// HASSReconnectConfig contains WebSocket reconnection backoff settings.
type HASSReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// DatabaseConfig contains SQLite settings for the command journal.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	RelayEvents []string            `yaml:"relay_events"`
	Commands    bool                `yaml:"commands"`
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

// APIConfig contains the status HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// InfluxDBConfig contains InfluxDB connection settings.
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_HASS_TOKEN, GRAYLOGIC_DATABASE_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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
		HASS: HASSConfig{
			URL:              "http://homeassistant.local:8123",
			WebSocketPath:    "/api/websocket",
			CommandTimeout:   30,
			RequestTimeout:   30,
			HandshakeTimeout: 10,
			HTTPConcurrency:  5,
			WSConcurrency:    10,
			Reconnect: HASSReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Database: DatabaseConfig{
			Enabled:     false,
			Path:        "./data/graylogic-hass.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-hass",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			RelayEvents: []string{"state_changed"},
			Commands:    true,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		InfluxDB: InfluxDBConfig{
			Enabled:       false,
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Home Assistant
	if v := os.Getenv("GRAYLOGIC_HASS_URL"); v != "" {
		cfg.HASS.URL = v
	}
	if v := os.Getenv("GRAYLOGIC_HASS_TOKEN"); v != "" {
		cfg.HASS.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Home Assistant validation
	if u, err := url.Parse(c.HASS.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "hass.url must be an absolute http or https URL")
	}
	if c.HASS.Token == "" {
		errs = append(errs, "hass.token is required (set GRAYLOGIC_HASS_TOKEN environment variable)")
	}
	if !strings.HasPrefix(c.HASS.WebSocketPath, "/") {
		errs = append(errs, "hass.websocket_path must start with /")
	}
	if c.HASS.CommandTimeout < 1 || c.HASS.RequestTimeout < 1 || c.HASS.HandshakeTimeout < 1 {
		errs = append(errs, "hass timeouts must be at least 1 second")
	}
	if c.HASS.HTTPConcurrency < 1 {
		errs = append(errs, "hass.http_concurrency must be at least 1")
	}
	if c.HASS.WSConcurrency < 1 {
		errs = append(errs, "hass.ws_concurrency must be at least 1")
	}
	if c.HASS.Reconnect.InitialDelay < 1 {
		errs = append(errs, "hass.reconnect.initial_delay must be at least 1")
	}
	if c.HASS.Reconnect.MaxDelay < c.HASS.Reconnect.InitialDelay {
		errs = append(errs, "hass.reconnect.max_delay must not be less than initial_delay")
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the journal is enabled")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// BaseURL returns the Home Assistant base URL without a trailing slash.
func (h HASSConfig) BaseURL() string {
	return strings.TrimRight(h.URL, "/")
}

// WebSocketURL derives the WebSocket endpoint from the base URL:
// http becomes ws, https becomes wss, and websocket_path is appended.
func (h HASSConfig) WebSocketURL() string {
	base := h.BaseURL()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + h.WebSocketPath
}

// GetCommandTimeout returns the WebSocket command timeout as a Duration.
func (h HASSConfig) GetCommandTimeout() time.Duration {
	return time.Duration(h.CommandTimeout) * time.Second
}

// GetRequestTimeout returns the REST request timeout as a Duration.
func (h HASSConfig) GetRequestTimeout() time.Duration {
	return time.Duration(h.RequestTimeout) * time.Second
}

// GetHandshakeTimeout returns the WebSocket handshake timeout as a Duration.
func (h HASSConfig) GetHandshakeTimeout() time.Duration {
	return time.Duration(h.HandshakeTimeout) * time.Second
}

// GetInitialBackoff returns the reconnect delay floor as a Duration.
func (h HASSConfig) GetInitialBackoff() time.Duration {
	return time.Duration(h.Reconnect.InitialDelay) * time.Second
}

// GetMaxBackoff returns the reconnect delay cap as a Duration.
func (h HASSConfig) GetMaxBackoff() time.Duration {
	return time.Duration(h.Reconnect.MaxDelay) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
