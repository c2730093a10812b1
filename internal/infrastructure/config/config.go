package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors config.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Notify    NotifyConfig    `yaml:"notify"`
	Firmware  FirmwareConfig  `yaml:"firmware"`
	Images    ImagesConfig    `yaml:"images"`
	Stats     StatsConfig     `yaml:"stats"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// ConnectAttempts bounds the startup retry loop. 0 means a single attempt.
	ConnectAttempts int `yaml:"connect_attempts"`
	// ConnectMaxInterval caps the backoff between attempts (seconds).
	ConnectMaxInterval int `yaml:"connect_max_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host         string           `yaml:"host"`
	Port         int              `yaml:"port"`
	TLS          TLSConfig        `yaml:"tls"`
	Timeouts     APITimeoutConfig `yaml:"timeouts"`
	CORS         CORSConfig       `yaml:"cors"`
	MaxBodyBytes int64            `yaml:"max_body_bytes"`
	RateLimit    RateLimitConfig  `yaml:"rate_limit"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read    int `yaml:"read"`
	Write   int `yaml:"write"`
	Idle    int `yaml:"idle"`
	Request int `yaml:"request"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// RateLimitConfig contains per-client rate limiting for ingestion routes.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// WebSocketConfig contains live feed settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for measurement ingestion.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
	// JSONPath is an optional JSONPath expression selecting the
	// measurement document inside each payload (e.g. "$.payload.values").
	JSONPath string `yaml:"json_path"`
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

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains settings for the measurement mirror.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// NotifyConfig contains outbound notification targets (shoutrrr URLs).
type NotifyConfig struct {
	URLs    []string `yaml:"urls"`
	Timeout int      `yaml:"timeout"`
}

// FirmwareConfig contains firmware provisioning settings.
type FirmwareConfig struct {
	OutputDir string `yaml:"output_dir"`
}

// ImagesConfig contains box image upload settings.
type ImagesConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int    `yaml:"max_bytes"`
}

// StatsConfig contains settings for the /stats aggregate.
type StatsConfig struct {
	CacheTTL int `yaml:"cache_ttl"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads config.yaml over the built-in defaults, then applies the
// SENSEMAP_* environment overrides and validates the result.
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

// Default returns the built-in configuration with environment overrides applied.
// It is used when no config file is supplied.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:               "./data/sensemap.db",
			WALMode:            true,
			BusyTimeout:        5,
			ConnectAttempts:    5,
			ConnectMaxInterval: 10,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8000,
			Timeouts: APITimeoutConfig{
				Read:    30,
				Write:   30,
				Idle:    60,
				Request: 10,
			},
			MaxBodyBytes: 4 << 20,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 10,
				Burst:             20,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "sensemap-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "sensemap",
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Notify: NotifyConfig{
			Timeout: 10,
		},
		Firmware: FirmwareConfig{
			OutputDir: "./data/firmware",
		},
		Images: ImagesConfig{
			Dir:      "./data/images",
			MaxBytes: 2 << 20,
		},
		Stats: StatsConfig{
			CacheTTL: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// envStrings lists the SENSEMAP_* variables that replace a string field.
var envStrings = []struct {
	key   string
	field func(*Config) *string
}{
	{"SENSEMAP_DATABASE_PATH", func(c *Config) *string { return &c.Database.Path }},
	{"SENSEMAP_API_HOST", func(c *Config) *string { return &c.API.Host }},
	{"SENSEMAP_MQTT_HOST", func(c *Config) *string { return &c.MQTT.Broker.Host }},
	{"SENSEMAP_MQTT_USERNAME", func(c *Config) *string { return &c.MQTT.Auth.Username }},
	{"SENSEMAP_MQTT_PASSWORD", func(c *Config) *string { return &c.MQTT.Auth.Password }},
	{"SENSEMAP_INFLUXDB_TOKEN", func(c *Config) *string { return &c.InfluxDB.Token }},
	{"SENSEMAP_FIRMWARE_OUTPUT_DIR", func(c *Config) *string { return &c.Firmware.OutputDir }},
	{"SENSEMAP_IMAGE_DIR", func(c *Config) *string { return &c.Images.Dir }},
}

// applyEnvOverrides lets the environment win over the file. Unparseable
// values are ignored.
func applyEnvOverrides(cfg *Config) {
	for _, e := range envStrings {
		if v := os.Getenv(e.key); v != "" {
			*e.field(cfg) = v
		}
	}

	if port, err := strconv.Atoi(os.Getenv("SENSEMAP_API_PORT")); err == nil {
		cfg.API.Port = port
	}

	// Comma separated; webhook URLs usually carry tokens so they stay out of the file.
	if v := os.Getenv("SENSEMAP_NOTIFY_URLS"); v != "" {
		cfg.Notify.URLs = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.Notify.URLs = append(cfg.Notify.URLs, u)
			}
		}
	}
}

// Validate reports every problem in one error.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.ConnectAttempts < 0 {
		errs = append(errs, "database.connect_attempts must not be negative")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Timeouts.Request <= 0 {
		errs = append(errs, "api.timeouts.request must be positive")
	}
	if c.API.RateLimit.Enabled && (c.API.RateLimit.RequestsPerSecond <= 0 || c.API.RateLimit.Burst <= 0) {
		errs = append(errs, "api.rate_limit requires positive requests_per_second and burst")
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls requires cert_file and key_file")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if c.Firmware.OutputDir == "" {
		errs = append(errs, "firmware.output_dir is required")
	}
	if c.Images.Dir == "" {
		errs = append(errs, "images.dir is required")
	}
	if c.Images.MaxBytes <= 0 {
		errs = append(errs, "images.max_bytes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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

// GetRequestTimeout returns the per-request deadline applied to core operations.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Request) * time.Second
}

// GetStatsTTL returns how long /stats aggregates are cached.
func (c *Config) GetStatsTTL() time.Duration {
	return time.Duration(c.Stats.CacheTTL) * time.Second
}
