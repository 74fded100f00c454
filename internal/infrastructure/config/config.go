package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for FleetLink Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Registry  RegistryConfig  `yaml:"registry"`
	Commands  CommandsConfig  `yaml:"commands"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
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

// MQTTReconnectConfig contains the reconnect backoff schedule used by the
// dispatch loop. Delays are in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int     `yaml:"initial_delay"`
	MaxDelay     int     `yaml:"max_delay"`
	Jitter       float64 `yaml:"jitter"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains the shared secret operator clients sign their tokens with.
type JWTConfig struct {
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// RegistryConfig tunes the device registry.
type RegistryConfig struct {
	// StaleThreshold is how long a device may stay silent before it
	// classifies as offline.
	StaleThreshold time.Duration `yaml:"stale_threshold"`

	// HistorySize is the per-device reading history capacity.
	HistorySize int `yaml:"history_size"`

	// MaxClockSkew bounds how far in the future a device timestamp may be
	// before receipt time is used instead.
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
}

// CommandsConfig tunes the command router.
type CommandsConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// SerializePerDevice keeps at most one unacknowledged command in flight
	// per device. Later submissions wait until it resolves.
	SerializePerDevice bool `yaml:"serialize_per_device"`

	// Retention is how long resolved commands stay queryable.
	Retention time.Duration `yaml:"retention"`
}

// AlertsConfig contains alert rules and notification settings.
type AlertsConfig struct {
	RecentLimit    int               `yaml:"recent_limit"`
	NotifyMinLevel string            `yaml:"notify_min_level"`
	Rules          []AlertRuleConfig `yaml:"rules"`

	// HistoryRetention is how long stored alerts are kept. Zero keeps them
	// forever.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// AlertRuleConfig is the YAML form of an alert rule.
type AlertRuleConfig struct {
	ID       string        `yaml:"id"`
	DeviceID string        `yaml:"device_id"`
	Metric   string        `yaml:"metric"`
	Kind     string        `yaml:"kind"`
	Operator string        `yaml:"operator"`
	Bound    float64       `yaml:"bound"`
	Per      time.Duration `yaml:"per"`
	MaxAge   time.Duration `yaml:"max_age"`
	Absolute bool          `yaml:"absolute"`
	Severity string        `yaml:"severity"`
	Cooldown time.Duration `yaml:"cooldown"`
	Message  string        `yaml:"message"`
}

// Offline policies for commands submitted while the bus is down.
const (
	OfflinePolicyQueue    = "queue"
	OfflinePolicyFailFast = "fail_fast"
)

// DispatchConfig tunes the dispatch loop.
type DispatchConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	InboundBuffer    int           `yaml:"inbound_buffer"`
	OfflinePolicy    string        `yaml:"offline_policy"`
	OfflineQueueSize int           `yaml:"offline_queue_size"`
	FanoutBuffer     int           `yaml:"fanout_buffer"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FLEETLINK_SECTION_KEY
// For example: FLEETLINK_DATABASE_PATH, FLEETLINK_MQTT_HOST
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
		Database: DatabaseConfig{
			Path:        "./data/fleetlink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fleetlink-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				Jitter:       0.2,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer: "fleetlink-operator",
			},
		},
		Registry: RegistryConfig{
			StaleThreshold: 90 * time.Second,
			HistorySize:    100,
			MaxClockSkew:   5 * time.Minute,
		},
		Commands: CommandsConfig{
			DefaultTimeout: 5 * time.Second,
			Retention:      10 * time.Minute,
		},
		Alerts: AlertsConfig{
			RecentLimit:      50,
			NotifyMinLevel:   "WARNING",
			HistoryRetention: 90 * 24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			TickInterval:     time.Second,
			InboundBuffer:    1024,
			OfflinePolicy:    OfflinePolicyQueue,
			OfflineQueueSize: 256,
			FanoutBuffer:     1024,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FLEETLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("FLEETLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FLEETLINK_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("FLEETLINK_MQTT_TLS"); v != "" {
		if tls, err := strconv.ParseBool(v); err == nil {
			cfg.MQTT.Broker.TLS = tls
		}
	}
	if v := os.Getenv("FLEETLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FLEETLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("FLEETLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("FLEETLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("FLEETLINK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := os.Getenv("FLEETLINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Reconnect.InitialDelay < 1 {
		errs = append(errs, "mqtt.reconnect.initial_delay must be at least 1 second")
	}
	if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect.max_delay must not be below initial_delay")
	}
	if c.MQTT.Reconnect.Jitter < 0 || c.MQTT.Reconnect.Jitter >= 1 {
		errs = append(errs, "mqtt.reconnect.jitter must be in [0, 1)")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		// Operator tokens are signed with this secret; a short one can be brute-forced.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set FLEETLINK_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Registry.StaleThreshold <= 0 {
		errs = append(errs, "registry.stale_threshold must be positive")
	}
	if c.Registry.HistorySize < 1 {
		errs = append(errs, "registry.history_size must be at least 1")
	}

	if c.Commands.DefaultTimeout <= 0 {
		errs = append(errs, "commands.default_timeout must be positive")
	}

	if c.Alerts.RecentLimit < 1 {
		errs = append(errs, "alerts.recent_limit must be at least 1")
	}
	if !isSeverity(c.Alerts.NotifyMinLevel) {
		errs = append(errs, "alerts.notify_min_level must be one of INFO, WARNING, ERROR, CRITICAL")
	}
	if c.Alerts.HistoryRetention < 0 {
		errs = append(errs, "alerts.history_retention must not be negative")
	}
	errs = append(errs, validateAlertRules(c.Alerts.Rules)...)

	if c.Dispatch.TickInterval <= 0 {
		errs = append(errs, "dispatch.tick_interval must be positive")
	}
	if c.Dispatch.InboundBuffer < 1 {
		errs = append(errs, "dispatch.inbound_buffer must be at least 1")
	}
	switch c.Dispatch.OfflinePolicy {
	case OfflinePolicyQueue:
		if c.Dispatch.OfflineQueueSize < 1 {
			errs = append(errs, "dispatch.offline_queue_size must be at least 1 with the queue policy")
		}
	case OfflinePolicyFailFast:
	default:
		errs = append(errs, fmt.Sprintf("dispatch.offline_policy must be %q or %q", OfflinePolicyQueue, OfflinePolicyFailFast))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateAlertRules performs the structural checks that do not need the
// alert package. Condition semantics are checked when rules are compiled.
func validateAlertRules(rules []AlertRuleConfig) []string {
	var errs []string
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			errs = append(errs, fmt.Sprintf("alerts.rules[%d].id is required", i))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Sprintf("alerts.rules[%d].id %q is duplicated", i, r.ID))
		}
		seen[r.ID] = true
		if r.Severity != "" && !isSeverity(r.Severity) {
			errs = append(errs, fmt.Sprintf("alerts.rules[%d].severity %q is invalid", i, r.Severity))
		}
		if r.Cooldown < 0 {
			errs = append(errs, fmt.Sprintf("alerts.rules[%d].cooldown must not be negative", i))
		}
	}
	return errs
}

func isSeverity(s string) bool {
	switch s {
	case "INFO", "WARNING", "ERROR", "CRITICAL":
		return true
	}
	return false
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
