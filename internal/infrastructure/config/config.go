package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent configuration, one field per top-level YAML section.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Management ManagementConfig `yaml:"management"`
	Database   DatabaseConfig   `yaml:"database"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
}

// DeviceConfig identifies the managed device towards the platform.
type DeviceConfig struct {
	Org  string           `yaml:"org"`
	Type string           `yaml:"type"`
	ID   string           `yaml:"id"`
	Info DeviceInfoConfig `yaml:"info"`

	// Metadata is an arbitrary document sent with the manage request.
	Metadata map[string]any `yaml:"metadata"`
}

// DeviceInfoConfig holds the static deviceInfo attributes reported on manage.
type DeviceInfoConfig struct {
	SerialNumber        string `yaml:"serial_number"`
	Manufacturer        string `yaml:"manufacturer"`
	Model               string `yaml:"model"`
	DeviceClass         string `yaml:"device_class"`
	Description         string `yaml:"description"`
	FWVersion           string `yaml:"fw_version"`
	HWVersion           string `yaml:"hw_version"`
	DescriptiveLocation string `yaml:"descriptive_location"`
}

// ClientID returns the MQTT client identifier the platform expects: d:org:type:id.
func (d DeviceConfig) ClientID() string {
	return fmt.Sprintf("d:%s:%s:%s", d.Org, d.Type, d.ID)
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// MaxInFlight bounds concurrent unacknowledged publishes. 0 disables the limit.
	MaxInFlight int `yaml:"max_inflight"`
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
}

// ManagementConfig tunes the device-management session.
type ManagementConfig struct {
	// Lifetime in seconds after which the platform marks the device dormant
	// unless it re-sends manage. 0 means never.
	Lifetime int `yaml:"lifetime"`

	// RequestTimeout is the wait for a server response to a device request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	QueueSize           int           `yaml:"queue_size"`
	NotConnectedBackoff time.Duration `yaml:"not_connected_backoff"`
	InFlightBackoff     time.Duration `yaml:"inflight_backoff"`

	// WorkerLimit bounds concurrently running long-lived command handlers.
	WorkerLimit int `yaml:"worker_limit"`

	// DeferGrace is the minimum time an unmatched response is parked.
	DeferGrace time.Duration `yaml:"defer_grace"`

	Supports SupportsConfig `yaml:"supports"`
}

// SupportsConfig declares the management capabilities announced on manage.
type SupportsConfig struct {
	DeviceActions   bool     `yaml:"device_actions"`
	FirmwareActions bool     `yaml:"firmware_actions"`
	Bundles         []string `yaml:"bundles"`
}

// DatabaseConfig contains SQLite journal settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
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

// APIConfig contains the local status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ReadTimeout is Read as a Duration.
func (t APITimeoutConfig) ReadTimeout() time.Duration { return seconds(t.Read) }

// WriteTimeout is Write as a Duration.
func (t APITimeoutConfig) WriteTimeout() time.Duration { return seconds(t.Write) }

// IdleTimeout is Idle as a Duration.
func (t APITimeoutConfig) IdleTimeout() time.Duration { return seconds(t.Idle) }

// WebSocketConfig contains WebSocket stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
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

// JWTConfig contains JWT settings for the status API. An empty secret
// leaves the API unauthenticated.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// Load builds the configuration in three layers: built-in defaults, then
// the YAML file at path, then GRAYLOGIC_AGENT_* environment variables
// (see envOverrides). The result is validated before it is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig holds the values used for anything the file leaves out.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			MaxInFlight: 10,
		},
		Management: ManagementConfig{
			RequestTimeout:      120 * time.Second,
			QueueSize:           1024,
			NotConnectedBackoff: 5 * time.Second,
			InFlightBackoff:     50 * time.Millisecond,
			WorkerLimit:         4,
			DeferGrace:          time.Second,
		},
		Database: DatabaseConfig{
			Path:        "./data/graylogic-agent.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

const envPrefix = "GRAYLOGIC_AGENT_"

// envOverride binds one environment variable (without envPrefix) to a field.
type envOverride struct {
	name  string
	apply func(cfg *Config, value string) error
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

// Credentials belong here rather than in the file.
var envOverrides = []envOverride{
	{"DEVICE_ORG", setString(func(c *Config) *string { return &c.Device.Org })},
	{"DEVICE_TYPE", setString(func(c *Config) *string { return &c.Device.Type })},
	{"DEVICE_ID", setString(func(c *Config) *string { return &c.Device.ID })},
	{"MQTT_HOST", setString(func(c *Config) *string { return &c.MQTT.Broker.Host })},
	{"MQTT_PORT", setInt(func(c *Config) *int { return &c.MQTT.Broker.Port })},
	{"MQTT_USERNAME", setString(func(c *Config) *string { return &c.MQTT.Auth.Username })},
	{"MQTT_PASSWORD", setString(func(c *Config) *string { return &c.MQTT.Auth.Password })},
	{"DATABASE_PATH", setString(func(c *Config) *string { return &c.Database.Path })},
	{"INFLUXDB_URL", setString(func(c *Config) *string { return &c.InfluxDB.URL })},
	{"INFLUXDB_TOKEN", setString(func(c *Config) *string { return &c.InfluxDB.Token })},
	{"API_PORT", setInt(func(c *Config) *int { return &c.API.Port })},
	{"JWT_SECRET", setString(func(c *Config) *string { return &c.Security.JWT.Secret })},
}

func applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(envPrefix + o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, o.name, err)
		}
	}
	return nil
}

const minJWTSecretLength = 32

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// Validate reports every problem at once, joined into a single error.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.Device.Org != "", "device.org is required")
	check(c.Device.Type != "", "device.type is required")
	check(c.Device.ID != "", "device.id is required")

	check(c.MQTT.Broker.Host != "", "mqtt.broker.host is required")
	check(validPort(c.MQTT.Broker.Port), "mqtt.broker.port must be between 1 and 65535")
	check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	check(c.MQTT.MaxInFlight >= 0, "mqtt.max_inflight must not be negative")

	m := c.Management
	check(m.Lifetime >= 0, "management.lifetime must not be negative")
	check(m.RequestTimeout > 0, "management.request_timeout must be positive")
	check(m.QueueSize >= 1, "management.queue_size must be at least 1")
	check(m.WorkerLimit >= 1, "management.worker_limit must be at least 1")

	check(!c.Database.Enabled || c.Database.Path != "", "database.path is required when the journal is enabled")
	check(!c.InfluxDB.Enabled || c.InfluxDB.URL != "", "influxdb.url is required when influxdb is enabled")
	check(!c.API.Enabled || validPort(c.API.Port), "api.port must be between 1 and 65535")

	secret := c.Security.JWT.Secret
	check(secret == "" || len(secret) >= minJWTSecretLength, "security.jwt.secret must be at least 32 characters")

	if len(problems) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ClientID returns the MQTT client id, derived from the device identity
// unless set explicitly.
func (c *Config) ClientID() string {
	if c.MQTT.Broker.ClientID != "" {
		return c.MQTT.Broker.ClientID
	}
	return c.Device.ClientID()
}
