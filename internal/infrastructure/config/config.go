package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"gopkg.in/yaml.v3"
)

// Deployment modes.
const (
	// ModeBroker connects to a generic on-premise broker with a flat application topic.
	ModeBroker = "broker"

	// ModeIoTHub connects to a cloud IoT hub with per-device credentials.
	ModeIoTHub = "iothub"
)

// Transports available in broker mode.
const (
	TransportMQTT = "mqtt"
	TransportNATS = "nats"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Synthetic generators.
const (
	GeneratorWeather = "weather"
	GeneratorDevice  = "device"
	GeneratorSoil    = "soil"
)

// EnvFile is the dotenv file loaded before environment overrides are applied.
// Variables already present in the environment are never replaced by it.
var EnvFile = ".env"

const clientIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Config is the root configuration structure for the telemetry bridge.
// All configuration is loaded from YAML or TOML and can be overridden by environment variables.
type Config struct {
	Mode       string           `yaml:"mode" toml:"mode"`
	MQTT       MQTTConfig       `yaml:"mqtt" toml:"mqtt"`
	NATS       NATSConfig       `yaml:"nats" toml:"nats"`
	IoTHub     IoTHubConfig     `yaml:"iothub" toml:"iothub"`
	Store      StoreConfig      `yaml:"store" toml:"store"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb" toml:"influxdb"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter" toml:"dead_letter"`
	Publisher  PublisherConfig  `yaml:"publisher" toml:"publisher"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" toml:"dispatcher"`
	API        APIConfig        `yaml:"api" toml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket" toml:"websocket"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// MQTTConfig contains broker connection settings.
type MQTTConfig struct {
	// Transport selects the wire protocol used in broker mode: "mqtt" or "nats".
	Transport      string              `yaml:"transport" toml:"transport"`
	Broker         MQTTBrokerConfig    `yaml:"broker" toml:"broker"`
	Auth           MQTTAuthConfig      `yaml:"auth" toml:"auth"`
	QoS            int                 `yaml:"qos" toml:"qos"`
	Topic          string              `yaml:"topic" toml:"topic"`
	StatusPrefix   string              `yaml:"status_prefix" toml:"status_prefix"`
	KeepAlive      int                 `yaml:"keep_alive" toml:"keep_alive"`
	ConnectTimeout int                 `yaml:"connect_timeout" toml:"connect_timeout"`
	Reconnect      MQTTReconnectConfig `yaml:"reconnect" toml:"reconnect"`
}

// MQTTBrokerConfig contains broker endpoint details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	TLS      bool   `yaml:"tls" toml:"tls"`
	CAFile   string `yaml:"ca_file" toml:"ca_file"`
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
	ClientID string `yaml:"client_id" toml:"client_id"`
}

// MQTTAuthConfig contains broker credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// MQTTReconnectConfig contains reconnection settings.
// Delays are in seconds. A multiplier of 1 gives a constant delay.
type MQTTReconnectConfig struct {
	InitialDelay int     `yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay     int     `yaml:"max_delay" toml:"max_delay"`
	Multiplier   float64 `yaml:"multiplier" toml:"multiplier"`
	MaxAttempts  int     `yaml:"max_attempts" toml:"max_attempts"`
}

// NATSConfig contains settings for the NATS transport.
type NATSConfig struct {
	URL  string `yaml:"url" toml:"url"`
	Name string `yaml:"name" toml:"name"`
}

// IoTHubConfig contains cloud hub device identity and credentials.
//
// Exactly one credential source is needed: a ready SAS token, a device
// connection string, or a device key from which tokens are generated.
type IoTHubConfig struct {
	Name             string `yaml:"name" toml:"name"`
	HostName         string `yaml:"host_name" toml:"host_name"`
	DeviceID         string `yaml:"device_id" toml:"device_id"`
	SASToken         string `yaml:"sas_token" toml:"sas_token"`
	DeviceKey        string `yaml:"device_key" toml:"device_key"`
	ConnectionString string `yaml:"connection_string" toml:"connection_string"`
	APIVersion       string `yaml:"api_version" toml:"api_version"`
	Port             int    `yaml:"port" toml:"port"`
	TokenTTL         int    `yaml:"token_ttl" toml:"token_ttl"`
	CAFile           string `yaml:"ca_file" toml:"ca_file"`
	// Commands subscribes to cloud-to-device messages in addition to publishing telemetry.
	Commands bool `yaml:"commands" toml:"commands"`
}

// StoreConfig contains persistent store settings.
type StoreConfig struct {
	Driver      string `yaml:"driver" toml:"driver"`
	Path        string `yaml:"path" toml:"path"`
	WALMode     bool   `yaml:"wal_mode" toml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout" toml:"busy_timeout"`
	DSN         string `yaml:"dsn" toml:"dsn"`
	RetryDelay  int    `yaml:"retry_delay" toml:"retry_delay"`
	MaxAttempts int    `yaml:"max_attempts" toml:"max_attempts"`
	WriteBudget int    `yaml:"write_budget" toml:"write_budget"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	URL           string `yaml:"url" toml:"url"`
	Token         string `yaml:"token" toml:"token"`
	Org           string `yaml:"org" toml:"org"`
	Bucket        string `yaml:"bucket" toml:"bucket"`
	Measurement   string `yaml:"measurement" toml:"measurement"`
	BatchSize     int    `yaml:"batch_size" toml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval" toml:"flush_interval"`
}

// DeadLetterConfig contains settings for records that could not be persisted.
type DeadLetterConfig struct {
	Dir          string       `yaml:"dir" toml:"dir"`
	MaxFileBytes int64        `yaml:"max_file_bytes" toml:"max_file_bytes"`
	S3           DeadLetterS3 `yaml:"s3" toml:"s3"`
}

// DeadLetterS3 configures archival of dead-letter spool files to S3.
type DeadLetterS3 struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Bucket   string `yaml:"bucket" toml:"bucket"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
	Region   string `yaml:"region" toml:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
}

// PublisherConfig contains producer settings.
type PublisherConfig struct {
	Generator       string `yaml:"generator" toml:"generator"`
	Interval        int    `yaml:"interval" toml:"interval"`
	AckTimeout      int    `yaml:"ack_timeout" toml:"ack_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DispatcherConfig contains consumer pipeline settings.
type DispatcherConfig struct {
	QueueSize int  `yaml:"queue_size" toml:"queue_size"`
	Predict   bool `yaml:"predict" toml:"predict"`
}

// APIConfig contains the operational HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled" toml:"enabled"`
	Host     string           `yaml:"host" toml:"host"`
	Port     int              `yaml:"port" toml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts" toml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read" toml:"read"`
	Write int `yaml:"write" toml:"write"`
	Idle  int `yaml:"idle" toml:"idle"`
}

// WebSocketConfig contains live feed settings.
type WebSocketConfig struct {
	Path           string `yaml:"path" toml:"path"`
	MaxMessageSize int    `yaml:"max_message_size" toml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval" toml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout" toml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// Load reads configuration and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. The dotenv file, if present (never replaces variables already set)
//  3. The config file, YAML or TOML by extension (skipped when path is empty)
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: TELEMETRY_SECTION_KEY
// For example: TELEMETRY_MQTT_HOST, TELEMETRY_STORE_DSN
//
// Parameters:
//   - path: Path to the configuration file, or "" for defaults and environment only
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If the file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if err := godotenv.Load(EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading env file: %w", err)
	}

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// decodeFile parses a config file into cfg, choosing the decoder by extension.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	}
	return nil
}

// defaultConfig returns a Config with the documented defaults.
func defaultConfig() *Config {
	return &Config{
		Mode: ModeBroker,
		MQTT: MQTTConfig{
			Transport: TransportMQTT,
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS:            1,
			Topic:          "sensor/data",
			StatusPrefix:   "telemetry",
			KeepAlive:      60,
			ConnectTimeout: 60,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 5,
				MaxDelay:     5,
				Multiplier:   1,
				MaxAttempts:  0,
			},
		},
		NATS: NATSConfig{
			URL:  "nats://localhost:4222",
			Name: "telemetry-bridge",
		},
		IoTHub: IoTHubConfig{
			APIVersion: "2021-04-12",
			Port:       8883,
			TokenTTL:   3600,
		},
		Store: StoreConfig{
			Driver:      DriverSQLite,
			Path:        "./data/telemetry.db",
			WALMode:     true,
			BusyTimeout: 5,
			RetryDelay:  5,
			WriteBudget: 10,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "telemetry",
			Bucket:        "telemetry",
			Measurement:   "telemetry",
			BatchSize:     100,
			FlushInterval: 10,
		},
		DeadLetter: DeadLetterConfig{
			Dir:          "./data/deadletter",
			MaxFileBytes: 8 << 20,
		},
		Publisher: PublisherConfig{
			Generator:       GeneratorWeather,
			Interval:        5,
			AckTimeout:      5,
			ShutdownTimeout: 10,
		},
		Dispatcher: DispatcherConfig{
			QueueSize: 256,
			Predict:   true,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
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
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TELEMETRY_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be an integer", key))
			return
		}
		*dst = n
	}

	str("TELEMETRY_MODE", &cfg.Mode)

	// Broker
	str("TELEMETRY_MQTT_TRANSPORT", &cfg.MQTT.Transport)
	str("TELEMETRY_MQTT_HOST", &cfg.MQTT.Broker.Host)
	num("TELEMETRY_MQTT_PORT", &cfg.MQTT.Broker.Port)
	str("TELEMETRY_MQTT_TOPIC", &cfg.MQTT.Topic)
	str("TELEMETRY_MQTT_USERNAME", &cfg.MQTT.Auth.Username)
	str("TELEMETRY_MQTT_PASSWORD", &cfg.MQTT.Auth.Password)
	str("TELEMETRY_MQTT_CLIENT_ID", &cfg.MQTT.Broker.ClientID)
	num("TELEMETRY_MQTT_QOS", &cfg.MQTT.QoS)
	str("TELEMETRY_NATS_URL", &cfg.NATS.URL)

	// Cloud hub
	str("TELEMETRY_IOTHUB_NAME", &cfg.IoTHub.Name)
	str("TELEMETRY_IOTHUB_DEVICE_ID", &cfg.IoTHub.DeviceID)
	str("TELEMETRY_IOTHUB_SAS_TOKEN", &cfg.IoTHub.SASToken)
	str("TELEMETRY_IOTHUB_DEVICE_KEY", &cfg.IoTHub.DeviceKey)
	str("TELEMETRY_IOTHUB_CONNECTION_STRING", &cfg.IoTHub.ConnectionString)

	// Store
	str("TELEMETRY_STORE_DRIVER", &cfg.Store.Driver)
	str("TELEMETRY_STORE_PATH", &cfg.Store.Path)
	str("TELEMETRY_STORE_DSN", &cfg.Store.DSN)

	// InfluxDB
	str("TELEMETRY_INFLUXDB_TOKEN", &cfg.InfluxDB.Token)

	// Publisher
	num("TELEMETRY_PUBLISH_INTERVAL", &cfg.Publisher.Interval)

	// Logging
	str("TELEMETRY_LOG_LEVEL", &cfg.Logging.Level)

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// resolve fills values derived from other settings.
//
// Without an explicit client id, broker mode gets a random suffix so that a
// producer and a consumer on the same host never evict each other's session.
func (c *Config) resolve() error {
	if c.Mode == ModeIoTHub {
		return nil
	}
	if c.MQTT.Broker.ClientID == "" {
		suffix, err := gonanoid.Generate(clientIDAlphabet, 10)
		if err != nil {
			return fmt.Errorf("generating client id: %w", err)
		}
		c.MQTT.Broker.ClientID = "telemetry-bridge-" + suffix
	}
	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	switch c.Mode {
	case ModeBroker:
		switch c.MQTT.Transport {
		case TransportMQTT:
			if c.MQTT.Broker.Host == "" {
				errs = append(errs, "mqtt.broker.host is required")
			}
			if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
				errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
			}
		case TransportNATS:
			if c.NATS.URL == "" {
				errs = append(errs, "nats.url is required")
			}
		default:
			errs = append(errs, fmt.Sprintf("mqtt.transport %q is not supported (mqtt, nats)", c.MQTT.Transport))
		}
		if c.MQTT.Topic == "" {
			errs = append(errs, "mqtt.topic is required")
		}
	case ModeIoTHub:
		if c.IoTHub.ConnectionString == "" {
			if c.IoTHub.Name == "" && c.IoTHub.HostName == "" {
				errs = append(errs, "iothub.name is required (set TELEMETRY_IOTHUB_NAME)")
			}
			if c.IoTHub.DeviceID == "" {
				errs = append(errs, "iothub.device_id is required (set TELEMETRY_IOTHUB_DEVICE_ID)")
			}
		}
		if c.IoTHub.SASToken == "" && c.IoTHub.DeviceKey == "" && c.IoTHub.ConnectionString == "" {
			errs = append(errs, "iothub credential is required (set TELEMETRY_IOTHUB_SAS_TOKEN or TELEMETRY_IOTHUB_CONNECTION_STRING)")
		}
	default:
		errs = append(errs, fmt.Sprintf("mode %q is not supported (broker, iothub)", c.Mode))
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Reconnect.InitialDelay < 0 || c.MQTT.Reconnect.MaxDelay < 0 {
		errs = append(errs, "mqtt.reconnect delays must not be negative")
	}
	if c.MQTT.Reconnect.Multiplier > 1 && c.MQTT.Reconnect.MaxDelay <= 0 {
		errs = append(errs, "mqtt.reconnect.max_delay is required when multiplier is above 1")
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres driver (set TELEMETRY_STORE_DSN)")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (sqlite, postgres)", c.Store.Driver))
	}

	switch c.Publisher.Generator {
	case GeneratorWeather, GeneratorDevice, GeneratorSoil:
	default:
		errs = append(errs, fmt.Sprintf("publisher.generator %q is not supported (weather, device, soil)", c.Publisher.Generator))
	}
	if c.Publisher.Interval < 1 {
		errs = append(errs, "publisher.interval must be at least 1 second")
	}

	if c.Dispatcher.QueueSize < 1 {
		errs = append(errs, "dispatcher.queue_size must be at least 1")
	}

	if c.DeadLetter.S3.Enabled && c.DeadLetter.S3.Bucket == "" {
		errs = append(errs, "dead_letter.s3.bucket is required when archival is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// GetConnectTimeout returns the per-attempt broker handshake timeout.
func (c *Config) GetConnectTimeout() time.Duration {
	if c.MQTT.ConnectTimeout <= 0 {
		return 60 * time.Second
	}
	return seconds(c.MQTT.ConnectTimeout)
}

// GetKeepAlive returns the broker keep-alive interval.
func (c *Config) GetKeepAlive() time.Duration {
	return seconds(c.MQTT.KeepAlive)
}

// GetReconnectDelay returns the delay before the first reconnect attempt.
func (c *Config) GetReconnectDelay() time.Duration {
	return seconds(c.MQTT.Reconnect.InitialDelay)
}

// GetMaxReconnectDelay returns the upper bound on reconnect delays.
func (c *Config) GetMaxReconnectDelay() time.Duration {
	return seconds(c.MQTT.Reconnect.MaxDelay)
}

// GetPublishInterval returns the synthetic generation interval.
func (c *Config) GetPublishInterval() time.Duration {
	return seconds(c.Publisher.Interval)
}

// GetAckTimeout returns how long a QoS 1/2 publish waits for acknowledgment.
func (c *Config) GetAckTimeout() time.Duration {
	return seconds(c.Publisher.AckTimeout)
}

// GetShutdownTimeout returns how long in-flight work may run after cancellation.
func (c *Config) GetShutdownTimeout() time.Duration {
	return seconds(c.Publisher.ShutdownTimeout)
}

// GetStoreRetryDelay returns the delay between initial store connection attempts.
func (c *Config) GetStoreRetryDelay() time.Duration {
	return seconds(c.Store.RetryDelay)
}

// GetStoreWriteBudget returns the maximum time a single store write may block dispatch.
func (c *Config) GetStoreWriteBudget() time.Duration {
	return seconds(c.Store.WriteBudget)
}

// GetTokenTTL returns the lifetime of generated SAS tokens.
func (c *Config) GetTokenTTL() time.Duration {
	return seconds(c.IoTHub.TokenTTL)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return seconds(c.API.Timeouts.Read)
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return seconds(c.API.Timeouts.Write)
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return seconds(c.API.Timeouts.Idle)
}
