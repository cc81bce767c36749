package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout bounds paho's own handshake when the caller's
	// context has no deadline.
	defaultConnectTimeout = 60 * time.Second

	// defaultStatusTimeout is how long Disconnect waits for the offline status.
	defaultStatusTimeout = 2 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Settings is everything the transport needs to open a connection.
//
// Broker mode builds it from config.MQTTConfig with SettingsFromConfig;
// IoT hub mode builds it from an iothub.Device.
type Settings struct {
	// BrokerURL is tcp://host:port or ssl://host:port.
	BrokerURL string

	ClientID string
	Username string

	// Password is called before every connect attempt so short-lived tokens
	// can be regenerated. Nil means no password.
	Password func() (string, error)

	// TLS is used for ssl:// URLs. Nil means the system roots with TLS 1.2.
	TLS *tls.Config

	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// StatusPrefix enables the LWT and online/offline status messages on
	// {StatusPrefix}/status/{ClientID}. Empty disables them.
	StatusPrefix string
	StatusQoS    byte
}

// SettingsFromConfig builds broker-mode Settings from the MQTT config.
//
// Parameters:
//   - cfg: MQTT configuration (client id already resolved by config.Load)
//
// Returns:
//   - Settings: ready for New
//   - error: if TLS material cannot be loaded
func SettingsFromConfig(cfg config.MQTTConfig) (Settings, error) {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	s := Settings{
		BrokerURL:      fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port),
		ClientID:       cfg.Broker.ClientID,
		Username:       cfg.Auth.Username,
		KeepAlive:      time.Duration(cfg.KeepAlive) * time.Second,
		ConnectTimeout: time.Duration(cfg.ConnectTimeout) * time.Second,
		StatusPrefix:   cfg.StatusPrefix,
		StatusQoS:      byte(cfg.QoS),
	}
	if cfg.Auth.Password != "" {
		password := cfg.Auth.Password
		s.Password = func() (string, error) { return password, nil }
	}

	if cfg.Broker.TLS {
		tlsConfig, err := buildTLSConfig(cfg.Broker.Host, cfg.Broker.CAFile, cfg.Broker.CertFile, cfg.Broker.KeyFile)
		if err != nil {
			return Settings{}, err
		}
		s.TLS = tlsConfig
	}
	return s, nil
}

// buildTLSConfig loads an optional CA bundle and an optional client
// certificate for mutual TLS.
func buildTLSConfig(host, caFile, certFile, keyFile string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tlsMinVersion,
		ServerName: host,
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading CA file: %w", ErrTLSConfig, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrTLSConfig, caFile)
		}
		cfg.RootCAs = pool
	}

	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("%w: cert_file and key_file must be set together", ErrTLSConfig)
		}
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: loading client certificate: %w", ErrTLSConfig, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// buildClientOptions creates paho MQTT options from Settings.
//
// This configures:
//   - Broker URL and client identification
//   - A credentials provider reading the password fetched for this attempt
//   - Clean session, no auto-reconnect and no connect retry (the session
//     manager owns retry)
//   - Keepalive and handshake timeout
//   - TLS configuration for ssl:// URLs
func buildClientOptions(s Settings, credentials pahomqtt.CredentialsProvider) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(s.BrokerURL)
	opts.SetClientID(s.ClientID)
	opts.SetCredentialsProvider(credentials)

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)

	connectTimeout := s.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(connectTimeout)

	keepAlive := s.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if s.TLS != nil {
		opts.SetTLSConfig(s.TLS)
	} else {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	if s.StatusPrefix != "" {
		configureLWT(opts, s)
	}
	return opts
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The LWT message is published by the broker if the client disconnects
// unexpectedly (crash, network failure, etc.).
//
// Topic: {prefix}/status/{client}
// QoS: 1
// Retained: true (new subscribers see last status)
func configureLWT(opts *pahomqtt.ClientOptions, s Settings) {
	opts.SetWill(StatusTopic(s.StatusPrefix, s.ClientID), buildLWTPayload(s.ClientID), 1, true)
}
