package mqtt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/config"
)

// testConfig returns a broker-mode MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "telemetry-bridge-test",
		},
		QoS:            1,
		Topic:          "sensor/data",
		StatusPrefix:   "telemetry",
		KeepAlive:      30,
		ConnectTimeout: 5,
	}
}

// =============================================================================
// Settings Tests
// =============================================================================

func TestSettingsFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "sensor"
	cfg.Auth.Password = "s3cret"

	s, err := SettingsFromConfig(cfg)
	if err != nil {
		t.Fatalf("SettingsFromConfig() error = %v", err)
	}
	if s.BrokerURL != "tcp://127.0.0.1:1883" {
		t.Errorf("BrokerURL = %q, want tcp://127.0.0.1:1883", s.BrokerURL)
	}
	if s.ClientID != "telemetry-bridge-test" || s.Username != "sensor" {
		t.Errorf("identity = %q/%q", s.ClientID, s.Username)
	}
	if s.Password == nil {
		t.Fatal("Password = nil, want provider")
	}
	if got, _ := s.Password(); got != "s3cret" {
		t.Errorf("Password() = %q, want s3cret", got)
	}
	if s.KeepAlive != 30*time.Second || s.ConnectTimeout != 5*time.Second {
		t.Errorf("timings = %v/%v", s.KeepAlive, s.ConnectTimeout)
	}
	if s.TLS != nil {
		t.Error("TLS set for plain tcp")
	}
}

func TestSettingsFromConfigTLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	s, err := SettingsFromConfig(cfg)
	if err != nil {
		t.Fatalf("SettingsFromConfig() error = %v", err)
	}
	if s.BrokerURL != "ssl://127.0.0.1:8883" {
		t.Errorf("BrokerURL = %q", s.BrokerURL)
	}
	if s.TLS == nil || s.TLS.MinVersion != tlsMinVersion {
		t.Errorf("TLS = %+v, want TLS 1.2 minimum", s.TLS)
	}
}

func TestBuildTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		ca       string
		cert     string
		key      string
		contains string
	}{
		{name: "missing CA file", ca: filepath.Join(dir, "absent.pem"), contains: "reading CA file"},
		{name: "CA without certificates", ca: garbage, contains: "no certificates"},
		{name: "cert without key", cert: garbage, contains: "must be set together"},
		{name: "unparseable key pair", cert: garbage, key: garbage, contains: "client certificate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildTLSConfig("broker", tt.ca, tt.cert, tt.key)
			if !errors.Is(err, ErrTLSConfig) {
				t.Fatalf("buildTLSConfig() error = %v, want ErrTLSConfig", err)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error = %q, want it to contain %q", err, tt.contains)
			}
		})
	}
}

// =============================================================================
// Error Classification Tests
// =============================================================================

func TestClassifyConnectError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
		code  byte
	}{
		{name: "bad credentials", err: packets.ErrorRefusedBadUsernameOrPassword, fatal: true, code: codeBadCredentials},
		{name: "not authorised", err: packets.ErrorRefusedNotAuthorised, fatal: true, code: codeNotAuthorised},
		{name: "identifier rejected", err: packets.ErrorRefusedIDRejected, fatal: true, code: codeIdentifierRejected},
		{name: "wrapped refusal", err: fmt.Errorf("connack: %w", packets.ErrorRefusedBadUsernameOrPassword), fatal: true, code: codeBadCredentials},
		{name: "server unavailable", err: packets.ErrorRefusedServerUnavailable},
		{name: "network", err: errors.New("dial tcp: connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyConnectError(tt.err)
			if broker.IsFatal(got) != tt.fatal {
				t.Fatalf("IsFatal(%v) = %v, want %v", got, broker.IsFatal(got), tt.fatal)
			}
			if !tt.fatal && !errors.Is(got, broker.ErrTransientConnect) {
				t.Errorf("error = %v, want ErrTransientConnect", got)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("error = %v, want it to wrap %v", got, tt.err)
			}
			var ce *broker.ConnectError
			if errors.As(got, &ce) && ce.Code != tt.code {
				t.Errorf("Code = %d, want %d", ce.Code, tt.code)
			}
		})
	}
}

// =============================================================================
// Transport Tests (no broker required)
// =============================================================================

func unreachableSettings() Settings {
	return Settings{
		BrokerURL:      "tcp://127.0.0.1:1",
		ClientID:       "telemetry-bridge-unreachable",
		ConnectTimeout: 2 * time.Second,
	}
}

func TestConnectUnreachableIsTransient(t *testing.T) {
	tr := New(unreachableSettings(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := tr.Connect(ctx)
	if err == nil {
		t.Fatal("Connect() expected error for unreachable broker")
	}
	if broker.IsFatal(err) || !errors.Is(err, broker.ErrTransientConnect) {
		t.Errorf("Connect() error = %v, want ErrTransientConnect", err)
	}
	if tr.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}
}

func TestConnectCredentialFailureIsFatal(t *testing.T) {
	s := unreachableSettings()
	s.Password = func() (string, error) { return "", errors.New("token expired") }
	tr := New(s, nil)

	err := tr.Connect(context.Background())
	if !broker.IsFatal(err) {
		t.Fatalf("Connect() error = %v, want ErrFatalAuth", err)
	}
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("Connect() error = %v, want ErrNoCredential", err)
	}
}

func TestPublishValidation(t *testing.T) {
	tr := New(unreachableSettings(), nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     broker.QoS
		want    error
	}{
		{name: "invalid qos", topic: "sensor/data", qos: 3, want: broker.ErrInvalidQoS},
		{name: "empty topic", topic: "", qos: 1, want: broker.ErrInvalidTopic},
		{name: "wildcard topic", topic: "sensor/+", qos: 1, want: broker.ErrInvalidTopic},
		{name: "too large", topic: "sensor/data", payload: make([]byte, maxPayloadSize+1), qos: 1, want: ErrPayloadTooLarge},
		{name: "not connected", topic: "sensor/data", payload: []byte(`{}`), qos: 1, want: broker.ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Publish(ctx, tt.topic, tt.payload, tt.qos)
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	tr := New(unreachableSettings(), nil)
	ctx := context.Background()

	if err := tr.Subscribe(ctx, "sensor/#/bad", 1); !errors.Is(err, broker.ErrInvalidTopic) {
		t.Errorf("Subscribe(bad filter) error = %v, want ErrInvalidTopic", err)
	}
	if err := tr.Subscribe(ctx, "sensor/data", 5); !errors.Is(err, broker.ErrInvalidQoS) {
		t.Errorf("Subscribe(bad qos) error = %v, want ErrInvalidQoS", err)
	}
	if err := tr.Subscribe(ctx, "sensor/data", 1); !errors.Is(err, broker.ErrNotConnected) {
		t.Errorf("Subscribe(disconnected) error = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectWhenNotConnected(t *testing.T) {
	tr := New(unreachableSettings(), nil)
	tr.Disconnect()
	tr.Disconnect()
}

func TestHandleConnectionLostWrapsTransient(t *testing.T) {
	tr := New(unreachableSettings(), nil)

	var got error
	tr.Bind(func(broker.Delivery) {}, func(err error) { got = err })
	tr.handleConnectionLost(errors.New("EOF"))

	if !errors.Is(got, broker.ErrTransientConnect) {
		t.Errorf("lost error = %v, want ErrTransientConnect", got)
	}
}

// =============================================================================
// Status Topic Tests
// =============================================================================

func TestStatusPayloads(t *testing.T) {
	if got := StatusTopic("telemetry", "bridge-1"); got != "telemetry/status/bridge-1" {
		t.Errorf("StatusTopic() = %q", got)
	}

	tests := []struct {
		name    string
		payload string
		want    []string
	}{
		{name: "online", payload: buildOnlinePayload("bridge-1"), want: []string{`"status":"online"`, `"client_id":"bridge-1"`}},
		{name: "offline", payload: buildOfflinePayload("bridge-1"), want: []string{`"status":"offline"`, `"reason":"graceful_shutdown"`}},
		{name: "lwt", payload: buildLWTPayload("bridge-1"), want: []string{`"status":"offline"`, `"reason":"unexpected_disconnect"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, want := range tt.want {
				if !strings.Contains(tt.payload, want) {
					t.Errorf("payload %s missing %s", tt.payload, want)
				}
			}
		})
	}
}
