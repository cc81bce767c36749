package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
)

// CONNACK return codes that make a retry pointless.
const (
	codeIdentifierRejected = 0x02
	codeBadCredentials     = 0x04
	codeNotAuthorised      = 0x05
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Transport is a broker.Transport over one paho client.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Deliveries are handed to the bound callback sequentially.
type Transport struct {
	settings Settings
	client   pahomqtt.Client
	logger   Logger

	// password holds the credential fetched for the current attempt; paho's
	// credentials provider reads it during the handshake.
	password string
	credMu   sync.Mutex

	deliver func(broker.Delivery)
	lost    func(error)
	bindMu  sync.RWMutex
}

var _ broker.Transport = (*Transport)(nil)

// New creates a Transport. No network activity happens until Connect.
//
// Parameters:
//   - settings: broker URL, identity, credentials and TLS
//   - logger: receives handler panics and status publish failures (may be nil)
func New(settings Settings, logger Logger) *Transport {
	t := &Transport{settings: settings, logger: logger}

	opts := buildClientOptions(settings, t.credentials)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		t.handleConnectionLost(err)
	})
	opts.SetDefaultPublishHandler(t.handleMessage)

	t.client = pahomqtt.NewClient(opts)
	return t
}

// Bind installs the delivery and connection-loss callbacks.
func (t *Transport) Bind(deliver func(broker.Delivery), lost func(error)) {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()
	t.deliver = deliver
	t.lost = lost
}

// Connect performs one connection attempt bounded by ctx.
//
// It performs the following setup:
//  1. Fetches the password for this attempt (tokens may be regenerated)
//  2. Runs the MQTT handshake and waits for CONNACK or ctx expiry
//  3. Classifies a refusal as fatal (credentials, identity, authorisation)
//     or transient (everything else)
//  4. Publishes retained online status when status topics are enabled
//
// Returns:
//   - error: wraps broker.ErrFatalAuth or broker.ErrTransientConnect
func (t *Transport) Connect(ctx context.Context) error {
	if t.settings.Password != nil {
		password, err := t.settings.Password()
		if err != nil {
			return broker.FatalAuth(0, fmt.Errorf("%w: %w", ErrNoCredential, err))
		}
		t.credMu.Lock()
		t.password = password
		t.credMu.Unlock()
	}

	token := t.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		// paho's own ConnectTimeout bounds the abandoned handshake.
		return broker.Transient(fmt.Errorf("connect to %s: %w", t.settings.BrokerURL, ctx.Err()))
	}
	if err := token.Error(); err != nil {
		return classifyConnectError(err)
	}

	t.publishStatus(buildOnlinePayload(t.settings.ClientID))
	return nil
}

// classifyConnectError maps a paho connect error onto the broker taxonomy.
func classifyConnectError(err error) error {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return broker.FatalAuth(codeBadCredentials, err)
	case errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return broker.FatalAuth(codeNotAuthorised, err)
	case errors.Is(err, packets.ErrorRefusedIDRejected):
		return broker.FatalAuth(codeIdentifierRejected, err)
	default:
		return broker.Transient(err)
	}
}

// Disconnect publishes graceful offline status and closes the connection.
// The lost callback is not invoked.
func (t *Transport) Disconnect() {
	if !t.client.IsConnectionOpen() {
		return
	}
	if t.settings.StatusPrefix != "" {
		token := t.client.Publish(StatusTopic(t.settings.StatusPrefix, t.settings.ClientID),
			t.settings.StatusQoS, true, buildOfflinePayload(t.settings.ClientID))
		token.WaitTimeout(defaultStatusTimeout)
	}
	t.client.Disconnect(defaultDisconnectQuiesce)
}

// IsConnected reports whether the connection is currently open.
func (t *Transport) IsConnected() bool {
	return t.client.IsConnectionOpen()
}

func (t *Transport) credentials() (string, string) {
	t.credMu.Lock()
	defer t.credMu.Unlock()
	return t.settings.Username, t.password
}

func (t *Transport) publishStatus(payload string) {
	if t.settings.StatusPrefix == "" {
		return
	}
	topic := StatusTopic(t.settings.StatusPrefix, t.settings.ClientID)
	token := t.client.Publish(topic, t.settings.StatusQoS, true, payload)
	if !token.WaitTimeout(defaultStatusTimeout) || token.Error() != nil {
		if t.logger != nil {
			t.logger.Warn("status publish failed", "topic", topic, "error", token.Error())
		}
	}
}

func (t *Transport) handleConnectionLost(err error) {
	t.bindMu.RLock()
	lost := t.lost
	t.bindMu.RUnlock()
	if lost != nil {
		lost(broker.Transient(err))
	}
}

// handleMessage converts a paho message into a Delivery, with panic recovery.
func (t *Transport) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			if t.logger != nil {
				t.logger.Error("MQTT handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}
	}()

	t.bindMu.RLock()
	deliver := t.deliver
	t.bindMu.RUnlock()
	if deliver == nil {
		return
	}

	deliver(broker.Delivery{
		Topic:      msg.Topic(),
		Payload:    msg.Payload(),
		QoS:        broker.QoS(msg.Qos()),
		Duplicate:  msg.Duplicate(),
		Retained:   msg.Retained(),
		ReceivedAt: time.Now(),
	})
}
