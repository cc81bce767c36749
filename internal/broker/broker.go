package broker

import (
	"context"
	"fmt"
	"time"
)

// QoS is a delivery guarantee level negotiated per publish or subscribe.
type QoS byte

// Quality-of-service levels.
const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// Valid reports whether q is 0, 1 or 2.
func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

// ParseQoS converts a configured integer into a QoS.
func ParseQoS(n int) (QoS, error) {
	if n < 0 || n > int(ExactlyOnce) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidQoS, n)
	}
	return QoS(n), nil
}

// Delivery is a message surfaced by a transport.
//
// A Delivery is owned by whoever holds it; transports must not reuse the
// Payload slice after handing it over.
type Delivery struct {
	Topic      string
	Payload    []byte
	QoS        QoS
	Duplicate  bool
	Retained   bool
	ReceivedAt time.Time
}

// Ack describes the broker's response to a publish.
//
// Delivered is false for QoS 0 publishes, which complete on handoff.
type Ack struct {
	Delivered  bool
	ReasonCode byte
}

// Transport is a single broker connection.
//
// Connect performs exactly one handshake attempt; retry policy belongs to the
// caller. After Bind, the transport reports every inbound message through
// deliver (in arrival order, from a single goroutine) and every asynchronous
// connection loss through lost.
type Transport interface {
	// Bind installs the callbacks. It must be called before Connect.
	Bind(deliver func(Delivery), lost func(error))

	// Connect attempts one handshake bounded by ctx.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. It is safe to call more than once.
	Disconnect()

	// IsConnected reports the transport's view of the connection.
	IsConnected() bool

	// Publish sends payload to topic. For QoS 1 and 2 it returns only after
	// the broker acknowledges or ctx expires.
	Publish(ctx context.Context, topic string, payload []byte, qos QoS) (Ack, error)

	// Subscribe registers a filter on the current connection.
	Subscribe(ctx context.Context, filter string, qos QoS) error
}
