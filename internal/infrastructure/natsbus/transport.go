package natsbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/config"
)

// defaultFlushTimeout bounds the acknowledgment flush when the caller's
// context has no deadline.
const defaultFlushTimeout = 5 * time.Second

// Transport is a broker.Transport over one NATS connection at a time.
type Transport struct {
	url  string
	name string

	mu      sync.Mutex
	conn    *nats.Conn
	closing bool

	deliver func(broker.Delivery)
	lost    func(error)
	bindMu  sync.RWMutex

	// deliverMu serialises callbacks from concurrent subscriptions.
	deliverMu sync.Mutex
}

var _ broker.Transport = (*Transport)(nil)

// New creates a Transport for the configured server.
func New(cfg config.NATSConfig) *Transport {
	return &Transport{url: cfg.URL, name: cfg.Name}
}

// Bind installs the delivery and connection-loss callbacks.
func (t *Transport) Bind(deliver func(broker.Delivery), lost func(error)) {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()
	t.deliver = deliver
	t.lost = lost
}

// Connect dials the server once. Authorization failures are fatal.
func (t *Transport) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(t.name),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(t.handleDisconnect),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	t.mu.Lock()
	t.closing = false
	t.mu.Unlock()

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(t.url, opts...)
		done <- result{nc, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
		return broker.Transient(fmt.Errorf("connect to %s: %w", t.url, ctx.Err()))
	}

	if res.err != nil {
		return classifyConnectError(res.err)
	}

	t.mu.Lock()
	t.conn = res.conn
	t.mu.Unlock()
	return nil
}

func classifyConnectError(err error) error {
	switch {
	case errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrAuthExpired),
		errors.Is(err, nats.ErrAuthRevoked):
		return broker.FatalAuth(0, err)
	default:
		return broker.Transient(err)
	}
}

// Disconnect closes the connection without reporting a loss.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	t.closing = true
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// IsConnected reports whether the current connection is up.
func (t *Transport) IsConnected() bool {
	conn := t.current()
	return conn != nil && conn.IsConnected()
}

// Publish sends payload on the subject for topic. For QoS 1 and 2 it waits
// for the server to confirm processing with a flush.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, qos broker.QoS) (broker.Ack, error) {
	if !qos.Valid() {
		return broker.Ack{}, broker.ErrInvalidQoS
	}
	if err := broker.ValidateTopic(topic); err != nil {
		return broker.Ack{}, err
	}
	subject, err := Subject(topic)
	if err != nil {
		return broker.Ack{}, err
	}

	conn := t.current()
	if conn == nil || !conn.IsConnected() {
		return broker.Ack{}, broker.ErrNotConnected
	}

	if err := conn.Publish(subject, payload); err != nil {
		return broker.Ack{}, fmt.Errorf("%w: %w", broker.ErrPublishFailed, err)
	}
	if qos == broker.AtMostOnce {
		return broker.Ack{}, nil
	}

	if err := flush(ctx, conn); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.Canceled) {
			return broker.Ack{}, fmt.Errorf("%w: %w", broker.ErrPublishTimeout, err)
		}
		return broker.Ack{}, fmt.Errorf("%w: %w", broker.ErrPublishFailed, err)
	}
	return broker.Ack{Delivered: true}, nil
}

// Subscribe registers filter and flushes so the server routes matching
// messages before Subscribe returns.
func (t *Transport) Subscribe(ctx context.Context, filter string, qos broker.QoS) error {
	if err := broker.ValidateFilter(filter); err != nil {
		return err
	}
	subject, err := Subject(filter)
	if err != nil {
		return err
	}

	conn := t.current()
	if conn == nil || !conn.IsConnected() {
		return broker.ErrNotConnected
	}

	if _, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		t.handleMessage(msg, qos)
	}); err != nil {
		return fmt.Errorf("%w: %s: %w", broker.ErrSubscribeFailed, filter, err)
	}
	if err := flush(ctx, conn); err != nil {
		return fmt.Errorf("%w: %s: %w", broker.ErrSubscribeFailed, filter, err)
	}
	return nil
}

func (t *Transport) current() *nats.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *Transport) handleMessage(msg *nats.Msg, qos broker.QoS) {
	t.bindMu.RLock()
	deliver := t.deliver
	t.bindMu.RUnlock()
	if deliver == nil {
		return
	}

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	deliver(broker.Delivery{
		Topic:      Topic(msg.Subject),
		Payload:    msg.Data,
		QoS:        qos,
		ReceivedAt: time.Now(),
	})
}

func (t *Transport) handleDisconnect(nc *nats.Conn, err error) {
	t.mu.Lock()
	intentional := t.closing || (t.conn != nil && t.conn != nc)
	t.mu.Unlock()
	if intentional {
		return
	}

	if err == nil {
		err = nats.ErrConnectionClosed
	}
	t.bindMu.RLock()
	lost := t.lost
	t.bindMu.RUnlock()
	if lost != nil {
		lost(broker.Transient(err))
	}
}

func flush(ctx context.Context, conn *nats.Conn) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	return conn.FlushWithContext(ctx)
}
