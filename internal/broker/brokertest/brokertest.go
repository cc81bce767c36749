// Package brokertest provides an in-memory broker and a scriptable
// broker.Transport for exercising the session, publisher and dispatcher
// packages without a network.
package brokertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
)

// Broker relays publishes between the Transports created from it.
type Broker struct {
	mu      sync.Mutex
	clients []*Transport
}

// NewBroker returns an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{}
}

// Transport returns a new client attached to the broker.
func (b *Broker) Transport(clientID string) *Transport {
	t := NewTransport(clientID)
	t.broker = b
	b.mu.Lock()
	b.clients = append(b.clients, t)
	b.mu.Unlock()
	return t
}

// route hands a message to every connected client holding a matching filter.
// Each client receives at most one copy.
func (b *Broker) route(topic string, payload []byte, qos broker.QoS) {
	b.mu.Lock()
	clients := append([]*Transport(nil), b.clients...)
	b.mu.Unlock()

	for _, c := range clients {
		if granted, ok := c.matches(topic); ok {
			effective := qos
			if granted < effective {
				effective = granted
			}
			c.Deliver(broker.Delivery{
				Topic:   topic,
				Payload: append([]byte(nil), payload...),
				QoS:     effective,
			})
		}
	}
}

// Published records a publish accepted by a Transport.
type Published struct {
	Topic   string
	Payload []byte
	QoS     broker.QoS
}

// Subscription records a subscribe call.
type Subscription struct {
	Filter string
	QoS    broker.QoS
}

// Transport is a scriptable broker.Transport.
//
// Without a Broker it accepts publishes and records them. Connect failures,
// lost acknowledgments and asynchronous disconnects are injected by tests.
type Transport struct {
	ClientID string
	broker   *Broker

	mu            sync.Mutex
	deliver       func(broker.Delivery)
	lost          func(error)
	connected     bool
	connectErrs   []error
	blockConnect  bool
	connectTimes  []time.Time
	disconnects   int
	active        map[string]broker.QoS
	subscriptions []Subscription
	published     []Published
	publishErr    error
	dropAcks      bool
	ackDelay      time.Duration

	// deliverMu serialises deliveries so the consumer sees one goroutine.
	deliverMu sync.Mutex
}

var _ broker.Transport = (*Transport)(nil)

// NewTransport returns a Transport that is not attached to any Broker.
func NewTransport(clientID string) *Transport {
	return &Transport{
		ClientID: clientID,
		active:   make(map[string]broker.QoS),
	}
}

// Bind installs the delivery and connection-loss callbacks.
func (t *Transport) Bind(deliver func(broker.Delivery), lost func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliver = deliver
	t.lost = lost
}

// FailConnect queues errors returned by the next Connect calls, in order.
func (t *Transport) FailConnect(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErrs = append(t.connectErrs, errs...)
}

// BlockConnect makes Connect wait for its context instead of completing.
func (t *Transport) BlockConnect(block bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blockConnect = block
}

// Connect records the attempt and succeeds unless a failure was scripted.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connectTimes = append(t.connectTimes, time.Now())
	block := t.blockConnect
	var scripted error
	if len(t.connectErrs) > 0 {
		scripted = t.connectErrs[0]
		t.connectErrs = t.connectErrs[1:]
	}
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return broker.Transient(ctx.Err())
	}
	if scripted != nil {
		return scripted
	}
	if err := ctx.Err(); err != nil {
		return broker.Transient(err)
	}

	t.mu.Lock()
	t.connected = true
	t.active = make(map[string]broker.QoS)
	t.mu.Unlock()
	return nil
}

// Disconnect closes the connection without notifying the lost callback.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		t.disconnects++
	}
	t.connected = false
	t.active = make(map[string]broker.QoS)
}

// Drop simulates an asynchronous connection loss reported n times
// concurrently, as a flaky network stack might.
func (t *Transport) Drop(err error, n int) {
	t.mu.Lock()
	t.connected = false
	t.active = make(map[string]broker.QoS)
	lost := t.lost
	t.mu.Unlock()

	if lost == nil {
		return
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lost(err)
		}()
	}
	wg.Wait()
}

// IsConnected reports whether the last Connect succeeded and no loss followed.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// FailPublish makes every publish return err until cleared with nil.
func (t *Transport) FailPublish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = err
}

// DropAcks makes QoS 1 and 2 publishes wait for their context instead of
// receiving an acknowledgment.
func (t *Transport) DropAcks(drop bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropAcks = drop
}

// DelayAcks delays acknowledgments of QoS 1 and 2 publishes.
func (t *Transport) DelayAcks(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ackDelay = d
}

// Publish records the message, routes it through the Broker if attached and
// acknowledges according to the scripted behaviour.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, qos broker.QoS) (broker.Ack, error) {
	if !qos.Valid() {
		return broker.Ack{}, broker.ErrInvalidQoS
	}
	if err := broker.ValidateTopic(topic); err != nil {
		return broker.Ack{}, err
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return broker.Ack{}, broker.ErrNotConnected
	}
	if t.publishErr != nil {
		err := t.publishErr
		t.mu.Unlock()
		return broker.Ack{}, err
	}
	t.published = append(t.published, Published{Topic: topic, Payload: append([]byte(nil), payload...), QoS: qos})
	dropAcks, ackDelay := t.dropAcks, t.ackDelay
	t.mu.Unlock()

	if t.broker != nil {
		t.broker.route(topic, payload, qos)
	}

	if qos == broker.AtMostOnce {
		return broker.Ack{}, nil
	}
	if dropAcks {
		<-ctx.Done()
		return broker.Ack{}, fmt.Errorf("%w: %v", broker.ErrPublishTimeout, ctx.Err())
	}
	if ackDelay > 0 {
		select {
		case <-time.After(ackDelay):
		case <-ctx.Done():
			return broker.Ack{}, fmt.Errorf("%w: %v", broker.ErrPublishTimeout, ctx.Err())
		}
	}
	return broker.Ack{Delivered: true}, nil
}

// Subscribe records the call and activates the filter on this connection.
func (t *Transport) Subscribe(_ context.Context, filter string, qos broker.QoS) error {
	if err := broker.ValidateFilter(filter); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return broker.ErrNotConnected
	}
	t.subscriptions = append(t.subscriptions, Subscription{Filter: filter, QoS: qos})
	t.active[filter] = qos
	return nil
}

// Deliver hands a message to the bound consumer as if the broker sent it.
func (t *Transport) Deliver(d broker.Delivery) {
	t.mu.Lock()
	deliver := t.deliver
	t.mu.Unlock()
	if deliver == nil {
		return
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now()
	}

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	deliver(d)
}

func (t *Transport) matches(topic string) (broker.QoS, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return 0, false
	}
	best, found := broker.QoS(0), false
	for filter, qos := range t.active {
		if broker.Match(filter, topic) {
			if !found || qos > best {
				best = qos
			}
			found = true
		}
	}
	return best, found
}

// Published returns a copy of every accepted publish.
func (t *Transport) Published() []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Published(nil), t.published...)
}

// Subscriptions returns every subscribe call in order, across reconnects.
func (t *Transport) Subscriptions() []Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Subscription(nil), t.subscriptions...)
}

// SubscribeCount returns how many times filter was subscribed.
func (t *Transport) SubscribeCount(filter string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.subscriptions {
		if s.Filter == filter {
			n++
		}
	}
	return n
}

// ConnectAttempts returns the number of Connect calls so far.
func (t *Transport) ConnectAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connectTimes)
}

// ConnectTimes returns the start time of every Connect call.
func (t *Transport) ConnectTimes() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time(nil), t.connectTimes...)
}

// Disconnects returns how many live connections were closed with Disconnect.
func (t *Transport) Disconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}
