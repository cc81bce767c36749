package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// Sentinel errors returned by Process.
var (
	// ErrNoRoute is returned for a delivery no pattern matches.
	ErrNoRoute = errors.New("dispatch: no handler for topic")

	// ErrHandlerPanic is returned when a handler panicked.
	ErrHandlerPanic = errors.New("dispatch: handler panicked")

	// ErrNoPatterns is returned by Subscribe before any Handle call.
	ErrNoPatterns = errors.New("dispatch: no patterns registered")
)

// Handler processes one decoded message.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Subscriber is the part of session.Manager the dispatcher needs.
type Subscriber interface {
	Subscribe(ctx context.Context, filter string, qos broker.QoS) error
}

// Logger is the logging interface used by the dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics receives per-delivery outcomes. All methods must be safe for
// concurrent use.
type Metrics interface {
	// Delivery counts one processed delivery by class and outcome:
	// "handled", "decode_error", "handler_error", "panic" or "unrouted".
	Delivery(class, outcome string)
	RoundTrip(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) Delivery(string, string) {}
func (noopMetrics) RoundTrip(time.Duration) {}

// Options configures a Dispatcher.
type Options struct {
	// Correlator pairs device-to-cloud and cloud-to-device messages.
	// Default: a new Correlator with DefaultCorrelationWindow.
	Correlator *Correlator

	Logger  Logger
	Metrics Metrics

	Now func() time.Time
}

// Stats counts processed deliveries.
type Stats struct {
	Processed     int64 `json:"processed"`
	Handled       int64 `json:"handled"`
	DecodeErrors  int64 `json:"decode_errors"`
	HandlerErrors int64 `json:"handler_errors"`
	Unrouted      int64 `json:"unrouted"`
}

type route struct {
	pattern string
	handler Handler
}

// Dispatcher routes decoded deliveries to handlers.
//
// Thread Safety:
//   - Handle and Subscribe are safe for concurrent use.
//   - Run must be the only consumer of its channel; Process calls made
//     outside Run are not ordered relative to it.
type Dispatcher struct {
	logger     Logger
	metrics    Metrics
	correlator *Correlator
	now        func() time.Time

	mu     sync.RWMutex
	routes []route

	processed     atomic.Int64
	handled       atomic.Int64
	decodeErrors  atomic.Int64
	handlerErrors atomic.Int64
	unrouted      atomic.Int64
}

// New returns a Dispatcher with no routes.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		correlator: opts.Correlator,
		now:        opts.Now,
	}
	if d.logger == nil {
		d.logger = noopLogger{}
	}
	if d.metrics == nil {
		d.metrics = noopMetrics{}
	}
	if d.correlator == nil {
		d.correlator = NewCorrelator(DefaultCorrelationWindow)
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Handle registers h for topics matching pattern. Patterns are tried in
// registration order and the first match wins, so each delivery reaches
// exactly one handler.
func (d *Dispatcher) Handle(pattern string, h Handler) error {
	if err := broker.ValidateFilter(pattern); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes = append(d.routes, route{pattern: pattern, handler: h})
	return nil
}

// Patterns returns the registered patterns in order.
func (d *Dispatcher) Patterns() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.routes))
	for i, r := range d.routes {
		out[i] = r.pattern
	}
	return out
}

// Subscribe subscribes every registered pattern through sub. The session
// reissues them after each reconnect.
func (d *Dispatcher) Subscribe(ctx context.Context, sub Subscriber, qos broker.QoS) error {
	patterns := d.Patterns()
	if len(patterns) == 0 {
		return ErrNoPatterns
	}
	for _, p := range patterns {
		if err := sub.Subscribe(ctx, p, qos); err != nil {
			return fmt.Errorf("subscribing %q: %w", p, err)
		}
		d.logger.Info("subscribed", "pattern", p, "qos", int(qos))
	}
	return nil
}

// Correlator returns the correlator used for round-trip matching.
func (d *Dispatcher) Correlator() *Correlator {
	return d.correlator
}

// Run processes deliveries in order until the channel is closed.
//
// Cancelling ctx does not stop Run: the channel's owner closes it on
// shutdown and Run drains what is left, so nothing already accepted from
// the broker is skipped. Per-delivery failures are logged and never end
// the loop.
func (d *Dispatcher) Run(ctx context.Context, deliveries <-chan broker.Delivery) error {
	d.logger.Info("dispatcher started", "patterns", d.Patterns())
	for delivery := range deliveries {
		d.Process(ctx, delivery) //nolint:errcheck // failures are logged and counted in Process
	}
	st := d.Stats()
	d.logger.Info("dispatcher stopped",
		"processed", st.Processed,
		"decode_errors", st.DecodeErrors,
		"handler_errors", st.HandlerErrors,
	)
	return nil
}

// Process classifies, decodes and routes one delivery.
//
// It returns a *telemetry.DecodeError for a malformed payload, ErrNoRoute
// when no pattern matches, ErrHandlerPanic when the handler panicked, or
// the handler's error.
func (d *Dispatcher) Process(ctx context.Context, delivery broker.Delivery) error {
	d.processed.Add(1)
	if delivery.ReceivedAt.IsZero() {
		delivery.ReceivedAt = d.now()
	}

	msg := Message{Delivery: delivery}
	classify(&msg)

	fields, produced, err := telemetry.Decode(delivery.Payload)
	if err != nil {
		d.decodeErrors.Add(1)
		d.metrics.Delivery(msg.Class, "decode_error")
		d.logger.Warn("decode failed",
			"topic", delivery.Topic,
			"bytes", len(delivery.Payload),
			"error", err,
		)
		return err
	}
	msg.Fields = fields
	msg.ProducedAt = produced

	d.correlate(&msg)

	h, pattern, ok := d.match(delivery.Topic)
	if !ok {
		d.unrouted.Add(1)
		d.metrics.Delivery(msg.Class, "unrouted")
		d.logger.Debug("no handler for delivery", "topic", delivery.Topic)
		return fmt.Errorf("%w: %s", ErrNoRoute, delivery.Topic)
	}

	if err := d.invoke(ctx, h, msg); err != nil {
		d.handlerErrors.Add(1)
		outcome := "handler_error"
		if errors.Is(err, ErrHandlerPanic) {
			outcome = "panic"
		}
		d.metrics.Delivery(msg.Class, outcome)
		d.logger.Error("handler failed",
			"topic", delivery.Topic,
			"pattern", pattern,
			"correlation_id", msg.CorrelationID,
			"error", err,
		)
		return err
	}

	d.handled.Add(1)
	d.metrics.Delivery(msg.Class, "handled")
	return nil
}

// correlate remembers device-to-cloud ids and resolves cloud-to-device
// replies against them.
func (d *Dispatcher) correlate(msg *Message) {
	if msg.CorrelationID == "" {
		return
	}
	switch msg.Class {
	case telemetry.ClassDeviceToHub:
		d.correlator.Track(msg.CorrelationID, msg.Delivery.ReceivedAt)
	case telemetry.ClassHubToDevice:
		if rtt, ok := d.correlator.Resolve(msg.CorrelationID, msg.Delivery.ReceivedAt); ok {
			msg.RoundTrip = rtt
			d.metrics.RoundTrip(rtt)
			d.logger.Info("cloud-to-device reply correlated",
				"device_id", msg.DeviceID,
				"correlation_id", msg.CorrelationID,
				"round_trip", rtt,
			)
		}
	}
}

func (d *Dispatcher) match(topic string) (Handler, string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.routes {
		if broker.Match(r.pattern, topic) {
			return r.handler, r.pattern, true
		}
	}
	return nil, "", false
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.Handle(ctx, msg)
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Processed:     d.processed.Load(),
		Handled:       d.handled.Load(),
		DecodeErrors:  d.decodeErrors.Load(),
		HandlerErrors: d.handlerErrors.Load(),
		Unrouted:      d.unrouted.Load(),
	}
}
