package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
	"github.com/nerrad567/telemetry-bridge/internal/iothub"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// DefaultAckTimeout bounds the wait for a QoS 1 or 2 acknowledgment.
const DefaultAckTimeout = 5 * time.Second

const (
	contentTypeJSON = "application/json"
	contentEncoding = "utf-8"
)

// Session is the part of session.Manager the publisher needs.
type Session interface {
	Publish(ctx context.Context, topic string, payload []byte, qos broker.QoS) (broker.Ack, error)
}

// Logger is the logging interface used by the publisher.
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

// Metrics receives publish outcomes. All methods must be safe for concurrent use.
type Metrics interface {
	// PublishResult counts one publish by outcome: "delivered", "sent"
	// (QoS 0) or an ErrorKind.
	PublishResult(outcome string)
	PublishDuration(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) PublishResult(string)          {}
func (noopMetrics) PublishDuration(time.Duration) {}

// Options configures a Publisher.
type Options struct {
	// AckTimeout bounds the acknowledgment wait. Default: 5s.
	AckTimeout time.Duration

	// DefaultTopic is used for events without a topic.
	DefaultTopic string

	// DeviceID switches to cloud hub topics: every event is sent to the
	// device's events topic with its identifiers in the property bag.
	DeviceID string

	// NewID generates correlation and message identifiers. Default: UUIDv4.
	NewID func() string

	Logger  Logger
	Metrics Metrics
}

// Result describes a completed publish.
//
// Delivered is true only when the broker acknowledged a QoS 1 or 2 message.
type Result struct {
	Topic         string
	CorrelationID string
	MessageID     string
	Delivered     bool
	ReasonCode    byte
	Bytes         int
}

// Publisher serialises and publishes events.
//
// Thread Safety:
//   - Publish is safe for concurrent use; publishes are not ordered
//     relative to each other.
type Publisher struct {
	session Session
	opts    Options
	logger  Logger
	metrics Metrics
}

// New returns a Publisher sending through session.
func New(session Session, opts Options) *Publisher {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	p := &Publisher{
		session: session,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if p.logger == nil {
		p.logger = noopLogger{}
	}
	if p.metrics == nil {
		p.metrics = noopMetrics{}
	}
	return p
}

// Publish serialises ev and hands it to the session.
//
// For QoS 0 it returns after handoff with Delivered false. For QoS 1 and 2
// it returns after the acknowledgment, or a *PublishError of kind
// KindTimeout once the acknowledgment budget or ctx expires. A missing
// correlation identifier is generated.
func (p *Publisher) Publish(ctx context.Context, ev telemetry.Event) (Result, error) {
	start := time.Now()
	defer func() { p.metrics.PublishDuration(time.Since(start)) }()

	if ev.CorrelationID == "" {
		ev.CorrelationID = p.opts.NewID()
	}
	res := Result{CorrelationID: ev.CorrelationID}

	topic, err := p.topicFor(&ev)
	res.Topic = topic
	res.MessageID = ev.MessageID
	if err != nil {
		return res, p.fail(ev, topic, KindInvalid, err)
	}

	payload, err := telemetry.Encode(ev.Fields)
	if err != nil {
		return res, p.fail(ev, topic, KindEncode, err)
	}
	res.Bytes = len(payload)

	pctx, cancel := context.WithTimeout(ctx, p.opts.AckTimeout)
	defer cancel()

	ack, err := p.session.Publish(pctx, topic, payload, ev.QoS)
	if err != nil {
		return res, p.fail(ev, topic, classify(err), err)
	}
	if ev.QoS > broker.AtMostOnce && !ack.Delivered {
		return res, p.fail(ev, topic, KindRejected, fmt.Errorf("%w: no acknowledgment", broker.ErrPublishFailed))
	}

	res.Delivered = ack.Delivered
	res.ReasonCode = ack.ReasonCode
	outcome := "sent"
	if res.Delivered {
		outcome = "delivered"
	}
	p.metrics.PublishResult(outcome)
	p.logger.Debug("event published",
		"topic", topic,
		"qos", int(ev.QoS),
		"correlation_id", ev.CorrelationID,
		"delivered", res.Delivered,
	)
	return res, nil
}

// topicFor resolves the destination, adding hub properties in device mode.
func (p *Publisher) topicFor(ev *telemetry.Event) (string, error) {
	if p.opts.DeviceID == "" {
		topic := ev.Topic
		if topic == "" {
			topic = p.opts.DefaultTopic
		}
		if err := broker.ValidateTopic(topic); err != nil {
			return topic, err
		}
		return topic, nil
	}

	if ev.QoS > broker.AtLeastOnce {
		return "", fmt.Errorf("%w: cloud hub accepts QoS 0 or 1, got %d", broker.ErrInvalidQoS, ev.QoS)
	}
	if ev.MessageID == "" {
		ev.MessageID = p.opts.NewID()
	}
	props := make(map[string]string, len(ev.Properties)+4)
	for k, v := range ev.Properties {
		props[k] = v
	}
	props[iothub.PropMessageID] = ev.MessageID
	props[iothub.PropCorrelationID] = ev.CorrelationID
	props[iothub.PropContentType] = contentTypeJSON
	props[iothub.PropContentEncoding] = contentEncoding
	return iothub.EventsTopic(p.opts.DeviceID, props), nil
}

func (p *Publisher) fail(ev telemetry.Event, topic string, kind ErrorKind, err error) error {
	p.metrics.PublishResult(string(kind))
	p.logger.Warn("publish failed",
		"topic", topic,
		"qos", int(ev.QoS),
		"correlation_id", ev.CorrelationID,
		"kind", string(kind),
		"error", err,
	)
	return &PublishError{Kind: kind, Topic: topic, CorrelationID: ev.CorrelationID, Err: err}
}
