package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// ErrNoGenerator is returned when a loop is built for an unknown generator.
var ErrNoGenerator = errors.New("publisher: unknown generator")

// ErrorKind classifies publish failures.
type ErrorKind string

const (
	// KindTimeout means no acknowledgment arrived within the budget.
	KindTimeout ErrorKind = "timeout"
	// KindNotConnected means the session had no live connection.
	KindNotConnected ErrorKind = "not_connected"
	// KindRejected means the broker or transport refused the message.
	KindRejected ErrorKind = "rejected"
	// KindEncode means the event fields could not be serialised.
	KindEncode ErrorKind = "encode"
	// KindInvalid means the topic or QoS is not acceptable.
	KindInvalid ErrorKind = "invalid"
)

// PublishError reports a failed publish of one event.
type PublishError struct {
	Kind          ErrorKind
	Topic         string
	CorrelationID string
	Err           error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publisher: %s publishing to %q: %v", e.Kind, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a publish acknowledgment timeout.
func IsTimeout(err error) bool {
	var perr *PublishError
	return errors.As(err, &perr) && perr.Kind == KindTimeout
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, broker.ErrPublishTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, broker.ErrNotConnected), errors.Is(err, broker.ErrSessionClosed):
		return KindNotConnected
	case errors.Is(err, broker.ErrInvalidTopic), errors.Is(err, broker.ErrInvalidQoS):
		return KindInvalid
	case errors.Is(err, telemetry.ErrEncode):
		return KindEncode
	}
	return KindRejected
}
