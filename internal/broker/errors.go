package broker

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every transport.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrFatalAuth is returned when the broker rejects the credentials.
	// Retrying with the same credentials cannot succeed.
	ErrFatalAuth = errors.New("broker: authentication rejected")

	// ErrTransientConnect is returned when a handshake fails for any other reason.
	ErrTransientConnect = errors.New("broker: connection failed")

	// ErrPublishTimeout is returned when no acknowledgment arrives within the budget.
	ErrPublishTimeout = errors.New("broker: publish acknowledgment timed out")

	// ErrPublishFailed is returned when the broker or transport refuses a publish.
	ErrPublishFailed = errors.New("broker: publish failed")

	// ErrSubscribeFailed is returned when a subscription is not granted.
	ErrSubscribeFailed = errors.New("broker: subscribe failed")

	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrSessionClosed is returned once a session has reached its terminal state.
	ErrSessionClosed = errors.New("broker: session closed")

	// ErrInvalidQoS is returned for QoS levels other than 0, 1 or 2.
	ErrInvalidQoS = errors.New("broker: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned for empty or malformed topics and filters.
	ErrInvalidTopic = errors.New("broker: invalid topic")
)

// ConnectError describes a failed handshake.
//
// It matches ErrFatalAuth or ErrTransientConnect under errors.Is, and also
// unwraps to the transport's own error.
type ConnectError struct {
	// Fatal is true when the failure is a credential or authorization rejection.
	Fatal bool
	// Code is the broker's return code when one was received.
	Code byte
	Err  error
}

// FatalAuth wraps err as a non-retryable credential rejection.
func FatalAuth(code byte, err error) error {
	return &ConnectError{Fatal: true, Code: code, Err: err}
}

// Transient wraps err as a retryable connection failure.
func Transient(err error) error {
	return &ConnectError{Err: err}
}

func (e *ConnectError) Error() string {
	kind := ErrTransientConnect
	if e.Fatal {
		kind = ErrFatalAuth
	}
	if e.Err == nil {
		return kind.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("%v (code %d): %v", kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%v: %v", kind, e.Err)
}

// Unwrap exposes both the taxonomy sentinel and the underlying error.
func (e *ConnectError) Unwrap() []error {
	kind := ErrTransientConnect
	if e.Fatal {
		kind = ErrFatalAuth
	}
	if e.Err == nil {
		return []error{kind}
	}
	return []error{kind, e.Err}
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalAuth)
}
