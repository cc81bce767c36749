package mqtt

import "errors"

// Domain-specific errors for MQTT operations. Connect, publish and subscribe
// failures are reported with the broker package's sentinels; these cover
// what is specific to this transport.
var (
	// ErrPayloadTooLarge is returned when a payload exceeds maxPayloadSize.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")

	// ErrNoCredential is returned by a credentials function that has nothing
	// to present.
	ErrNoCredential = errors.New("mqtt: no credential available")

	// ErrTLSConfig is returned when the configured TLS material cannot be loaded.
	ErrTLSConfig = errors.New("mqtt: invalid TLS configuration")
)
