// Package broker defines the contract between the telemetry pipeline and a
// publish/subscribe transport.
//
// The session, publisher and dispatcher packages depend only on the types in
// this package. Concrete transports (MQTT via paho, NATS) live under
// internal/infrastructure and translate their library errors into the
// taxonomy defined here, so callers can classify failures with errors.Is:
//
//   - ErrFatalAuth: credentials rejected; never retried
//   - ErrTransientConnect: broker unreachable or refusing; retried with backoff
//   - ErrPublishTimeout: no acknowledgment within the budget; reported per event
//   - ErrNotConnected / ErrSessionClosed: the session cannot accept work
//
// # Topic Filters
//
// Match implements MQTT filter semantics for both transports:
//
//	broker.Match("devices/+/messages/devicebound/#", "devices/esp32/messages/devicebound/%24.to=x")
//	// true
package broker
