// Package natsbus provides a broker.Transport over core NATS, for sites that
// run a NATS server instead of an MQTT broker.
//
// MQTT-style topics are mapped onto NATS subjects: "/" becomes ".", "+"
// becomes "*" and "#" becomes ">". Topic levels may not contain "." or
// whitespace since those have meaning in subjects.
//
// Core NATS has no per-message acknowledgment. For QoS 1 and 2 the transport
// flushes after publishing, so Publish returns once the server has processed
// the message (PING/PONG round trip). QoS 0 returns after the write is
// buffered. Delivery to subscribers remains at-most-once, which is weaker
// than MQTT QoS 1; use the MQTT transport where that matters.
//
// Reconnection is disabled in the NATS client; loss is reported through the
// callback installed with Bind and the session package reconnects.
package natsbus
