// Package publisher serialises outbound events and publishes them through
// the broker session with acknowledged delivery.
//
// For QoS 1 and 2, Publish returns only after the broker acknowledges or the
// acknowledgment budget (5s by default) expires, in which case it returns a
// *PublishError of kind KindTimeout. Timed-out events are not retried
// automatically; the caller decides.
//
// Loop drives a synthetic generator at a fixed interval. A failed publish is
// logged and counted and never stops generation.
package publisher
