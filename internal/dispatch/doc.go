// Package dispatch decodes inbound deliveries and routes them to handlers.
//
// Deliveries are pulled from the session inbox by a single goroutine and
// processed strictly in arrival order. Each delivery is classified by topic
// (flat application topic, device-to-cloud or cloud-to-device), decoded and
// handed to the first handler whose pattern matches. Patterns use MQTT
// wildcard syntax.
//
// A malformed payload, a handler error or a handler panic affects only that
// delivery: it is logged and counted, and the next delivery is processed
// normally.
package dispatch
