// Package api implements the operational HTTP and WebSocket surface of the
// telemetry bridge.
//
// This package provides:
//   - Liveness and readiness probes for process supervisors
//   - A status document covering the broker session, store and loop counters
//   - A read-only view of the most recently stored records
//   - The Prometheus scrape endpoint
//   - A WebSocket feed that streams stored records and predictions live,
//     filtered per client by channel and MQTT topic filter
//
// # Architecture
//
// The server never touches the broker or the store directly. It reads through
// small provider interfaces that the lifecycle controller satisfies with the
// session manager and the persistence sink. The Hub registers with the sink
// as an observer, so only records that were actually written are broadcast.
//
// # Feed Protocol
//
// Frames are JSON objects with a type, an optional correlation id and a data
// member:
//
//	{"type":"subscribe","id":"1","data":{"channels":["records"],"topics":["farm/+/soil"]}}
//	{"type":"ack","id":"1","data":{...}}
//	{"type":"event","channel":"records","time":"...","data":{...record...}}
//
// A client that falls more than 256 frames behind misses events; the drop
// count is in the status document.
//
// # Graceful Degradation
//
// Every provider is optional. A producer process has no store, so /readyz
// only checks the session and /api/v1/records answers 503.
package api
