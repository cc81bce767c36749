// Package lifecycle wires the bridge's components together and owns their
// startup and shutdown order.
//
// A consumer process starts in this order:
//
//  1. dead-letter spool (optional)
//  2. store connection, retried until reachable
//  3. persistence sink and its observers (InfluxDB mirror, WebSocket hub)
//  4. broker session and dispatcher, run together in an errgroup
//  5. operational HTTP server (optional)
//
// The store must be reachable before the session connects, so the first
// delivery always has somewhere to go. Shutdown runs the other way: the
// session closes its inbox, the dispatcher drains what was already
// accepted, and only then are the sink, mirror and spool released.
//
// A producer process runs the generation loop next to the session. On
// cancellation the loop stops taking ticks and the session is kept open
// until the in-flight publish is acknowledged or the shutdown budget runs
// out.
package lifecycle
