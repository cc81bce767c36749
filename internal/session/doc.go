// Package session owns the single long-lived broker connection.
//
// A Manager drives a broker.Transport through the states
//
//	Idle → Connecting → Connected → Disconnected → Connecting → ... → Closed
//
// Each handshake attempt is bounded by Options.ConnectTimeout. Transient
// failures are retried after Options.Backoff indefinitely (or until
// Options.MaxAttempts, when set). A credential rejection moves the session
// straight to Closed and is returned from Run.
//
// Subscriptions registered through Manager.Subscribe are reissued on every
// successful connect before the session reports Connected, and reconnect
// listeners are notified afterwards. Connection-loss notifications from the
// transport are collapsed: any number of concurrent reports for one
// connection cause exactly one reconnect cycle.
//
// Inbound messages are not delivered through callbacks. The transport pushes
// them into a bounded inbox exposed by Deliveries; when the inbox is full the
// transport is blocked (and a backpressure warning logged) rather than
// messages being dropped. The inbox is closed once Run has returned and the
// transport is disconnected, so a consumer ranging over it drains every
// accepted delivery.
package session
