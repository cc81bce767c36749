// Package sink is the persistence sink between the dispatcher and the store.
//
// Connect opens the store with unlimited retry (constant 5s by default) so
// the store is reachable before any broker session starts. Sink.Store then
// writes one record synchronously under a bounded budget, retries once, and
// hands records that still fail to the dead-letter spool. A failed record is
// always reported to the caller as a *StoreError; it is never dropped
// silently.
//
// Observers receive every record after it is stored. They must not block.
package sink
