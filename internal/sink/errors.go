package sink

import (
	"errors"
	"fmt"

	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

var (
	// ErrStore matches every persistence failure reported by the sink.
	ErrStore = errors.New("sink: store failed")

	// ErrConnectExhausted is returned by Connect when MaxAttempts is reached.
	ErrConnectExhausted = errors.New("sink: store connect attempts exhausted")
)

// StoreError reports a record that could not be written.
//
// DeadLettered is true when the record reached the dead-letter spool and
// can be replayed later.
type StoreError struct {
	Record       telemetry.Record
	Err          error
	DeadLettered bool
}

func (e *StoreError) Error() string {
	where := "not dead-lettered"
	if e.DeadLettered {
		where = "dead-lettered"
	}
	return fmt.Sprintf("sink: storing record from %s (%s): %v", e.Record.Topic, where, e.Err)
}

// Unwrap exposes both ErrStore and the underlying cause.
func (e *StoreError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}
