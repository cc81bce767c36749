package deadletter

import "errors"

var (
	// ErrClosed is returned when writing to a closed spool.
	ErrClosed = errors.New("deadletter: spool closed")

	// ErrCorruptEntry is returned for a spool line that cannot be decoded.
	ErrCorruptEntry = errors.New("deadletter: corrupt entry")
)
