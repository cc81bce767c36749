package session

import (
	"math"
	"time"
)

const (
	// DefaultDelay is used when no initial delay is configured.
	DefaultDelay = 5 * time.Second

	// DefaultMaxDelay caps a growing delay when no Max is configured.
	DefaultMaxDelay = 5 * time.Minute
)

// Backoff computes the wait before a reconnect attempt.
//
// With Multiplier <= 1 the delay is constant. Otherwise it grows
// geometrically from Initial and is capped at Max, or DefaultMaxDelay when
// Max is unset.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait after the given number of consecutive failures (1-based).
func (b Backoff) Delay(failures int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultDelay
	}
	if failures < 1 || b.Multiplier <= 1 {
		return initial
	}

	d := float64(initial) * math.Pow(b.Multiplier, float64(failures-1))
	limit := b.Max
	if limit <= 0 {
		limit = DefaultMaxDelay
	}
	if limit < initial {
		limit = initial
	}
	if math.IsNaN(d) || d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}
