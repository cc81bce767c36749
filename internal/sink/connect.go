package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/telemetry-bridge/internal/store"
)

// DefaultRetryDelay spaces store connection attempts.
const DefaultRetryDelay = 5 * time.Second

// Opener opens the store once. It is called again after every failure.
type Opener func(ctx context.Context) (store.Store, error)

// RetryOptions configures Connect.
type RetryOptions struct {
	// Delay between attempts. Default: 5s.
	Delay time.Duration

	// MaxAttempts stops after this many failures. Zero retries until ctx is
	// cancelled.
	MaxAttempts int

	// OnAttempt is called after every failed attempt with the attempt number.
	OnAttempt func(attempt int, err error)

	Logger Logger
}

// Connect opens the store, retrying failures at a constant delay.
//
// Every failure is logged with the next delay. Connect returns ctx.Err()
// when cancelled mid-retry and an error matching ErrConnectExhausted when
// MaxAttempts is reached.
func Connect(ctx context.Context, open Opener, opts RetryOptions) (store.Store, error) {
	delay := opts.Delay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	for attempt := 1; ; attempt++ {
		st, err := open(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("store connected", "attempt", attempt)
			}
			return st, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt, err)
		}
		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnectExhausted, attempt, err)
		}

		logger.Warn("store connect failed", "attempt", attempt, "retry_in", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
