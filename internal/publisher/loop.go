package publisher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// DefaultInterval is the generation period when none is configured.
const DefaultInterval = 5 * time.Second

// LoopOptions configures a Loop.
type LoopOptions struct {
	// Interval between generated events. Default: 5s.
	Interval time.Duration

	// Topic and QoS apply to every generated event.
	Topic string
	QoS   broker.QoS

	// Ready, when set, is called before each publish and blocks until the
	// session is connected. An error other than ctx cancellation ends Run.
	Ready func(ctx context.Context) error

	// OnResult, when set, observes every publish outcome.
	OnResult func(Result, error)

	Logger Logger

	// Now overrides the clock stamped into generated events.
	Now func() time.Time
}

// LoopStats counts the outcomes of a Loop.
type LoopStats struct {
	Generated int64 `json:"generated"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
}

// Loop publishes one generated event per interval until cancelled.
type Loop struct {
	pub    *Publisher
	gen    telemetry.Generator
	opts   LoopOptions
	logger Logger

	generated atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
}

// NewLoop returns a loop feeding gen into pub.
func NewLoop(pub *Publisher, gen telemetry.Generator, opts LoopOptions) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Loop{pub: pub, gen: gen, opts: opts, logger: opts.Logger}
	if l.logger == nil {
		l.logger = noopLogger{}
	}
	return l
}

// Run publishes immediately and then once per interval.
//
// Ticks missed while a publish is in flight are dropped, not queued. On
// cancellation Run stops taking ticks and returns nil once the in-flight
// publish completes or its acknowledgment budget expires. It returns an
// error only when Ready reports a fatal session failure.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("generation loop started",
		"generator", l.gen.Name(),
		"interval", l.opts.Interval,
		"topic", l.opts.Topic,
		"qos", int(l.opts.QoS),
	)
	defer l.logger.Info("generation loop stopped", "generated", l.generated.Load(), "failed", l.failed.Load())

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		if err := l.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Loop) tick(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	if l.opts.Ready != nil {
		if err := l.opts.Ready(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}

	ev := telemetry.Event{
		Topic:  l.opts.Topic,
		Fields: l.gen.Next(l.opts.Now().UTC()),
		QoS:    l.opts.QoS,
	}
	l.generated.Add(1)

	// Shutdown lets the in-flight publish finish within its ack budget.
	res, err := l.pub.Publish(context.WithoutCancel(ctx), ev)
	switch {
	case err == nil:
		if res.Delivered {
			l.delivered.Add(1)
		}
	case IsTimeout(err):
		l.timedOut.Add(1)
		l.failed.Add(1)
	default:
		l.failed.Add(1)
	}
	if l.opts.OnResult != nil {
		l.opts.OnResult(res, err)
	}
	return nil
}

// Stats returns the current counters.
func (l *Loop) Stats() LoopStats {
	return LoopStats{
		Generated: l.generated.Load(),
		Delivered: l.delivered.Load(),
		Failed:    l.failed.Load(),
		TimedOut:  l.timedOut.Load(),
	}
}
