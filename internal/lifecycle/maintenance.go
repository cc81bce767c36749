package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/telemetry-bridge/internal/deadletter"
	"github.com/nerrad567/telemetry-bridge/internal/sink"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// ErrNoSpool is returned by Replay when dead_letter.dir is not configured.
var ErrNoSpool = errors.New("lifecycle: no dead-letter directory configured")

// Seed loads labelled samples into the write-once reference dataset.
// Seeding a non-empty dataset fails with store.ErrReferenceSeeded unless
// replace is set.
func (c *Controller) Seed(ctx context.Context, samples []telemetry.Sample, replace bool) (int, error) {
	st, err := c.connectStore(ctx)
	if err != nil {
		return 0, fmt.Errorf("connecting store: %w", err)
	}
	snk := sink.New(st, sink.Options{Logger: c.logger.Component("sink"), Metrics: c.metrics})
	defer func() {
		if err := snk.Close(); err != nil {
			c.logger.Warn("closing store failed", "error", err)
		}
	}()

	n, err := snk.SeedReference(ctx, samples, replace)
	if err != nil {
		return 0, err
	}
	c.logger.Info("reference dataset seeded", "samples", n, "replace", replace)
	return n, nil
}

// Replay writes every spooled record and prediction back to the store.
// Entries that still fail are spooled again for a later run.
func (c *Controller) Replay(ctx context.Context) (deadletter.ReplayStats, error) {
	spool, err := OpenSpool(ctx, c.cfg.DeadLetter, c.logger)
	if err != nil {
		return deadletter.ReplayStats{}, fmt.Errorf("opening dead-letter spool: %w", err)
	}
	if spool == nil {
		return deadletter.ReplayStats{}, ErrNoSpool
	}
	defer func() {
		if err := spool.Close(); err != nil {
			c.logger.Warn("closing dead-letter spool failed", "error", err)
		}
	}()

	st, err := c.connectStore(ctx)
	if err != nil {
		return deadletter.ReplayStats{}, fmt.Errorf("connecting store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			c.logger.Warn("closing store failed", "error", err)
		}
	}()

	stats, err := spool.Replay(ctx, st)
	c.logger.Info("dead-letter replay finished",
		"files", stats.Files,
		"records", stats.Records,
		"predictions", stats.Predictions,
		"failed", stats.Failed,
		"corrupt", stats.Corrupt,
	)
	return stats, err
}
