package deadletter

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nerrad567/telemetry-bridge/internal/store"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// ReplayStats summarises a Replay run.
type ReplayStats struct {
	Files       int
	Records     int
	Predictions int
	Failed      int
	Corrupt     int
}

// Replay re-inserts every entry of the sealed spool files into st, oldest
// file first. Replayed records are marked telemetry.StatusReplayed. Entries
// that fail again are appended to the spool and the source file is removed
// either way, so a second Replay only sees what is still outstanding.
//
// The current file is sealed first so its entries are included.
// A cancelled ctx stops between files; files not yet visited are untouched.
func (s *Spool) Replay(ctx context.Context, st store.Store) (ReplayStats, error) {
	var stats ReplayStats

	if err := s.Seal(); err != nil {
		return stats, err
	}
	files, err := s.Files()
	if err != nil {
		return stats, err
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		entries, readErr := ReadFile(file)
		if readErr != nil && !errors.Is(readErr, ErrCorruptEntry) {
			return stats, readErr
		}
		if readErr != nil {
			stats.Corrupt++
			s.warn("dead-letter file partly unreadable", "file", file, "error", readErr)
		}

		for _, e := range entries {
			if err := s.replayEntry(ctx, st, e); err != nil {
				if errors.Is(err, ErrCorruptEntry) {
					stats.Corrupt++
					s.warn("dropping unreadable dead-letter entry", "file", file, "error", err)
					continue
				}
				stats.Failed++
				e.Error = err.Error()
				e.FailedAt = s.now().UTC()
				if err := s.Append(e); err != nil {
					return stats, fmt.Errorf("re-spooling entry: %w", err)
				}
				continue
			}
			switch e.Kind {
			case KindRecord:
				stats.Records++
			case KindPrediction:
				stats.Predictions++
			}
		}

		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("removing replayed file: %w", err)
		}
		stats.Files++
	}

	// Entries that failed again are sealed so the next Replay picks them up.
	if err := s.Seal(); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *Spool) replayEntry(ctx context.Context, st store.Store, e Entry) error {
	switch {
	case e.Kind == KindRecord && e.Record != nil:
		rec := *e.Record
		rec.ID = 0
		rec.Status = telemetry.StatusReplayed
		return st.InsertRecord(ctx, &rec)
	case e.Kind == KindPrediction && e.Prediction != nil:
		p := *e.Prediction
		p.ID = 0
		return st.InsertPrediction(ctx, &p)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrCorruptEntry, e.Kind)
	}
}
