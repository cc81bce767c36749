// Package store defines the persistence interface shared by the SQLite and
// PostgreSQL backends.
package store

import (
	"context"
	"errors"

	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

var (
	// ErrReferenceSeeded is returned when seeding a reference table that
	// already holds rows and replace was not requested.
	ErrReferenceSeeded = errors.New("store: reference dataset already seeded")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// Store is the persistent store behind the sink.
//
// It has two logical destinations: the append-only event and prediction
// logs, and the write-once reference dataset.
type Store interface {
	// InsertRecord appends rec to the event log and sets rec.ID.
	InsertRecord(ctx context.Context, rec *telemetry.Record) error

	// InsertPrediction appends p to the prediction log and sets p.ID.
	InsertPrediction(ctx context.Context, p *telemetry.Prediction) error

	// SeedReference writes the reference dataset. A non-empty table yields
	// ErrReferenceSeeded unless replace is true, in which case existing rows
	// are deleted in the same transaction.
	SeedReference(ctx context.Context, samples []telemetry.Sample, replace bool) (int, error)

	// RecentRecords returns up to limit records, newest first.
	RecentRecords(ctx context.Context, limit int) ([]telemetry.Record, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error

	Close() error
}
