// Package sqlite implements store.Store on the SQLite database layer.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/database"
	"github.com/nerrad567/telemetry-bridge/internal/store"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
	_ "github.com/nerrad567/telemetry-bridge/migrations" // registers embedded schema
)

// timeLayout is how timestamps are stored in TEXT columns.
const timeLayout = time.RFC3339Nano

// Store implements store.Store backed by a SQLite database.
type Store struct {
	db *database.DB
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Open opens the database at cfg.Path and applies pending migrations.
func Open(ctx context.Context, cfg database.Config) (*Store, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already migrated database.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// InsertRecord appends rec to the events table.
func (s *Store) InsertRecord(ctx context.Context, rec *telemetry.Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encoding fields: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			topic, class, device_id, correlation_id, message_id, fields,
			produced_at, received_at, stored_at, status, duplicate
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Topic,
		rec.Class,
		nullString(rec.DeviceID),
		nullString(rec.CorrelationID),
		nullString(rec.MessageID),
		string(fields),
		nullTime(rec.ProducedAt),
		rec.ReceivedAt.UTC().Format(timeLayout),
		rec.StoredAt.UTC().Format(timeLayout),
		rec.Status,
		rec.Duplicate,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading event id: %w", err)
	}
	rec.ID = id
	return nil
}

// InsertPrediction appends p to the predictions table.
func (s *Store) InsertPrediction(ctx context.Context, p *telemetry.Prediction) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO predictions (
			stored_at, soil_moisture, temperature, nitrogen,
			prediction, status, source_topic, correlation_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.StoredAt.UTC().Format(timeLayout),
		p.SoilMoisture,
		p.Temperature,
		p.Nitrogen,
		p.Output,
		p.Status,
		nullString(p.SourceTopic),
		nullString(p.CorrelationID),
	)
	if err != nil {
		return fmt.Errorf("inserting prediction: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading prediction id: %w", err)
	}
	p.ID = id
	return nil
}

// SeedReference writes samples to reference_samples in one transaction.
func (s *Store) SeedReference(ctx context.Context, samples []telemetry.Sample, replace bool) (int, error) {
	seededAt := time.Now().UTC().Format(timeLayout)

	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM reference_samples").Scan(&existing); err != nil {
			return fmt.Errorf("counting reference samples: %w", err)
		}
		if existing > 0 {
			if !replace {
				return fmt.Errorf("%w: %d rows present", store.ErrReferenceSeeded, existing)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM reference_samples"); err != nil {
				return fmt.Errorf("clearing reference samples: %w", err)
			}
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO reference_samples (soil_moisture, temperature, nitrogen, irrigate, seeded_at)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()

		for i, sample := range samples {
			if _, err := stmt.ExecContext(ctx, sample.SoilMoisture, sample.Temperature, sample.Nitrogen, sample.Irrigate, seededAt); err != nil {
				return fmt.Errorf("inserting sample %d: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(samples), nil
}

// RecentRecords returns up to limit events, newest first.
func (s *Store) RecentRecords(ctx context.Context, limit int) ([]telemetry.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, class, device_id, correlation_id, message_id, fields,
		       produced_at, received_at, stored_at, status, duplicate
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var records []telemetry.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return records, nil
}

// HealthCheck verifies the database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanRecord(rows *sql.Rows) (telemetry.Record, error) {
	var rec telemetry.Record
	var deviceID, correlationID, msgID, producedAt sql.NullString
	var fields, receivedAt, storedAt string
	if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Class, &deviceID, &correlationID, &msgID, &fields,
		&producedAt, &receivedAt, &storedAt, &rec.Status, &rec.Duplicate); err != nil {
		return telemetry.Record{}, fmt.Errorf("scanning event: %w", err)
	}

	rec.DeviceID = deviceID.String
	rec.CorrelationID = correlationID.String
	rec.MessageID = msgID.String
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return telemetry.Record{}, fmt.Errorf("decoding fields of event %d: %w", rec.ID, err)
	}

	var err error
	if rec.ReceivedAt, err = time.Parse(timeLayout, receivedAt); err != nil {
		return telemetry.Record{}, fmt.Errorf("parsing received_at of event %d: %w", rec.ID, err)
	}
	if rec.StoredAt, err = time.Parse(timeLayout, storedAt); err != nil {
		return telemetry.Record{}, fmt.Errorf("parsing stored_at of event %d: %w", rec.ID, err)
	}
	if producedAt.Valid {
		t, err := time.Parse(timeLayout, producedAt.String)
		if err != nil {
			return telemetry.Record{}, fmt.Errorf("parsing produced_at of event %d: %w", rec.ID, err)
		}
		rec.ProducedAt = &t
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}
