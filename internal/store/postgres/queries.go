package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/nerrad567/telemetry-bridge/internal/store"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// recordColumns is the column list used for SELECT statements on events.
const recordColumns = `id, topic, class, device_id, correlation_id, message_id, fields,
	produced_at, received_at, stored_at, status, duplicate`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryInsertRecord(ctx context.Context, db executor, rec *telemetry.Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}

	err = db.QueryRowContext(ctx, `
		INSERT INTO events (
			topic, class, device_id, correlation_id, message_id, fields,
			produced_at, received_at, stored_at, status, duplicate
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11
		) RETURNING id`,
		rec.Topic,
		rec.Class,
		nullString(rec.DeviceID),
		nullString(rec.CorrelationID),
		nullString(rec.MessageID),
		string(fields),
		nullTimePtr(rec.ProducedAt),
		rec.ReceivedAt.UTC(),
		rec.StoredAt.UTC(),
		rec.Status,
		rec.Duplicate,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func queryInsertPrediction(ctx context.Context, db executor, p *telemetry.Prediction) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO predictions (
			stored_at, soil_moisture, temperature, nitrogen,
			prediction, status, source_topic, correlation_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		p.StoredAt.UTC(),
		p.SoilMoisture,
		p.Temperature,
		p.Nitrogen,
		p.Output,
		p.Status,
		nullString(p.SourceTopic),
		nullString(p.CorrelationID),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	return nil
}

func querySeedReference(ctx context.Context, db executor, samples []telemetry.Sample, replace bool) (int, error) {
	var existing int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reference_samples`).Scan(&existing); err != nil {
		return 0, fmt.Errorf("count reference samples: %w", err)
	}
	if existing > 0 {
		if !replace {
			return 0, fmt.Errorf("%w: %d rows present", store.ErrReferenceSeeded, existing)
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM reference_samples`); err != nil {
			return 0, fmt.Errorf("clear reference samples: %w", err)
		}
	}

	for i, s := range samples {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO reference_samples (soil_moisture, temperature, nitrogen, irrigate)
			VALUES ($1, $2, $3, $4)`,
			s.SoilMoisture, s.Temperature, s.Nitrogen, s.Irrigate,
		); err != nil {
			return 0, fmt.Errorf("insert sample %d: %w", i+1, err)
		}
	}
	return len(samples), nil
}

func queryRecentRecords(ctx context.Context, db executor, limit int) ([]telemetry.Record, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+recordColumns+` FROM events ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
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
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (telemetry.Record, error) {
	var rec telemetry.Record
	var deviceID, correlationID, messageID sql.NullString
	var fields []byte
	var producedAt sql.NullTime

	if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Class, &deviceID, &correlationID, &messageID, &fields,
		&producedAt, &rec.ReceivedAt, &rec.StoredAt, &rec.Status, &rec.Duplicate); err != nil {
		return telemetry.Record{}, fmt.Errorf("scan event: %w", err)
	}

	rec.DeviceID = deviceID.String
	rec.CorrelationID = correlationID.String
	rec.MessageID = messageID.String
	if producedAt.Valid {
		t := producedAt.Time
		rec.ProducedAt = &t
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return telemetry.Record{}, fmt.Errorf("decode fields of event %d: %w", rec.ID, err)
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
