package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nerrad567/telemetry-bridge/internal/store"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

var recordRowColumns = []string{
	"id", "topic", "class", "device_id", "correlation_id", "message_id", "fields",
	"produced_at", "received_at", "stored_at", "status", "duplicate",
}

func TestInsertRecord(t *testing.T) {
	db, mock := newMockDB(t)
	s := New(db)

	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &telemetry.Record{
		Topic:      "sensor/data",
		Class:      telemetry.ClassApplication,
		Fields:     telemetry.Fields{"humidity": float64(55), "temperature": 28.1},
		ReceivedAt: received,
		StoredAt:   received.Add(time.Millisecond),
		Status:     telemetry.StatusStored,
	}

	mock.ExpectQuery("INSERT INTO events").
		WithArgs("sensor/data", "application",
			sql.NullString{}, sql.NullString{}, sql.NullString{},
			`{"humidity":55,"temperature":28.1}`,
			sql.NullTime{}, received, received.Add(time.Millisecond), "stored", false).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	if err := s.InsertRecord(context.Background(), rec); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}
	if rec.ID != 7 {
		t.Errorf("ID = %d, want 7", rec.ID)
	}
}

func TestInsertRecordError(t *testing.T) {
	db, mock := newMockDB(t)
	s := New(db)

	mock.ExpectQuery("INSERT INTO events").WillReturnError(errors.New("connection reset"))

	err := s.InsertRecord(context.Background(), &telemetry.Record{Topic: "sensor/data", Fields: telemetry.Fields{}})
	if err == nil {
		t.Fatal("InsertRecord() error = nil, want failure")
	}
}

func TestInsertPrediction(t *testing.T) {
	db, mock := newMockDB(t)
	s := New(db)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &telemetry.Prediction{
		StoredAt: now, SoilMoisture: 22.5, Temperature: 31, Nitrogen: 120,
		Output: 1, Status: "IRRIGATE", CorrelationID: "c-9",
	}

	mock.ExpectQuery("INSERT INTO predictions").
		WithArgs(now, 22.5, float64(31), float64(120), 1, "IRRIGATE",
			sql.NullString{}, sql.NullString{String: "c-9", Valid: true}).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	if err := s.InsertPrediction(context.Background(), p); err != nil {
		t.Fatalf("InsertPrediction() error = %v", err)
	}
	if p.ID != 3 {
		t.Errorf("ID = %d, want 3", p.ID)
	}
}

func TestSeedReference(t *testing.T) {
	samples := []telemetry.Sample{
		{SoilMoisture: 20, Temperature: 30, Nitrogen: 100, Irrigate: true},
		{SoilMoisture: 70, Temperature: 22, Nitrogen: 180},
	}

	t.Run("empty table", func(t *testing.T) {
		db, mock := newMockDB(t)
		s := New(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM reference_samples").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec("INSERT INTO reference_samples").
			WithArgs(float64(20), float64(30), float64(100), true).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO reference_samples").
			WithArgs(float64(70), float64(22), float64(180), false).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectCommit()

		n, err := s.SeedReference(context.Background(), samples, false)
		if err != nil {
			t.Fatalf("SeedReference() error = %v", err)
		}
		if n != 2 {
			t.Errorf("SeedReference() = %d, want 2", n)
		}
	})

	t.Run("already seeded", func(t *testing.T) {
		db, mock := newMockDB(t)
		s := New(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM reference_samples").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
		mock.ExpectRollback()

		_, err := s.SeedReference(context.Background(), samples, false)
		if !errors.Is(err, store.ErrReferenceSeeded) {
			t.Fatalf("SeedReference() error = %v, want ErrReferenceSeeded", err)
		}
	})

	t.Run("replace", func(t *testing.T) {
		db, mock := newMockDB(t)
		s := New(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM reference_samples").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
		mock.ExpectExec("DELETE FROM reference_samples").
			WillReturnResult(sqlmock.NewResult(0, 12))
		mock.ExpectExec("INSERT INTO reference_samples").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		n, err := s.SeedReference(context.Background(), samples[:1], true)
		if err != nil {
			t.Fatalf("SeedReference(replace) error = %v", err)
		}
		if n != 1 {
			t.Errorf("SeedReference(replace) = %d, want 1", n)
		}
	})
}

func TestRecentRecords(t *testing.T) {
	db, mock := newMockDB(t)
	s := New(db)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	produced := now.Add(-time.Second)
	rows := sqlmock.NewRows(recordRowColumns).
		AddRow(int64(2), "devices/d1/messages/events/", "d2c", "d1", "c-2", nil, []byte(`{"soil_moisture":31}`),
			produced, now, now, "stored_after_retry", false).
		AddRow(int64(1), "sensor/data", "application", nil, nil, nil, []byte(`{"temperature":28.1}`),
			nil, now, now, "stored", true)

	mock.ExpectQuery("SELECT .+ FROM events ORDER BY id DESC LIMIT \\$1").WithArgs(2).WillReturnRows(rows)

	got, err := s.RecentRecords(context.Background(), 2)
	if err != nil {
		t.Fatalf("RecentRecords() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RecentRecords() returned %d, want 2", len(got))
	}
	if got[0].DeviceID != "d1" || got[0].Fields["soil_moisture"] != float64(31) || got[0].ProducedAt == nil {
		t.Errorf("first record = %+v", got[0])
	}
	if got[1].DeviceID != "" || got[1].ProducedAt != nil || !got[1].Duplicate {
		t.Errorf("second record = %+v", got[1])
	}
}

func TestHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	s := New(db)

	mock.ExpectPing()
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	if err := s.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() error = nil, want failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
