// Package postgres implements store.Store backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/nerrad567/telemetry-bridge/internal/store"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements store.Store backed by a PostgreSQL database.
type Store struct {
	db *sql.DB
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Open connects to the database at dsn, configures the connection pool,
// and runs any pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// New wraps an open, migrated connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// InsertRecord appends rec to the events table.
func (s *Store) InsertRecord(ctx context.Context, rec *telemetry.Record) error {
	return queryInsertRecord(ctx, s.db, rec)
}

// InsertPrediction appends p to the predictions table.
func (s *Store) InsertPrediction(ctx context.Context, p *telemetry.Prediction) error {
	return queryInsertPrediction(ctx, s.db, p)
}

// SeedReference writes samples to reference_samples in one transaction.
func (s *Store) SeedReference(ctx context.Context, samples []telemetry.Sample, replace bool) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	n, err := querySeedReference(ctx, tx, samples, replace)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reference samples: %w", err)
	}
	return n, nil
}

// RecentRecords returns up to limit events, newest first.
func (s *Store) RecentRecords(ctx context.Context, limit int) ([]telemetry.Record, error) {
	return queryRecentRecords(ctx, s.db, limit)
}

// HealthCheck verifies the database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
