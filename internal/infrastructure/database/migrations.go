package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationsFS should be set by the migrations package to the embedded
// migration files. This allows the migrations to be compiled into the binary.
//
// Usage in a migrations package:
//
//	//go:embed *.sql
//	var migrationsFS embed.FS
//
//	func init() {
//	    database.MigrationsFS = migrationsFS
//	}
var MigrationsFS fs.FS

// MigrationsDir is the directory within MigrationsFS containing migration files.
// Can be set to "." if files are at the root of the embedded filesystem.
var MigrationsDir = "migrations"

// migrationsTable is where golang-migrate records the applied version.
const migrationsTable = "schema_migrations"

// MigrationStatus describes the schema version of the database.
type MigrationStatus struct {
	// Version is the last applied migration version; 0 when none applied.
	Version uint

	// Dirty is true when a migration failed part-way and needs manual repair.
	Dirty bool
}

// Migrate applies all pending migrations to the database.
// Migrations are applied in version order (oldest first).
//
// # Atomicity
//
// Each migration runs in its own transaction. If migration N fails the
// schema is left at N-1 and marked dirty at N, and Migrate returns the error.
//
// Parameters:
//   - ctx: Context for cancellation (checked before work starts)
//
// Returns:
//   - error: If any migration fails
func (db *DB) Migrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := db.migrator()
	if err != nil {
		return err
	}
	if m == nil {
		return nil // No embedded migrations
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
// This is primarily for development and testing.
func (db *DB) MigrateDown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := db.migrator()
	if err != nil || m == nil {
		return err
	}

	if err := m.Steps(-1); err != nil {
		var short migrate.ErrShortLimit
		if errors.As(err, &short) || errors.Is(err, migrate.ErrNoChange) {
			return nil // Nothing to rollback
		}
		return fmt.Errorf("rolling back migration: %w", err)
	}
	return nil
}

// GetMigrationStatus returns the current schema version.
// Useful for health checks and debugging.
func (db *DB) GetMigrationStatus(ctx context.Context) (MigrationStatus, error) {
	if err := ctx.Err(); err != nil {
		return MigrationStatus{}, err
	}
	m, err := db.migrator()
	if err != nil || m == nil {
		return MigrationStatus{}, err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("reading migration version: %w", err)
	}
	return MigrationStatus{Version: version, Dirty: dirty}, nil
}

// migrator builds a golang-migrate instance over this connection.
//
// The instance is never closed: closing it would close db.DB, which the
// caller still owns.
func (db *DB) migrator() (*migrate.Migrate, error) {
	if MigrationsFS == nil {
		return nil, nil
	}

	source, err := iofs.New(MigrationsFS, MigrationsDir)
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return nil, fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}
