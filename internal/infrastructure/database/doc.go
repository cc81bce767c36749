// Package database provides SQLite connectivity for telemetry-bridge.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations through golang-migrate (embedded SQL files)
//   - Connection pooling and lifecycle management
//   - Readiness checks that also catch a dirty schema
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Performance Characteristics:
//   - WAL mode allows concurrent reads during writes
//   - Busy timeout prevents lock contention errors
//   - A single open connection matches SQLite's single-writer model
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Store.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
//	err = db.InTx(ctx, func(tx *sql.Tx) error {
//	    // statements that must land together
//	})
//
// Migration Strategy:
//
// Migration files live in the top-level migrations package, which registers
// them with MigrationsFS at init. Filenames follow golang-migrate's
// {version}_{description}.{up|down}.sql convention, with a
// YYYYMMDDHHMMSS version. Migrations are additive: new columns must be
// NULLABLE or carry a DEFAULT.
package database
