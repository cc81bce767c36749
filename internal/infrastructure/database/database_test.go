package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		path    func(dir string) string
		wantErr error
	}{
		{
			name: "creates database file",
			path: func(dir string) string { return filepath.Join(dir, "telemetry.db") },
		},
		{
			name: "creates missing directories",
			path: func(dir string) string { return filepath.Join(dir, "data", "nested", "telemetry.db") },
		},
		{
			name:    "empty path",
			path:    func(string) string { return "" },
			wantErr: ErrPathRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.path(t.TempDir())
			db, err := Open(context.Background(), Config{Path: path, WALMode: true})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Open() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer db.Close() //nolint:errcheck // Test cleanup

			if _, err := os.Stat(path); err != nil {
				t.Errorf("database file not created: %v", err)
			}
			if db.Path() != path {
				t.Errorf("Path() = %q, want %q", db.Path(), path)
			}
			if got := db.Stats().MaxOpenConnections; got != 1 {
				t.Errorf("MaxOpenConnections = %d, want 1 (single writer)", got)
			}
		})
	}
}

func TestOpen_FilePermissions(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	info, err := os.Stat(db.Path())
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != filePermissions {
		t.Errorf("file mode = %o, want %o", perm, filePermissions)
	}
}

func TestOpen_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "telemetry.db")}); err == nil {
		t.Fatal("Open() with cancelled context returned nil error")
	}
}

func TestHealthCheck(t *testing.T) {
	useTestMigrations(t)
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestHealthCheck_DirtySchema(t *testing.T) {
	useTestMigrations(t)
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if _, err := db.ExecContext(ctx, "UPDATE "+migrationsTable+" SET dirty = 1"); err != nil {
		t.Fatalf("marking schema dirty: %v", err)
	}

	if err := db.HealthCheck(ctx); !errors.Is(err, ErrDirtySchema) {
		t.Errorf("HealthCheck() error = %v, want ErrDirtySchema", err)
	}
}

func TestHealthCheck_Closed(t *testing.T) {
	db := openTestDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := db.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() on closed database returned nil")
	}
}

func TestClose_Twice(t *testing.T) {
	db := openTestDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestInTx(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "CREATE TABLE samples (id INTEGER PRIMARY KEY, soil REAL NOT NULL)"); err != nil {
		t.Fatalf("CREATE TABLE error = %v", err)
	}

	insert := func(values ...float64) func(*sql.Tx) error {
		return func(tx *sql.Tx) error {
			for _, v := range values {
				if _, err := tx.ExecContext(ctx, "INSERT INTO samples (soil) VALUES (?)", v); err != nil {
					return err
				}
			}
			return nil
		}
	}
	count := func() int {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM samples").Scan(&n); err != nil {
			t.Fatalf("COUNT error = %v", err)
		}
		return n
	}

	if err := db.InTx(ctx, insert(25.5, 80.2)); err != nil {
		t.Fatalf("InTx() error = %v", err)
	}
	if n := count(); n != 2 {
		t.Errorf("rows after commit = %d, want 2", n)
	}

	errAbort := errors.New("abort")
	err := db.InTx(ctx, func(tx *sql.Tx) error {
		if err := insert(40)(tx); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("InTx() error = %v, want errAbort", err)
	}
	if n := count(); n != 2 {
		t.Errorf("rows after rollback = %d, want 2", n)
	}
}

// openTestDB creates a temporary database for testing.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(context.Background(), Config{
		Path:        filepath.Join(t.TempDir(), "telemetry.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return db
}
