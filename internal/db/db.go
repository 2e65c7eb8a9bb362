// Package db provides database connection management and the versioned
// schema of the local store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "modernc.org/sqlite"

	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
)

// Supported storage drivers.
const (
	DriverModernc = "modernc" // modernc.org/sqlite, registered as "sqlite"
	DriverWASM    = "wasm"    // ncruces/go-sqlite3, registered as "sqlite3"
)

// LockFile is the advisory lock taken on the data directory while open.
const LockFile = ".lock"

// Options configures Open.
type Options struct {
	DataDir string
	File    string
	Driver  string
}

// DB wraps the sql.DB with TaskNexus-specific configuration.
type DB struct {
	*sql.DB
	path   string
	driver string
	lock   *flock.Flock
}

func driverName(driver string) (string, error) {
	switch driver {
	case "", DriverModernc:
		return "sqlite", nil
	case DriverWASM:
		return "sqlite3", nil
	}
	return "", fmt.Errorf("unknown storage driver %q", driver)
}

// Open opens the SQLite database under opts.DataDir.
// The database is opened with:
// - an exclusive lock on the data directory
// - WAL mode for concurrent reads/writes
// - a busy timeout
// - Foreign key constraints enabled
//
// A data directory held by another process yields a DATABASE_BLOCKED error.
func Open(ctx context.Context, opts Options) (*DB, error) {
	name, err := driverName(opts.Driver)
	if err != nil {
		return nil, apperrors.Database(apperrors.TypeConnection, apperrors.ErrDatabase, "open database", err)
	}

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, apperrors.Database(apperrors.TypeConnection, apperrors.ErrDatabase, "create data directory", err)
	}

	lock := flock.New(filepath.Join(opts.DataDir, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, apperrors.Database(apperrors.TypeConnection, apperrors.ErrDatabase, "lock data directory", err)
	}
	if !locked {
		return nil, apperrors.Database(apperrors.TypeBlocked, apperrors.ErrDatabaseBlocked,
			"data directory is in use by another process", nil).WithDetail("dataDir", opts.DataDir)
	}

	file := opts.File
	if file == "" {
		file = "tasknexus.db"
	}
	path := filepath.Join(opts.DataDir, file)

	conn, err := sql.Open(name, "file:"+path)
	if err != nil {
		_ = lock.Unlock()
		return nil, apperrors.Database(apperrors.TypeConnection, apperrors.ErrDatabase, "open database", err)
	}

	db := &DB{DB: conn, path: path, driver: opts.Driver, lock: lock}
	if err := db.configure(ctx, true); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens a private in-memory database, used by tests and dry runs.
func OpenMemory(ctx context.Context, driver string) (*DB, error) {
	name, err := driverName(driver)
	if err != nil {
		return nil, apperrors.Database(apperrors.TypeConnection, apperrors.ErrDatabase, "open database", err)
	}
	conn, err := sql.Open(name, ":memory:")
	if err != nil {
		return nil, apperrors.Database(apperrors.TypeConnection, apperrors.ErrDatabase, "open database", err)
	}
	db := &DB{DB: conn, path: ":memory:", driver: driver}
	if err := db.configure(ctx, false); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) configure(ctx context.Context, wal bool) error {
	// SQLite doesn't support multiple writers, and a single connection keeps
	// an in-memory database alive for the life of the handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=1000",
		"PRAGMA foreign_keys=ON",
	}
	if wal {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return apperrors.Database(apperrors.TypeConnection, apperrors.ErrDatabase, "configure database", err).
				WithDetail("pragma", p)
		}
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Driver returns the configured driver name.
func (db *DB) Driver() string {
	if db.driver == "" {
		return DriverModernc
	}
	return db.driver
}

// IntegrityCheck runs PRAGMA quick_check and returns its verdict.
func (db *DB) IntegrityCheck(ctx context.Context) (string, error) {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return "", err
	}
	return result, nil
}

// Close checkpoints the WAL, closes the connection and releases the
// data directory lock.
func (db *DB) Close() error {
	if db.lock != nil {
		_, _ = db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	err := db.DB.Close()
	if db.lock != nil {
		if uerr := db.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}
