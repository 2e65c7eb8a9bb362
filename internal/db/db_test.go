// Package db tests for database connection management.
package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
)

// TestOpen verifies database opening and configuration.
func TestOpen(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	db, err := Open(ctx, Options{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, "tasknexus.db")); err != nil {
		t.Errorf("Database file not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, LockFile)); err != nil {
		t.Errorf("Lock file not created: %v", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want 'wal'", journalMode)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("Failed to query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("foreign_keys = %d, want 1", foreignKeys)
	}

	if db.Driver() != DriverModernc {
		t.Errorf("Driver() = %q, want %q", db.Driver(), DriverModernc)
	}
}

// TestOpen_wasmDriver verifies the ncruces driver can back the store.
func TestOpen_wasmDriver(t *testing.T) {
	ctx := context.Background()

	db, err := Open(ctx, Options{DataDir: t.TempDir(), Driver: DriverWASM})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := Migrate(ctx, db.DB); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if result, err := db.IntegrityCheck(ctx); err != nil || result != "ok" {
		t.Errorf("IntegrityCheck() = %q, %v; want ok", result, err)
	}
}

// TestOpen_unknownDriver verifies driver validation.
func TestOpen_unknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{DataDir: t.TempDir(), Driver: "postgres"})
	if err == nil {
		t.Fatal("Open() with unknown driver should fail")
	}
	if !apperrors.IsType(err, apperrors.TypeConnection) {
		t.Errorf("error type = %v, want connection", err)
	}
}

// TestOpen_locked verifies a second handle on the same data dir is blocked.
func TestOpen_locked(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	db1, err := Open(ctx, Options{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("First Open() failed: %v", err)
	}

	_, err = Open(ctx, Options{DataDir: tmpDir})
	if err == nil {
		t.Fatal("Second Open() should fail while the first handle is open")
	}
	if !apperrors.Is(err, apperrors.ErrDatabaseBlocked) {
		t.Errorf("error = %v, want DATABASE_BLOCKED", err)
	}

	if err := db1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db2, err := Open(ctx, Options{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("Open() after Close() failed: %v", err)
	}
	db2.Close()
}

// TestClose verifies database closing.
func TestClose(t *testing.T) {
	db, err := Open(context.Background(), Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err == nil {
		t.Error("Query on closed database should fail")
	}
}

// TestDB_reopen verifies data survives a close and reopen.
func TestDB_reopen(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	db1, err := Open(ctx, Options{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("First Open() failed: %v", err)
	}
	if _, err := db1.Exec("CREATE TABLE test_table (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("Failed to create test table: %v", err)
	}
	if _, err := db1.Exec("INSERT INTO test_table (id, name) VALUES (1, 'test')"); err != nil {
		t.Fatalf("Failed to insert test data: %v", err)
	}
	db1.Close()

	db2, err := Open(ctx, Options{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("Second Open() failed: %v", err)
	}
	defer db2.Close()

	var name string
	if err := db2.QueryRow("SELECT name FROM test_table WHERE id = 1").Scan(&name); err != nil {
		t.Fatalf("Failed to query test data: %v", err)
	}
	if name != "test" {
		t.Errorf("name = %q, want 'test'", name)
	}
}

// TestOpenMemory_concurrentQueries verifies the single connection serializes access.
func TestOpenMemory_concurrentQueries(t *testing.T) {
	db, err := OpenMemory(context.Background(), "")
	if err != nil {
		t.Fatalf("OpenMemory() failed: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec("CREATE TABLE counter (id INTEGER PRIMARY KEY, n INTEGER)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Exec("INSERT INTO counter (id, n) VALUES (1, 0)"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := db.Exec("UPDATE counter SET n = n + 1 WHERE id = 1"); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	var n int
	if err := db.QueryRow("SELECT n FROM counter WHERE id = 1").Scan(&n); err != nil {
		t.Fatalf("select: %v", err)
	}
	if n != 10 {
		t.Errorf("n = %d, want 10", n)
	}
}
