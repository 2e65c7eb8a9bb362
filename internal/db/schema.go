package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// goSteps are migrations that need check-before-write logic SQL files
// cannot express.
var goSteps = []Migration{
	{
		Version:     3,
		Description: "queue_retry_schedule",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return addColumns(ctx, tx, "sync_queue", []columnDef{
				{"next_retry_at", "INTEGER NOT NULL DEFAULT 0"},
				{"last_error", "TEXT"},
			})
		},
		Down: func(ctx context.Context, tx *sql.Tx) error {
			return dropColumns(ctx, tx, "sync_queue", "last_error", "next_retry_at")
		},
	},
}

type columnDef struct {
	name string
	decl string
}

func addColumns(ctx context.Context, tx *sql.Tx, table string, cols []columnDef) error {
	for _, col := range cols {
		exists, err := columnExists(ctx, tx, table, col.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.name, col.decl)); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, col.name, err)
		}
	}
	return nil
}

func dropColumns(ctx context.Context, tx *sql.Tx, table string, names ...string) error {
	for _, name := range names {
		exists, err := columnExists(ctx, tx, table, name)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table, name)); err != nil {
			return fmt.Errorf("drop column %s.%s: %w", table, name, err)
		}
	}
	return nil
}

// Migrations returns the full schema history: embedded SQL files merged
// with the Go-coded steps, in version order.
func Migrations() ([]Migration, error) {
	migrations, err := LoadSQLMigrations(migrationFiles, "migrations")
	if err != nil {
		return nil, err
	}
	migrations = append(migrations, goSteps...)
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Migrate brings db to the latest schema version and returns the resulting
// version.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	migrations, err := Migrations()
	if err != nil {
		return 0, err
	}
	m := NewMigrator(db, migrations)
	if _, err := m.Up(ctx); err != nil {
		return 0, err
	}
	return m.CurrentVersion(ctx)
}
