// Package db provides database schema migration management.
package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/logging"
)

// StepFunc applies one direction of a migration inside the migration
// transaction.
type StepFunc func(ctx context.Context, tx *sql.Tx) error

// Migration is one versioned schema step.
type Migration struct {
	Version     int
	Description string
	Checksum    string
	Up          StepFunc
	Down        StepFunc // nil: irreversible
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator handles database schema migrations.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator creates a new Migrator over the given migration set.
// Migrations are sorted by version; duplicate versions are rejected by
// Validate.
func NewMigrator(db *sql.DB, migrations []Migration) *Migrator {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	return &Migrator{
		db:         db,
		migrations: sorted,
	}
}

// Migrations returns the known migrations in version order.
func (m *Migrator) Migrations() []Migration {
	return m.migrations
}

// Latest returns the highest known version.
func (m *Migrator) Latest() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// Validate checks the migration set is well-formed.
func (m *Migrator) Validate() error {
	seen := make(map[int]bool, len(m.migrations))
	for _, mig := range m.migrations {
		if mig.Version <= 0 {
			return fmt.Errorf("migration %q: version must be positive", mig.Description)
		}
		if seen[mig.Version] {
			return fmt.Errorf("duplicate migration version %d", mig.Version)
		}
		if mig.Up == nil {
			return fmt.Errorf("migration V%d has no up step", mig.Version)
		}
		seen[mig.Version] = true
	}
	return nil
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&a.Version, &appliedAt, &a.Description, &a.Checksum); err != nil {
			return nil, err
		}
		a.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

// Up initializes the version table and applies all pending migrations.
// It returns the number of migrations applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.Validate(); err != nil {
		return 0, apperrors.Migration(0, "up", "invalid migration set", err)
	}
	if err := m.Initialize(ctx); err != nil {
		return 0, apperrors.Migration(0, "up", "initialize schema_migrations", err)
	}
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return 0, apperrors.Migration(0, "up", "read schema version", err)
	}
	return m.ApplyMigrations(ctx, current)
}

// ApplyMigrations runs every migration newer than currentVersion in one
// transaction. On failure nothing is recorded and the returned error carries
// the failing version.
func (m *Migrator) ApplyMigrations(ctx context.Context, currentVersion int) (int, error) {
	var pending []Migration
	for _, mig := range m.migrations {
		if mig.Version > currentVersion {
			pending = append(pending, mig)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.Migration(pending[0].Version, "up", "begin transaction", err)
	}
	defer tx.Rollback()

	for _, mig := range pending {
		if err := mig.Up(ctx, tx); err != nil {
			logging.Error("Migration failed", err, map[string]interface{}{
				"version":     mig.Version,
				"description": mig.Description,
			})
			return 0, apperrors.Migration(mig.Version, "up", mig.Description, err)
		}
		query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
				  VALUES (?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, query, mig.Version, time.Now().Unix(), mig.Description, mig.checksum()); err != nil {
			return 0, apperrors.Migration(mig.Version, "up", "record migration", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.Migration(pending[len(pending)-1].Version, "up", "commit", err)
	}

	logging.Info("Schema migrated", map[string]interface{}{
		"from":    currentVersion,
		"to":      pending[len(pending)-1].Version,
		"applied": len(pending),
	})
	return len(pending), nil
}

// Down rolls back the last migration.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return apperrors.Migration(0, "down", "read schema version", err)
	}
	if current == 0 {
		return apperrors.Migration(0, "down", "no migrations to rollback", nil)
	}

	var target *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == current {
			target = &m.migrations[i]
			break
		}
	}
	if target == nil || target.Down == nil {
		return apperrors.Migration(current, "down", fmt.Sprintf("no rollback step for version %d", current), nil)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Migration(current, "down", "begin transaction", err)
	}
	defer tx.Rollback()

	if err := target.Down(ctx, tx); err != nil {
		return apperrors.Migration(current, "down", target.Description, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return apperrors.Migration(current, "down", "remove migration record", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Migration(current, "down", "commit", err)
	}

	logging.Info("Schema rolled back", map[string]interface{}{"version": current})
	return nil
}

// Verify reports applied migrations whose checksum no longer matches the
// code's definition.
func (m *Migrator) Verify(ctx context.Context) ([]int, error) {
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[int]string, len(m.migrations))
	for _, mig := range m.migrations {
		known[mig.Version] = mig.checksum()
	}
	var drifted []int
	for _, a := range applied {
		if sum, ok := known[a.Version]; ok && sum != a.Checksum {
			drifted = append(drifted, a.Version)
		}
	}
	return drifted, nil
}

func (mig Migration) checksum() string {
	if mig.Checksum != "" {
		return mig.Checksum
	}
	return checksumOf(fmt.Sprintf("%d:%s", mig.Version, mig.Description))
}

func checksumOf(s string) string {
	hash := sha256.Sum256([]byte(s))
	return hex.EncodeToString(hash[:])
}

// LoadSQLMigrations reads V<n>__<description>.up.sql files (and their
// optional .down.sql counterparts) from dir in fsys.
func LoadSQLMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	downs := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var suffix string
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			suffix = ".up.sql"
		case strings.HasSuffix(name, ".down.sql"):
			suffix = ".down.sql"
		default:
			continue
		}

		// Parse version from filename (V1__initial_schema.up.sql)
		parts := strings.SplitN(strings.TrimSuffix(name, suffix), "__", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		if suffix == ".down.sql" {
			downs[version] = string(content)
			continue
		}
		migrations = append(migrations, Migration{
			Version:     version,
			Description: parts[1],
			Checksum:    checksumOf(string(content)),
			Up:          execSQL(string(content)),
		})
	}

	for i := range migrations {
		if down, ok := downs[migrations[i].Version]; ok {
			migrations[i].Down = execSQL(down)
		}
	}
	return migrations, nil
}

func execSQL(query string) StepFunc {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query)
		return err
	}
}

// columnExists probes table_info so ALTER TABLE steps can check before
// writing.
func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
