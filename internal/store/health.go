package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kimhsiao/tasknexus/backend/internal/logging"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
)

// Health summarizes the state of the local database.
type Health struct {
	Healthy       bool           `json:"healthy"`
	SchemaVersion int            `json:"schemaVersion"`
	Integrity     string         `json:"integrity"`
	Tables        map[string]int `json:"tables"`
	QueueDepth    int            `json:"queueDepth"`
	CheckedAt     time.Time      `json:"checkedAt"`
}

// RemapID re-keys a record from a temporary id to its server id and
// rewrites every reference to the old id across all tables, atomically.
func (s *Store) RemapID(ctx context.Context, table models.Table, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	var touched int
	err := s.Transaction(ctx, ReadWrite, models.AllTables, func(tx *Tx) error {
		var err error
		touched, err = tx.remap(table, oldID, newID)
		return err
	})
	if err != nil {
		return err
	}
	logging.Debug("Record id remapped", map[string]interface{}{
		"table":   string(table),
		"from":    oldID,
		"to":      newID,
		"touched": touched,
	})
	return nil
}

// CheckHealth reports schema version, row counts, integrity and queue depth.
func (s *Store) CheckHealth(ctx context.Context) (*Health, error) {
	h := &Health{
		Tables:    make(map[string]int, len(models.AllTables)),
		CheckedAt: s.now(),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&h.SchemaVersion); err != nil {
		return nil, normalize(err, "read schema version", nil)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&h.Integrity); err != nil {
		return nil, normalize(err, "integrity check", nil)
	}
	for _, t := range models.AllTables {
		var n int
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", t)).Scan(&n); err != nil {
			return nil, normalize(err, "count records", map[string]interface{}{"table": string(t)})
		}
		h.Tables[string(t)] = n
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue WHERE status != 'completed'").Scan(&h.QueueDepth); err != nil {
		return nil, normalize(err, "count queue", nil)
	}

	h.Healthy = h.Integrity == "ok" && h.SchemaVersion > 0
	return h, nil
}
