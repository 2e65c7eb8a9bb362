// Package db provides persistence for the sync bookkeeping tables.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/tasknexus/backend/internal/models"
)

// Repository provides persistence for the queue, sync status, id mappings
// and conflict log. Entity tables are owned by the store package.
type Repository struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If already stored by another goroutine, use existing
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func (r *Repository) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// =====================================================
// Sync Queue Operations
// =====================================================

const queueColumns = `seq, id, operation, table_name, record_id, data, status, attempts,
	max_attempts, next_retry_at, last_error, created_at, updated_at`

// InsertQueueItem appends an item and returns its assigned sequence number.
func (r *Repository) InsertQueueItem(ctx context.Context, item *models.SyncQueueItem) (int64, error) {
	query := `
	INSERT INTO sync_queue (id, operation, table_name, record_id, data, status, attempts,
		max_attempts, next_retry_at, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := r.exec(ctx, query, item.ID, item.Operation, item.Table, item.RecordID,
		nullString(string(item.Data)), item.Status, item.Attempts, item.MaxAttempts,
		item.NextRetryAt, nullString(item.LastError), item.Timestamp, item.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateQueueItem writes back every mutable field of an item.
func (r *Repository) UpdateQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	query := `
	UPDATE sync_queue
	SET record_id = ?, data = ?, status = ?, attempts = ?, max_attempts = ?,
		next_retry_at = ?, last_error = ?, updated_at = ?
	WHERE id = ?
	`
	res, err := r.exec(ctx, query, item.RecordID, nullString(string(item.Data)), item.Status,
		item.Attempts, item.MaxAttempts, item.NextRetryAt, nullString(item.LastError),
		item.UpdatedAt, item.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteQueueItem removes an item.
func (r *Repository) DeleteQueueItem(ctx context.Context, id string) error {
	_, err := r.exec(ctx, "DELETE FROM sync_queue WHERE id = ?", id)
	return err
}

// DeleteCompletedQueueItems removes all completed items.
func (r *Repository) DeleteCompletedQueueItems(ctx context.Context) (int64, error) {
	res, err := r.exec(ctx, "DELETE FROM sync_queue WHERE status = 'completed'")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListQueueItems returns every item in enqueue order.
func (r *Repository) ListQueueItems(ctx context.Context) ([]*models.SyncQueueItem, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+queueColumns+" FROM sync_queue ORDER BY seq")
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		var item models.SyncQueueItem
		var data, lastError sql.NullString
		if err := rows.Scan(&item.Seq, &item.ID, &item.Operation, &item.Table, &item.RecordID,
			&data, &item.Status, &item.Attempts, &item.MaxAttempts, &item.NextRetryAt,
			&lastError, &item.Timestamp, &item.UpdatedAt); err != nil {
			return nil, err
		}
		if data.Valid {
			item.Data = []byte(data.String)
		}
		item.LastError = lastError.String
		items = append(items, &item)
	}
	return items, rows.Err()
}

// CountQueueItems returns the number of items per status.
func (r *Repository) CountQueueItems(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM sync_queue GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// =====================================================
// Sync Status Operations
// =====================================================

// GetSyncStatus reads the single status row.
func (r *Repository) GetSyncStatus(ctx context.Context) (*models.SyncStatus, error) {
	query := `
	SELECT last_sync, is_syncing, pending_operations, failed_operations, last_error, updated_at
	FROM sync_status WHERE id = 1
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}

	var status models.SyncStatus
	var lastSync sql.NullInt64
	var lastError sql.NullString
	err = stmt.QueryRowContext(ctx).Scan(&lastSync, &status.IsSyncing, &status.PendingOperations,
		&status.FailedOperations, &lastError, &status.UpdatedAt)
	if err == sql.ErrNoRows {
		return &models.SyncStatus{}, nil
	}
	if err != nil {
		return nil, err
	}
	if lastSync.Valid && lastSync.Int64 > 0 {
		t := time.UnixMilli(lastSync.Int64)
		status.LastSync = &t
	}
	status.LastError = lastError.String
	return &status, nil
}

// SaveSyncStatus upserts the single status row.
func (r *Repository) SaveSyncStatus(ctx context.Context, status *models.SyncStatus) error {
	var lastSync sql.NullInt64
	if status.LastSync != nil {
		lastSync = sql.NullInt64{Int64: status.LastSync.UnixMilli(), Valid: true}
	}
	status.UpdatedAt = time.Now().UnixMilli()

	query := `
	INSERT INTO sync_status (id, last_sync, is_syncing, pending_operations, failed_operations, last_error, updated_at)
	VALUES (1, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		last_sync = excluded.last_sync,
		is_syncing = excluded.is_syncing,
		pending_operations = excluded.pending_operations,
		failed_operations = excluded.failed_operations,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at
	`
	_, err := r.exec(ctx, query, lastSync, status.IsSyncing, status.PendingOperations,
		status.FailedOperations, nullString(status.LastError), status.UpdatedAt)
	return err
}

// =====================================================
// ID Mapping Operations
// =====================================================

// SaveIDMapping records a temporary to server id replacement.
func (r *Repository) SaveIDMapping(ctx context.Context, m *models.IDMapping) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	query := `
	INSERT INTO id_mappings (table_name, temporary_id, server_id, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(table_name, temporary_id) DO UPDATE SET server_id = excluded.server_id
	`
	_, err := r.exec(ctx, query, m.Table, m.TemporaryID, m.ServerID, m.CreatedAt)
	return err
}

// ListIDMappings returns all recorded mappings, oldest first.
func (r *Repository) ListIDMappings(ctx context.Context) ([]*models.IDMapping, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT table_name, temporary_id, server_id, created_at FROM id_mappings ORDER BY created_at, temporary_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []*models.IDMapping
	for rows.Next() {
		var m models.IDMapping
		if err := rows.Scan(&m.Table, &m.TemporaryID, &m.ServerID, &m.CreatedAt); err != nil {
			return nil, err
		}
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	query := `
	INSERT INTO conflict_log (id, table_name, record_id, local_version, remote_version,
		local_timestamp, remote_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.exec(ctx, query, log.ID, log.Table, log.RecordID, log.LocalVersion,
		log.RemoteVersion, log.LocalTimestamp, log.RemoteTimestamp, log.Resolution, log.DetectedAt)
	return err
}

// ListConflictLogs returns the most recent conflict log entries.
func (r *Repository) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT id, table_name, record_id, local_version, remote_version,
		local_timestamp, remote_timestamp, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var l models.ConflictLog
		if err := rows.Scan(&l.ID, &l.Table, &l.RecordID, &l.LocalVersion, &l.RemoteVersion,
			&l.LocalTimestamp, &l.RemoteTimestamp, &l.Resolution, &l.DetectedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
