package models

import "encoding/json"

// SyncQueueItem is the persisted form of one buffered mutation.
type SyncQueueItem struct {
	ID          string          `db:"id" json:"id"`
	Seq         int64           `db:"seq" json:"seq"`
	Operation   string          `db:"operation" json:"operation"` // create, update, delete, sync
	Table       string          `db:"table_name" json:"table"`
	RecordID    string          `db:"record_id" json:"recordId"`
	Data        json.RawMessage `db:"data" json:"data"`
	Timestamp   int64           `db:"created_at" json:"timestamp"`
	Status      string          `db:"status" json:"status"` // pending, completed, failed
	Attempts    int             `db:"attempts" json:"attempts"`
	MaxAttempts int             `db:"max_attempts" json:"maxAttempts"`
	NextRetryAt int64           `db:"next_retry_at" json:"nextRetryAt,omitempty"`
	LastError   string          `db:"last_error" json:"lastError,omitempty"`
	UpdatedAt   int64           `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}
