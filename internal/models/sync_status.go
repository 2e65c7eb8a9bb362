package models

import "time"

// SyncStatus is the process-wide sync state persisted across restarts.
type SyncStatus struct {
	LastSync          *time.Time `db:"last_sync" json:"lastSync"`
	IsSyncing         bool       `db:"is_syncing" json:"isSyncing"`
	PendingOperations int        `db:"pending_operations" json:"pendingOperations"`
	FailedOperations  int        `db:"failed_operations" json:"failedOperations"`
	LastError         string     `db:"last_error" json:"lastError,omitempty"`
	UpdatedAt         int64      `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for SyncStatus.
func (SyncStatus) TableName() string {
	return "sync_status"
}
