package models

import "time"

// ConflictLog records resolved concurrent edits for user awareness.
type ConflictLog struct {
	ID              string `db:"id" json:"id"`
	Table           string `db:"table_name" json:"table"`
	RecordID        string `db:"record_id" json:"recordId"`
	LocalVersion    int64  `db:"local_version" json:"localVersion"`
	RemoteVersion   int64  `db:"remote_version" json:"remoteVersion"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"localTimestamp"`
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remoteTimestamp"`
	Resolution      string `db:"resolution" json:"resolution"`
	DetectedAt      int64  `db:"detected_at" json:"detectedAt"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
