package models

// IDMapping records that a temporary identifier was replaced by the remote
// authority's identifier.
type IDMapping struct {
	Table       string `db:"table_name" json:"table"`
	TemporaryID string `db:"temporary_id" json:"temporaryId"`
	ServerID    string `db:"server_id" json:"serverId"`
	CreatedAt   int64  `db:"created_at" json:"createdAt"`
}

// TableName returns the table name for IDMapping.
func (IDMapping) TableName() string {
	return "id_mappings"
}
