// Package remote talks to the authoritative task server.
package remote

import (
	"context"

	"github.com/kimhsiao/tasknexus/backend/internal/models"
)

// Response is the outcome of one call to the authority. A transport-level
// failure (offline, timeout) is returned as an error instead; Success=false
// means the server answered and refused the operation.
type Response struct {
	Success    bool          `json:"success"`
	Message    string        `json:"message,omitempty"`
	Data       models.Record `json:"data,omitempty"`
	StatusCode int           `json:"-"`

	// Conflict reports a version mismatch. Data then holds the server copy
	// when the server provides one.
	Conflict bool `json:"-"`

	// NotFound reports that the record does not exist on the server.
	NotFound bool `json:"-"`
}

// Authority is the remote source of truth the sync engine replays against.
type Authority interface {
	// Create stores a new record. The returned Data carries the server id,
	// which may differ from the temporary id in payload.
	Create(ctx context.Context, table models.Table, payload models.Record) (*Response, error)

	// Get fetches one record.
	Get(ctx context.Context, table models.Table, id string) (*Response, error)

	// List fetches every record of a table.
	List(ctx context.Context, table models.Table) ([]models.Record, error)

	// Update replaces a record. payload's version is the base version the
	// change was made against.
	Update(ctx context.Context, table models.Table, id string, payload models.Record) (*Response, error)

	// Delete removes a record. version is the base version, 0 for any.
	Delete(ctx context.Context, table models.Table, id string, version int64) (*Response, error)

	// Ping reports whether the authority is reachable.
	Ping(ctx context.Context) error
}
