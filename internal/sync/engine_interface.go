package sync

import (
	"context"

	"github.com/kimhsiao/tasknexus/backend/internal/models"
	"github.com/kimhsiao/tasknexus/backend/internal/store"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/queue"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// ProcessSyncQueue drains the mutation queue once.
	ProcessSyncQueue(ctx context.Context) (*DrainResult, error)

	// IsSyncing reports whether a drain is in flight.
	IsSyncing() bool

	// GetSyncStatus returns the current sync status.
	GetSyncStatus() models.SyncStatus

	// GetPendingOperations returns the unfinished queue items.
	GetPendingOperations() []*queue.QueueItem

	// CheckDatabaseHealth reports the state of the local database.
	CheckDatabaseHealth(ctx context.Context) (*store.Health, error)
}

var _ SyncEngineInterface = (*Engine)(nil)
