// Package db provides repository interfaces for the sync bookkeeping tables.
package db

import (
	"context"

	"github.com/kimhsiao/tasknexus/backend/internal/models"
)

// QueueRepository defines persistence for the offline mutation queue.
type QueueRepository interface {
	InsertQueueItem(ctx context.Context, item *models.SyncQueueItem) (int64, error)
	UpdateQueueItem(ctx context.Context, item *models.SyncQueueItem) error
	DeleteQueueItem(ctx context.Context, id string) error
	DeleteCompletedQueueItems(ctx context.Context) (int64, error)
	ListQueueItems(ctx context.Context) ([]*models.SyncQueueItem, error)
}

// StatusRepository defines persistence for the sync status row.
type StatusRepository interface {
	GetSyncStatus(ctx context.Context) (*models.SyncStatus, error)
	SaveSyncStatus(ctx context.Context, status *models.SyncStatus) error
}

// IDMappingRepository defines persistence for resolved temporary ids.
type IDMappingRepository interface {
	SaveIDMapping(ctx context.Context, m *models.IDMapping) error
	ListIDMappings(ctx context.Context) ([]*models.IDMapping, error)
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error
	ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error)
}

// SyncRepository groups the repositories the sync engine needs.
type SyncRepository interface {
	QueueRepository
	StatusRepository
	IDMappingRepository
	ConflictLogRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ QueueRepository       = (*Repository)(nil)
	_ StatusRepository      = (*Repository)(nil)
	_ IDMappingRepository   = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ SyncRepository        = (*Repository)(nil)
)
