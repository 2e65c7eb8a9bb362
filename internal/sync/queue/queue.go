// Package queue provides the durable offline mutation queue: mutations made
// while disconnected are buffered here and replayed in enqueue order.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/tasknexus/backend/internal/db"
	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/logging"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
	"github.com/kimhsiao/tasknexus/backend/internal/uuid"
)

// Operation represents a sync operation type.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationSync   Operation = "sync"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationSync:
		return true
	}
	return false
}

// QueueStatus represents the status of a queued operation.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusFailed    QueueStatus = "failed"
	QueueStatusCompleted QueueStatus = "completed"
)

// AllRecords is the record id of table-wide sync operations.
const AllRecords = "*"

// QueueItem represents a mutation in the queue.
type QueueItem struct {
	ID          string
	Seq         int64
	Operation   Operation
	Table       models.Table
	RecordID    string
	Payload     models.Record
	Status      QueueStatus
	Attempts    int
	MaxAttempts int
	NextRetryAt int64 // unix millis
	CreatedAt   int64
	UpdatedAt   int64
	LastError   string
}

// Exhausted reports a failed item that reached its attempt ceiling.
func (item *QueueItem) Exhausted() bool {
	return item.Status == QueueStatusFailed && item.Attempts >= item.MaxAttempts
}

// Finished reports whether the item needs no further replay.
func (item *QueueItem) Finished() bool {
	return item.Status == QueueStatusCompleted
}

// Retryable reports whether the item counts as outstanding automatic work.
func (item *QueueItem) Retryable() bool {
	return !item.Finished() && !item.Exhausted()
}

// Ready reports whether the item may be replayed at now.
func (item *QueueItem) Ready(now time.Time) bool {
	return item.Retryable() && item.NextRetryAt <= now.UnixMilli()
}

func (item *QueueItem) clone() *QueueItem {
	c := *item
	c.Payload = item.Payload.Clone()
	return &c
}

// Options configures a SyncQueue.
type Options struct {
	MaxSize     int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultOptions mirrors the default sync configuration.
func DefaultOptions() Options {
	return Options{
		MaxSize:     10000,
		MaxAttempts: 3,
		MaxBackoff:  time.Hour,
	}
}

// Stats summarizes the queue by state.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
	Completed int `json:"completed"`
}

// SyncQueue manages queued mutations with write-through persistence.
type SyncQueue struct {
	repo     db.QueueRepository
	opts     Options
	items    map[string]*QueueItem
	mu       sync.RWMutex
	enqueued chan struct{}
	now      func() time.Time
}

// NewSyncQueue creates a new SyncQueue backed by repo.
func NewSyncQueue(repo db.QueueRepository, opts Options) *SyncQueue {
	def := DefaultOptions()
	if opts.MaxSize <= 0 {
		opts.MaxSize = def.MaxSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	return &SyncQueue{
		repo:     repo,
		opts:     opts,
		items:    make(map[string]*QueueItem),
		enqueued: make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Load restores the queue from durable storage.
func (q *SyncQueue) Load(ctx context.Context) error {
	rows, err := q.repo.ListQueueItems(ctx)
	if err != nil {
		return apperrors.Database(apperrors.TypeQuery, apperrors.ErrDatabase, "load sync queue", err)
	}

	items := make(map[string]*QueueItem, len(rows))
	for _, row := range rows {
		item, err := FromModel(row)
		if err != nil {
			logging.Error("Skipping unreadable queue item", err, map[string]interface{}{"id": row.ID})
			continue
		}
		items[item.ID] = item
	}

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()

	stats := q.Stats()
	logging.Info("Sync queue loaded", map[string]interface{}{
		"total":     stats.Total,
		"pending":   stats.Pending + stats.Failed,
		"exhausted": stats.Exhausted,
	})
	return nil
}

// Enqueued signals after every successful Enqueue.
func (q *SyncQueue) Enqueued() <-chan struct{} {
	return q.enqueued
}

// Enqueue appends a mutation. It never touches the network.
func (q *SyncQueue) Enqueue(ctx context.Context, operation Operation, table models.Table, recordID string, payload models.Record) (string, error) {
	if !operation.Valid() {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation %q", operation))
	}
	if !table.Valid() {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}
	if recordID == "" {
		if operation != OperationSync {
			return "", apperrors.New(apperrors.ErrInvalid, "record id is required")
		}
		recordID = AllRecords
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Check queue capacity
	open := 0
	for _, item := range q.items {
		if !item.Finished() {
			open++
		}
	}
	if open >= q.opts.MaxSize {
		return "", apperrors.New(apperrors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", q.opts.MaxSize))
	}

	now := q.now().UnixMilli()
	item := &QueueItem{
		ID:          uuid.New(),
		Operation:   operation,
		Table:       table,
		RecordID:    recordID,
		Payload:     payload.Clone(),
		Status:      QueueStatusPending,
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	seq, err := q.repo.InsertQueueItem(ctx, item.ToModel())
	if err != nil {
		return "", apperrors.Database(apperrors.TypeQuery, apperrors.ErrDatabase, "persist queue item", err)
	}
	item.Seq = seq
	q.items[item.ID] = item

	select {
	case q.enqueued <- struct{}{}:
	default:
	}

	logging.Debug("Mutation enqueued", map[string]interface{}{
		"id":        item.ID,
		"seq":       item.Seq,
		"operation": string(operation),
		"table":     string(table),
		"record_id": recordID,
	})
	return item.ID, nil
}

// ordered returns the items sorted by enqueue sequence. Caller holds mu.
func (q *SyncQueue) ordered() []*QueueItem {
	items := make([]*QueueItem, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items
}

// DequeuePending returns copies of the items ready for replay, in FIFO
// order. An item is held back while an earlier unfinished item on the same
// record, or on a record its payload references, is not ready.
func (q *SyncQueue) DequeuePending() []*QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := q.now()
	blocked := make(map[string]bool)
	var ready []*QueueItem

	for _, item := range q.ordered() {
		if item.Finished() {
			continue
		}
		if !item.Ready(now) || dependsOn(item, blocked) {
			blocked[item.RecordID] = true
			continue
		}
		ready = append(ready, item.clone())
	}
	return ready
}

func dependsOn(item *QueueItem, blocked map[string]bool) bool {
	if len(blocked) == 0 {
		return false
	}
	if blocked[item.RecordID] {
		return true
	}
	for id := range blocked {
		if item.Payload.References(id) {
			return true
		}
	}
	return false
}

// MarkCompleted records a successful replay.
func (q *SyncQueue) MarkCompleted(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return notFound(id)
	}

	next := item.clone()
	next.Attempts++
	next.Status = QueueStatusCompleted
	next.LastError = ""
	next.NextRetryAt = 0
	next.UpdatedAt = q.now().UnixMilli()

	if err := q.persist(ctx, next); err != nil {
		return err
	}
	q.items[id] = next
	return nil
}

// MarkFailed records a failed replay and schedules the next attempt.
func (q *SyncQueue) MarkFailed(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return notFound(id)
	}

	now := q.now()
	next := item.clone()
	next.Attempts++
	next.Status = QueueStatusFailed
	if cause != nil {
		next.LastError = cause.Error()
	}
	backoff := calculateBackoff(next.Attempts, q.opts.BaseBackoff, q.opts.MaxBackoff)
	next.NextRetryAt = now.Add(backoff).UnixMilli()
	next.UpdatedAt = now.UnixMilli()

	if err := q.persist(ctx, next); err != nil {
		return err
	}
	q.items[id] = next

	ctxLog := map[string]interface{}{
		"id":        id,
		"operation": string(next.Operation),
		"table":     string(next.Table),
		"record_id": next.RecordID,
		"attempts":  next.Attempts,
	}
	if next.Exhausted() {
		logging.Warn("Queued mutation exhausted its retries", ctxLog)
	} else {
		ctxLog["retry_in"] = backoff.String()
		logging.Debug("Queued mutation failed, will retry", ctxLog)
	}
	return nil
}

// calculateBackoff returns base * 2^attempts, capped at max.
func calculateBackoff(attempts int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts > 30 {
		return max
	}
	backoff := base << uint(attempts)
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	return backoff
}

// Remap rewrites the record id and payload references of unfinished items
// after a temporary id resolved to newID. It returns the number of items
// changed.
func (q *SyncQueue) Remap(ctx context.Context, oldID, newID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	changed := 0
	for _, item := range q.ordered() {
		if item.Finished() {
			continue
		}
		next := item.clone()
		touched := false
		if next.RecordID == oldID {
			next.RecordID = newID
			touched = true
		}
		if next.Payload != nil {
			if next.Payload.ID() == oldID {
				next.Payload[models.FieldID] = newID
				touched = true
			}
			if next.Payload.ReplaceReferences(oldID, newID) {
				touched = true
			}
		}
		if !touched {
			continue
		}
		next.UpdatedAt = q.now().UnixMilli()
		if err := q.persist(ctx, next); err != nil {
			return changed, err
		}
		q.items[next.ID] = next
		changed++
	}
	return changed, nil
}

// Rebase moves the base version of unfinished items on recordID forward to
// version once one of this client's own writes was acknowledged.
func (q *SyncQueue) Rebase(ctx context.Context, recordID string, version int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	changed := 0
	for _, item := range q.ordered() {
		if item.Finished() || item.RecordID != recordID || item.Payload == nil {
			continue
		}
		if item.Payload.Version() >= version {
			continue
		}
		next := item.clone()
		next.Payload[models.FieldVersion] = version
		next.UpdatedAt = q.now().UnixMilli()
		if err := q.persist(ctx, next); err != nil {
			return changed, err
		}
		q.items[next.ID] = next
		changed++
	}
	return changed, nil
}

// PurgeCompleted removes completed items.
func (q *SyncQueue) PurgeCompleted(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.repo.DeleteCompletedQueueItems(ctx); err != nil {
		return 0, apperrors.Database(apperrors.TypeQuery, apperrors.ErrDatabase, "purge sync queue", err)
	}
	n := 0
	for id, item := range q.items {
		if item.Finished() {
			delete(q.items, id)
			n++
		}
	}
	return n, nil
}

// Retry resets one unfinished item to pending with a fresh attempt budget.
func (q *SyncQueue) Retry(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return notFound(id)
	}
	if item.Finished() {
		return apperrors.New(apperrors.ErrInvalid, "item already completed").WithDetail("id", id)
	}
	return q.reset(ctx, item)
}

// RetryAll resets all failed items to pending for retry.
func (q *SyncQueue) RetryAll(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, item := range q.ordered() {
		if item.Status != QueueStatusFailed {
			continue
		}
		if err := q.reset(ctx, item); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		logging.Info("Reset failed queue items for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}

func (q *SyncQueue) reset(ctx context.Context, item *QueueItem) error {
	next := item.clone()
	next.Status = QueueStatusPending
	next.Attempts = 0
	next.NextRetryAt = 0
	next.LastError = ""
	next.UpdatedAt = q.now().UnixMilli()
	if err := q.persist(ctx, next); err != nil {
		return err
	}
	q.items[next.ID] = next
	return nil
}

// Dismiss removes an item permanently.
func (q *SyncQueue) Dismiss(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return notFound(id)
	}
	if err := q.repo.DeleteQueueItem(ctx, id); err != nil {
		return apperrors.Database(apperrors.TypeQuery, apperrors.ErrDatabase, "dismiss queue item", err)
	}
	delete(q.items, id)

	logging.Info("Queue item dismissed", map[string]interface{}{
		"id":        id,
		"operation": string(item.Operation),
		"table":     string(item.Table),
		"record_id": item.RecordID,
	})
	return nil
}

// Get returns a copy of one item.
func (q *SyncQueue) Get(id string) (*QueueItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[id]
	if !ok {
		return nil, notFound(id)
	}
	return item.clone(), nil
}

// List returns copies of all items in enqueue order.
func (q *SyncQueue) List() []*QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ordered := q.ordered()
	items := make([]*QueueItem, len(ordered))
	for i, item := range ordered {
		items[i] = item.clone()
	}
	return items
}

// Size returns the number of items in the queue.
func (q *SyncQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Stats returns queue statistics.
func (q *SyncQueue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var s Stats
	for _, item := range q.items {
		s.Total++
		switch {
		case item.Finished():
			s.Completed++
		case item.Exhausted():
			s.Exhausted++
		case item.Status == QueueStatusFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}
	return s
}

// PendingCount returns the number of retryable items.
func (q *SyncQueue) PendingCount() int {
	s := q.Stats()
	return s.Pending + s.Failed
}

// FailedCount returns the number of exhausted items.
func (q *SyncQueue) FailedCount() int {
	return q.Stats().Exhausted
}

// HasOutstanding reports whether any unfinished item targets one of ids.
func (q *SyncQueue) HasOutstanding(ids ...string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, item := range q.items {
		if item.Finished() {
			continue
		}
		for _, id := range ids {
			if id != "" && item.RecordID == id {
				return true
			}
		}
	}
	return false
}

// HasPendingCreate reports whether any of ids names a record whose create
// has not reached the server yet. Exhausted creates still count.
func (q *SyncQueue) HasPendingCreate(ids ...string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, item := range q.items {
		if item.Operation != OperationCreate || item.Finished() {
			continue
		}
		for _, id := range ids {
			if id != "" && item.RecordID == id {
				return true
			}
		}
	}
	return false
}

func (q *SyncQueue) persist(ctx context.Context, item *QueueItem) error {
	if err := q.repo.UpdateQueueItem(ctx, item.ToModel()); err != nil {
		return apperrors.Database(apperrors.TypeQuery, apperrors.ErrDatabase, "persist queue item", err).
			WithDetail("id", item.ID)
	}
	return nil
}

func notFound(id string) error {
	return apperrors.New(apperrors.ErrNotFound, "queue item not found").WithDetail("id", id)
}

// ToModel converts a QueueItem to a SyncQueueItem model for database storage.
func (item *QueueItem) ToModel() *models.SyncQueueItem {
	var data json.RawMessage
	if item.Payload != nil {
		data, _ = json.Marshal(item.Payload)
	}
	return &models.SyncQueueItem{
		ID:          item.ID,
		Seq:         item.Seq,
		Operation:   string(item.Operation),
		Table:       string(item.Table),
		RecordID:    item.RecordID,
		Data:        data,
		Timestamp:   item.CreatedAt,
		Status:      string(item.Status),
		Attempts:    item.Attempts,
		MaxAttempts: item.MaxAttempts,
		NextRetryAt: item.NextRetryAt,
		LastError:   item.LastError,
		UpdatedAt:   item.UpdatedAt,
	}
}

// FromModel creates a QueueItem from a SyncQueueItem model.
func FromModel(model *models.SyncQueueItem) (*QueueItem, error) {
	var payload models.Record
	if len(model.Data) > 0 && string(model.Data) != "null" {
		var err error
		payload, err = models.DecodeRecord(model.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	return &QueueItem{
		ID:          model.ID,
		Seq:         model.Seq,
		Operation:   Operation(model.Operation),
		Table:       models.Table(model.Table),
		RecordID:    model.RecordID,
		Payload:     payload,
		Status:      QueueStatus(model.Status),
		Attempts:    model.Attempts,
		MaxAttempts: model.MaxAttempts,
		NextRetryAt: model.NextRetryAt,
		CreatedAt:   model.Timestamp,
		UpdatedAt:   model.UpdatedAt,
		LastError:   model.LastError,
	}, nil
}
