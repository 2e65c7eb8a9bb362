// Package sync replays the offline mutation queue against the remote
// authority and reconciles the local store with its answers.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/tasknexus/backend/internal/db"
	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/logging"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
	"github.com/kimhsiao/tasknexus/backend/internal/store"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/conflict"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/queue"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/remote"
	"github.com/kimhsiao/tasknexus/backend/internal/uuid"
)

// SyncState represents the engine state.
type SyncState string

const (
	SyncStateIdle    SyncState = "idle"
	SyncStateSyncing SyncState = "syncing"
)

// Options configures the Engine.
type Options struct {
	// ReplayTimeout bounds a single item's round trip.
	ReplayTimeout time.Duration
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store    *store.Store
	Queue    *queue.SyncQueue
	Remote   remote.Authority
	Resolver *conflict.Resolver
	Repo     db.SyncRepository
	Sink     EventSink
}

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Skipped   bool          `json:"skipped"`
	Processed int           `json:"processed"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Deferred  int           `json:"deferred"`
	Conflicts int           `json:"conflicts"`
	Pulled    int           `json:"pulled"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Engine drains the mutation queue. At most one drain runs at a time.
type Engine struct {
	store    *store.Store
	queue    *queue.SyncQueue
	remote   remote.Authority
	resolver *conflict.Resolver
	repo     db.SyncRepository
	ids      *IDMap
	sink     EventSink
	opts     Options

	syncing atomic.Bool
	mu      stdsync.Mutex
	status  models.SyncStatus
	now     func() time.Time
}

// NewEngine creates a new Engine.
func NewEngine(deps Deps, opts Options) *Engine {
	if opts.ReplayTimeout <= 0 {
		opts.ReplayTimeout = 30 * time.Second
	}
	sink := deps.Sink
	if sink == nil {
		sink = nopSink{}
	}
	return &Engine{
		store:    deps.Store,
		queue:    deps.Queue,
		remote:   deps.Remote,
		resolver: deps.Resolver,
		repo:     deps.Repo,
		ids:      NewIDMap(deps.Repo),
		sink:     sink,
		opts:     opts,
		now:      time.Now,
	}
}

// Init restores the persisted status and id mappings.
func (e *Engine) Init(ctx context.Context) error {
	status, err := e.repo.GetSyncStatus(ctx)
	if err != nil {
		return apperrors.Database(apperrors.TypeQuery, apperrors.ErrDatabase, "load sync status", err)
	}
	if status.IsSyncing {
		logging.Warn("Previous sync pass was interrupted", nil)
		status.IsSyncing = false
	}
	if err := e.ids.Load(ctx); err != nil {
		return apperrors.Database(apperrors.TypeQuery, apperrors.ErrDatabase, "load id mappings", err)
	}

	e.mu.Lock()
	e.status = *status
	e.mu.Unlock()
	return e.RefreshStatus(ctx)
}

// SetEventSink replaces the event sink.
func (e *Engine) SetEventSink(sink EventSink) {
	if sink == nil {
		sink = nopSink{}
	}
	e.sink = sink
}

// Queue returns the mutation queue the engine drains.
func (e *Engine) Queue() *queue.SyncQueue {
	return e.queue
}

// IDs returns the temporary id mapping table.
func (e *Engine) IDs() *IDMap {
	return e.ids
}

// IsSyncing reports whether a drain is in flight.
func (e *Engine) IsSyncing() bool {
	return e.syncing.Load()
}

// State returns idle or syncing.
func (e *Engine) State() SyncState {
	if e.IsSyncing() {
		return SyncStateSyncing
	}
	return SyncStateIdle
}

// ProcessSyncQueue replays every ready queue item once, in enqueue order.
// It returns immediately with Skipped set when there is nothing to do or a
// drain is already running. Per-item failures never abort the pass.
func (e *Engine) ProcessSyncQueue(ctx context.Context) (*DrainResult, error) {
	if e.queue.PendingCount() == 0 {
		return &DrainResult{Skipped: true}, nil
	}
	if !e.syncing.CompareAndSwap(false, true) {
		logging.Debug("Sync already in progress, skipping", nil)
		return &DrainResult{Skipped: true}, nil
	}
	defer e.syncing.Store(false)

	result := &DrainResult{StartedAt: e.now()}
	items := e.queue.DequeuePending()
	e.begin(ctx, len(items))

	failed := make(map[string]bool)
	var lastErr error
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		if blockedBy(item, failed, e.ids) {
			result.Deferred++
			continue
		}

		result.Processed++
		if err := e.process(ctx, item, result); err != nil {
			lastErr = err
			result.Failed++
			failed[item.RecordID] = true
			failed[e.ids.Resolve(item.RecordID)] = true

			code := apperrors.ErrSyncFailed
			if appErr, ok := apperrors.As(err); ok {
				code = appErr.Code
			}
			logging.ErrorWithCode("Queued mutation failed", string(code), err, map[string]interface{}{
				"id":        item.ID,
				"operation": string(item.Operation),
				"table":     string(item.Table),
				"record_id": item.RecordID,
			})
			if mErr := e.queue.MarkFailed(ctx, item.ID, err); mErr != nil {
				logging.Error("Failed to record queue failure", mErr, map[string]interface{}{"id": item.ID})
			}
		} else {
			result.Completed++
		}
		e.emitProgress(i+1, len(items), item.RecordID)
	}

	e.finish(ctx, result, lastErr)
	return result, nil
}

// blockedBy reports whether item targets or references a record whose
// earlier item failed during this pass.
func blockedBy(item *queue.QueueItem, failed map[string]bool, ids *IDMap) bool {
	if len(failed) == 0 {
		return false
	}
	if failed[item.RecordID] || failed[ids.Resolve(item.RecordID)] {
		return true
	}
	for id := range failed {
		if item.Payload.References(id) {
			return true
		}
	}
	return false
}

func (e *Engine) begin(ctx context.Context, total int) {
	e.mu.Lock()
	e.status.IsSyncing = true
	snapshot := e.status
	e.mu.Unlock()

	if err := e.repo.SaveSyncStatus(ctx, &snapshot); err != nil {
		logging.Error("Failed to persist sync status", err)
	}
	logging.Info("Sync pass started", map[string]interface{}{"items": total})
	e.emit(EventSyncStarted, map[string]interface{}{"status": "started", "total": total})
}

func (e *Engine) finish(ctx context.Context, result *DrainResult, lastErr error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.queue.PurgeCompleted(ctx); err != nil {
		logging.Error("Failed to purge completed queue items", err)
	}

	now := e.now()
	result.Duration = now.Sub(result.StartedAt)
	stats := e.queue.Stats()

	e.mu.Lock()
	e.status.IsSyncing = false
	e.status.LastSync = &now
	e.status.PendingOperations = stats.Pending + stats.Failed
	e.status.FailedOperations = stats.Exhausted
	e.status.LastError = ""
	if lastErr != nil {
		e.status.LastError = lastErr.Error()
	}
	snapshot := e.status
	e.mu.Unlock()

	if err := e.repo.SaveSyncStatus(ctx, &snapshot); err != nil {
		logging.Error("Failed to persist sync status", err)
	}

	logging.Info("Sync pass finished", map[string]interface{}{
		"completed":   result.Completed,
		"failed":      result.Failed,
		"deferred":    result.Deferred,
		"conflicts":   result.Conflicts,
		"pulled":      result.Pulled,
		"duration_ms": result.Duration.Milliseconds(),
	})
	if result.Failed > 0 {
		e.emit(EventSyncFailed, map[string]interface{}{
			"failed": result.Failed,
			"error":  snapshot.LastError,
		})
	}
	e.emitCompleted(result)
}

// process replays one item under the per-item timeout and records success.
func (e *Engine) process(ctx context.Context, item *queue.QueueItem, result *DrainResult) error {
	// Earlier items in this pass may have remapped or rebased this one.
	if fresh, err := e.queue.Get(item.ID); err == nil {
		item = fresh
	}

	rctx, cancel := context.WithTimeout(ctx, e.opts.ReplayTimeout)
	defer cancel()

	authoritative, err := e.replay(ctx, rctx, item, result)
	if err != nil {
		return err
	}

	if err := e.queue.MarkCompleted(ctx, item.ID); err != nil {
		logging.Error("Failed to record queue completion", err, map[string]interface{}{"id": item.ID})
	}
	if authoritative != nil {
		if err := e.applyAuthoritative(ctx, item.Table, authoritative); err != nil {
			logging.Error("Failed to store authoritative record", err, map[string]interface{}{
				"table":     string(item.Table),
				"record_id": authoritative.ID(),
			})
		}
	}
	return nil
}

// replay sends one mutation. Local writes use ctx; remote calls use rctx.
func (e *Engine) replay(ctx, rctx context.Context, item *queue.QueueItem, result *DrainResult) (models.Record, error) {
	item.RecordID = e.ids.Resolve(item.RecordID)
	payload := e.ids.ResolveRecord(item.Payload)

	switch item.Operation {
	case queue.OperationCreate:
		return e.replayCreate(ctx, rctx, item, payload, result)
	case queue.OperationUpdate:
		return e.replayUpdate(ctx, rctx, item, payload, result)
	case queue.OperationDelete:
		return nil, e.replayDelete(ctx, rctx, item, payload, result)
	case queue.OperationSync:
		return nil, e.pull(ctx, rctx, item, result)
	default:
		return nil, apperrors.Sync(apperrors.ErrSyncFailed, string(item.Operation), string(item.Table), item.RecordID,
			fmt.Errorf("unknown operation"))
	}
}

func (e *Engine) replayCreate(ctx, rctx context.Context, item *queue.QueueItem, payload models.Record, result *DrainResult) (models.Record, error) {
	if payload == nil {
		payload = models.Record{}
	}
	payload[models.FieldID] = item.RecordID

	resp, err := e.remote.Create(rctx, item.Table, payload)
	if err != nil {
		return nil, syncErr(item, err)
	}
	if !resp.Success {
		if resp.Conflict && resp.Data != nil {
			// Already created by an earlier attempt whose answer was lost.
			return e.resolveAndReplay(ctx, rctx, item, payload, resp.Data, result)
		}
		return nil, refused(item, resp)
	}

	rec := resp.Data
	if rec == nil {
		rec = payload.Clone()
	}
	serverID := rec.ID()
	if serverID == "" {
		serverID = item.RecordID
		rec[models.FieldID] = serverID
	}
	if serverID != item.RecordID {
		if err := e.remap(ctx, item.Table, item.RecordID, serverID); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// remap records the mapping first so that a retry after a partial failure
// still resolves the temporary id.
func (e *Engine) remap(ctx context.Context, table models.Table, tempID, serverID string) error {
	if err := e.ids.Record(ctx, table, tempID, serverID); err != nil {
		return apperrors.Database(apperrors.TypeQuery, apperrors.ErrDatabase, "record id mapping", err)
	}
	if err := e.store.RemapID(ctx, table, tempID, serverID); err != nil {
		return err
	}
	n, err := e.queue.Remap(ctx, tempID, serverID)
	if err != nil {
		return err
	}
	logging.Info("Temporary id resolved", map[string]interface{}{
		"table":        string(table),
		"temporary_id": tempID,
		"server_id":    serverID,
		"queued_items": n,
	})
	return nil
}

func (e *Engine) replayUpdate(ctx, rctx context.Context, item *queue.QueueItem, payload models.Record, result *DrainResult) (models.Record, error) {
	if payload == nil {
		payload = models.Record{}
	}
	payload[models.FieldID] = item.RecordID

	resp, err := e.remote.Update(rctx, item.Table, item.RecordID, payload)
	if err != nil {
		return nil, syncErr(item, err)
	}
	if resp.Success {
		if resp.Data != nil {
			return resp.Data, nil
		}
		return payload, nil
	}
	if !resp.Conflict {
		return nil, refused(item, resp)
	}

	remoteRec := resp.Data
	if remoteRec == nil {
		got, err := e.remote.Get(rctx, item.Table, item.RecordID)
		if err != nil {
			return nil, syncErr(item, err)
		}
		if !got.Success {
			return nil, refused(item, got)
		}
		remoteRec = got.Data
	}
	return e.resolveAndReplay(ctx, rctx, item, payload, remoteRec, result)
}

// resolveAndReplay merges the local record with the remote copy, stores the
// merge and replays it against the remote's version.
func (e *Engine) resolveAndReplay(ctx, rctx context.Context, item *queue.QueueItem, payload, remoteRec models.Record, result *DrainResult) (models.Record, error) {
	local, err := e.store.Get(ctx, item.Table, item.RecordID)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		local = payload
	}

	merged, err := e.resolve(ctx, item.Table, local, remoteRec, result)
	if err != nil {
		return nil, syncErr(item, err)
	}

	resp, err := e.remote.Update(rctx, item.Table, item.RecordID, merged)
	if err != nil {
		return nil, syncErr(item, err)
	}
	if !resp.Success {
		return nil, refused(item, resp)
	}
	if resp.Data != nil {
		return resp.Data, nil
	}
	return merged, nil
}

// resolve runs the conflict resolver, logs the conflict and stores the
// merged record locally.
func (e *Engine) resolve(ctx context.Context, table models.Table, local, remoteRec models.Record, result *DrainResult) (models.Record, error) {
	c, ok := e.resolver.DetectConflict(table, local, remoteRec)
	if !ok {
		c = &conflict.Conflict{
			Table:           table,
			RecordID:        remoteRec.ID(),
			Local:           local,
			Remote:          remoteRec,
			LocalVersion:    local.Version(),
			RemoteVersion:   remoteRec.Version(),
			LocalTimestamp:  local.UpdatedAt(),
			RemoteTimestamp: remoteRec.UpdatedAt(),
			DetectedAt:      e.now().UnixMilli(),
		}
	}

	res, err := e.resolver.ResolveConflict(c)
	if err != nil {
		return nil, err
	}
	e.logConflict(ctx, res.ConflictLog, len(res.Fields), result)

	if err := e.store.Put(ctx, table, res.Merged); err != nil {
		return nil, err
	}
	return res.Merged, nil
}

func (e *Engine) logConflict(ctx context.Context, entry *models.ConflictLog, fields int, result *DrainResult) {
	result.Conflicts++
	if err := e.repo.CreateConflictLog(ctx, entry); err != nil {
		logging.Error("Failed to write conflict log", err, map[string]interface{}{"record_id": entry.RecordID})
	}
	e.emit(EventSyncConflictDetected, map[string]interface{}{
		"table":      entry.Table,
		"record_id":  entry.RecordID,
		"resolution": entry.Resolution,
		"fields":     fields,
	})
}

func (e *Engine) replayDelete(ctx, rctx context.Context, item *queue.QueueItem, payload models.Record, result *DrainResult) error {
	var version int64
	if payload != nil {
		version = payload.Version()
	}

	resp, err := e.remote.Delete(rctx, item.Table, item.RecordID, version)
	if err != nil {
		return syncErr(item, err)
	}

	if resp.Conflict {
		// The delete still wins; retry against the version the server has.
		remoteVersion := int64(0)
		if resp.Data != nil {
			remoteVersion = resp.Data.Version()
		}
		e.logConflict(ctx, &models.ConflictLog{
			ID:              uuid.New(),
			Table:           string(item.Table),
			RecordID:        item.RecordID,
			LocalVersion:    version,
			RemoteVersion:   remoteVersion,
			LocalTimestamp:  item.CreatedAt,
			RemoteTimestamp: resp.Data.UpdatedAt(),
			Resolution:      "local_wins",
			DetectedAt:      e.now().UnixMilli(),
		}, 0, result)

		resp, err = e.remote.Delete(rctx, item.Table, item.RecordID, remoteVersion)
		if err != nil {
			return syncErr(item, err)
		}
	}
	if !resp.Success && !resp.NotFound {
		return refused(item, resp)
	}

	if err := e.store.Delete(ctx, item.Table, item.RecordID); err != nil {
		return err
	}
	return nil
}

// pull reconciles every remote record of the item's table into the store.
func (e *Engine) pull(ctx, rctx context.Context, item *queue.QueueItem, result *DrainResult) error {
	table := item.Table
	records, err := e.remote.List(rctx, table)
	if err != nil {
		return syncErr(item, err)
	}

	seen := make(map[string]bool, len(records))
	for _, rrec := range records {
		id := rrec.ID()
		if id == "" {
			continue
		}
		seen[id] = true

		local, err := e.store.Get(ctx, table, id)
		switch {
		case apperrors.Is(err, apperrors.ErrNotFound):
			if e.queue.HasOutstanding(id) {
				continue // deleted locally, delete still queued
			}
			if err := e.store.Put(ctx, table, rrec); err != nil {
				return err
			}
			result.Pulled++
		case err != nil:
			return err
		case local.Version() == rrec.Version():
		case e.queue.HasOutstanding(id):
			if _, err := e.resolve(ctx, table, local, rrec, result); err != nil {
				return syncErr(item, err)
			}
			result.Pulled++
		default:
			if err := e.store.Put(ctx, table, rrec); err != nil {
				return err
			}
			result.Pulled++
		}
	}

	// Synced records the server no longer has were deleted remotely.
	locals, err := e.store.Query(ctx, table, store.Query{})
	if err != nil {
		return err
	}
	for _, local := range locals {
		id := local.ID()
		if seen[id] || local.Version() == 0 || e.queue.HasOutstanding(id) {
			continue
		}
		if err := e.store.Delete(ctx, table, id); err != nil {
			return err
		}
		result.Pulled++
	}
	return nil
}

// applyAuthoritative stores the server's copy of a record after a
// successful write. Records with later queued edits keep their local
// fields and only adopt the acknowledged version.
func (e *Engine) applyAuthoritative(ctx context.Context, table models.Table, rec models.Record) error {
	id := rec.ID()
	if !e.queue.HasOutstanding(id) {
		return e.store.Put(ctx, table, rec)
	}

	if _, err := e.queue.Rebase(ctx, id, rec.Version()); err != nil {
		return err
	}
	local, err := e.store.Get(ctx, table, id)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	local[models.FieldVersion] = rec.Version()
	return e.store.Put(ctx, table, local)
}

// RefreshStatus recomputes queue counters and persists the status row.
func (e *Engine) RefreshStatus(ctx context.Context) error {
	stats := e.queue.Stats()

	e.mu.Lock()
	e.status.IsSyncing = e.syncing.Load()
	e.status.PendingOperations = stats.Pending + stats.Failed
	e.status.FailedOperations = stats.Exhausted
	snapshot := e.status
	e.mu.Unlock()

	return e.repo.SaveSyncStatus(ctx, &snapshot)
}

// GetSyncStatus returns the current status with live queue counters.
func (e *Engine) GetSyncStatus() models.SyncStatus {
	stats := e.queue.Stats()

	e.mu.Lock()
	status := e.status
	e.mu.Unlock()

	if status.LastSync != nil {
		t := *status.LastSync
		status.LastSync = &t
	}
	status.IsSyncing = e.syncing.Load()
	status.PendingOperations = stats.Pending + stats.Failed
	status.FailedOperations = stats.Exhausted
	return status
}

// GetPendingOperations returns the unfinished queue items in order.
func (e *Engine) GetPendingOperations() []*queue.QueueItem {
	var pending []*queue.QueueItem
	for _, item := range e.queue.List() {
		if !item.Finished() {
			pending = append(pending, item)
		}
	}
	return pending
}

// CheckDatabaseHealth reports the state of the local database.
func (e *Engine) CheckDatabaseHealth(ctx context.Context) (*store.Health, error) {
	return e.store.CheckHealth(ctx)
}

// ConflictLogs returns the most recent resolved conflicts.
func (e *Engine) ConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	return e.repo.ListConflictLogs(ctx, limit)
}

// syncErr wraps a transport failure, keeping its sync code when it has one.
func syncErr(item *queue.QueueItem, err error) error {
	code := apperrors.ErrSyncFailed
	if appErr, ok := apperrors.As(err); ok {
		switch appErr.Code {
		case apperrors.ErrSyncOffline, apperrors.ErrSyncTimeout, apperrors.ErrSyncConflict:
			code = appErr.Code
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		code = apperrors.ErrSyncTimeout
	}
	return apperrors.Sync(code, string(item.Operation), string(item.Table), item.RecordID, err)
}

// refused converts a Success=false response into a per-item error.
func refused(item *queue.QueueItem, resp *remote.Response) error {
	code := apperrors.ErrSyncFailed
	if resp.Conflict {
		code = apperrors.ErrSyncConflict
	}
	return apperrors.Sync(code, string(item.Operation), string(item.Table), item.RecordID,
		fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Message))
}
