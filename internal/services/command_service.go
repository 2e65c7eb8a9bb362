// Package services provides the command layer that routes record mutations
// either straight to the remote authority or through the offline queue.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/logging"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
	"github.com/kimhsiao/tasknexus/backend/internal/store"
	syncpkg "github.com/kimhsiao/tasknexus/backend/internal/sync"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/queue"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/remote"
)

// Connectivity is the online flag the service consults and lowers when a
// direct call cannot reach the remote authority.
type Connectivity interface {
	IsOnline() bool
	SetOnlineStatus(online bool)
}

// CommandConfig holds configuration for the command service.
type CommandConfig struct {
	// Upper bound for one direct remote call
	RequestTimeout time.Duration
}

// DefaultCommandConfig returns sensible defaults.
func DefaultCommandConfig() *CommandConfig {
	return &CommandConfig{
		RequestTimeout: 10 * time.Second,
	}
}

// CommandResult describes where a mutation ended up.
type CommandResult struct {
	Record  models.Record `json:"record,omitempty"`
	Queued  bool          `json:"queued"`
	QueueID string        `json:"queueId,omitempty"`
}

// CommandService implements create, update and delete for every table.
// Online calls go to the remote authority when nothing is queued for the
// record; everything else is written locally and queued.
type CommandService struct {
	store  *store.Store
	engine *syncpkg.Engine
	queue  *queue.SyncQueue
	remote remote.Authority
	conn   Connectivity

	config *CommandConfig

	// Event callbacks for WebSocket notifications
	onQueued  func(item string, table models.Table, recordID string)
	onOffline func(err error)

	mu  sync.RWMutex
	now func() time.Time
}

// NewCommandService creates a new CommandService. remote and conn may be nil,
// in which case every mutation takes the offline path.
func NewCommandService(st *store.Store, engine *syncpkg.Engine, authority remote.Authority, conn Connectivity, config *CommandConfig) *CommandService {
	if config == nil {
		config = DefaultCommandConfig()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultCommandConfig().RequestTimeout
	}
	return &CommandService{
		store:  st,
		engine: engine,
		queue:  engine.Queue(),
		remote: authority,
		conn:   conn,
		config: config,
		now:    time.Now,
	}
}

// SetEventCallbacks sets callbacks for queue and connectivity notifications.
func (s *CommandService) SetEventCallbacks(
	onQueued func(item string, table models.Table, recordID string),
	onOffline func(err error),
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onQueued = onQueued
	s.onOffline = onOffline
}

func (s *CommandService) online() bool {
	return s.remote != nil && s.conn != nil && s.conn.IsOnline()
}

// Create inserts a new record.
func (s *CommandService) Create(ctx context.Context, table models.Table, rec models.Record) (*CommandResult, error) {
	if !table.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}
	rec = s.engine.IDs().ResolveRecord(rec.Clone())
	if rec == nil {
		rec = models.Record{}
	}
	rec.Touch(s.now())

	// A record pointing at an unsynced parent must wait behind the parent's create.
	if s.online() && !s.hasUnsyncedRefs(rec) {
		resp, err := s.call(ctx, func(rctx context.Context) (*remote.Response, error) {
			return s.remote.Create(rctx, table, rec)
		})
		switch {
		case err == nil && resp.Success:
			if err := s.store.Put(ctx, table, resp.Data); err != nil {
				return nil, err
			}
			return &CommandResult{Record: resp.Data}, nil
		case err == nil:
			return nil, rejected(queue.OperationCreate, table, rec.ID(), resp)
		case !s.fallback(ctx, err):
			return nil, err
		}
	}

	id, err := s.store.Add(ctx, table, rec)
	if err != nil {
		return nil, err
	}
	stored, err := s.store.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, queue.OperationCreate, table, id, stored)
}

// Update applies changes on top of the current local record.
func (s *CommandService) Update(ctx context.Context, table models.Table, id string, changes models.Record) (*CommandResult, error) {
	id = s.engine.IDs().Resolve(id)
	local, err := s.store.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}

	merged := local.Clone()
	for k, v := range s.engine.IDs().ResolveRecord(changes.Clone()) {
		if k == models.FieldID || k == models.FieldVersion {
			continue
		}
		merged[k] = v
	}
	merged.Touch(s.now())

	if s.direct(id, merged) {
		resp, err := s.call(ctx, func(rctx context.Context) (*remote.Response, error) {
			return s.remote.Update(rctx, table, id, merged)
		})
		switch {
		case err == nil && resp.Success:
			if err := s.store.Put(ctx, table, resp.Data); err != nil {
				return nil, err
			}
			return &CommandResult{Record: resp.Data}, nil
		case err == nil && resp.Conflict:
			// The drain resolves the mismatch against the remote copy.
			logging.Info("Direct update conflicted, queueing for resolution", map[string]interface{}{
				"table": string(table),
				"id":    id,
			})
		case err == nil:
			return nil, rejected(queue.OperationUpdate, table, id, resp)
		case !s.fallback(ctx, err):
			return nil, err
		}
	}

	if err := s.store.Put(ctx, table, merged); err != nil {
		return nil, err
	}
	return s.enqueue(ctx, queue.OperationUpdate, table, id, merged)
}

// Delete removes a record locally and remotely.
func (s *CommandService) Delete(ctx context.Context, table models.Table, id string) (*CommandResult, error) {
	id = s.engine.IDs().Resolve(id)
	local, err := s.store.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}

	if s.direct(id, local) {
		resp, err := s.call(ctx, func(rctx context.Context) (*remote.Response, error) {
			return s.remote.Delete(rctx, table, id, local.Version())
		})
		switch {
		case err == nil && (resp.Success || resp.NotFound):
			if err := s.store.Delete(ctx, table, id); err != nil {
				return nil, err
			}
			return &CommandResult{}, nil
		case err == nil && resp.Conflict:
			logging.Info("Direct delete conflicted, queueing for resolution", map[string]interface{}{
				"table": string(table),
				"id":    id,
			})
		case err == nil:
			return nil, rejected(queue.OperationDelete, table, id, resp)
		case !s.fallback(ctx, err):
			return nil, err
		}
	}

	if err := s.store.Delete(ctx, table, id); err != nil {
		return nil, err
	}
	return s.enqueue(ctx, queue.OperationDelete, table, id, local)
}

// Pull queues a full reconcile of table against the remote authority.
func (s *CommandService) Pull(ctx context.Context, table models.Table) (*CommandResult, error) {
	return s.enqueue(ctx, queue.OperationSync, table, queue.AllRecords, nil)
}

// Get reads one record from the local store.
func (s *CommandService) Get(ctx context.Context, table models.Table, id string) (models.Record, error) {
	return s.store.Get(ctx, table, s.engine.IDs().Resolve(id))
}

// List reads records of table from the local store.
func (s *CommandService) List(ctx context.Context, table models.Table, q store.Query) ([]models.Record, error) {
	return s.store.Query(ctx, table, q)
}

// direct reports whether a mutation of id may skip the queue.
func (s *CommandService) direct(id string, rec models.Record) bool {
	if !s.online() || s.hasUnsyncedRefs(rec) {
		return false
	}
	return !s.queue.HasOutstanding(id)
}

func (s *CommandService) call(ctx context.Context, fn func(context.Context) (*remote.Response, error)) (*remote.Response, error) {
	rctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()
	return fn(rctx)
}

// fallback reports whether err is a connectivity failure the offline path
// can absorb, and lowers the online flag when it is.
func (s *CommandService) fallback(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if !apperrors.Is(err, apperrors.ErrSyncOffline) && !apperrors.Is(err, apperrors.ErrSyncTimeout) &&
		!errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	logging.Warn("Remote unreachable, falling back to offline queue", map[string]interface{}{
		"error": err.Error(),
	})
	s.conn.SetOnlineStatus(false)

	s.mu.RLock()
	onOffline := s.onOffline
	s.mu.RUnlock()
	if onOffline != nil {
		onOffline(err)
	}
	return true
}

func (s *CommandService) enqueue(ctx context.Context, op queue.Operation, table models.Table, id string, payload models.Record) (*CommandResult, error) {
	itemID, err := s.queue.Enqueue(ctx, op, table, id, payload)
	if err != nil {
		return nil, err
	}
	if err := s.engine.RefreshStatus(ctx); err != nil {
		logging.Warn("Failed to persist sync status", map[string]interface{}{"error": err.Error()})
	}

	s.mu.RLock()
	onQueued := s.onQueued
	s.mu.RUnlock()
	if onQueued != nil {
		onQueued(itemID, table, id)
	}

	logging.Debug("Mutation queued", map[string]interface{}{
		"item":      itemID,
		"operation": string(op),
		"table":     string(table),
		"id":        id,
	})
	return &CommandResult{Record: payload, Queued: true, QueueID: itemID}, nil
}

// hasUnsyncedRefs reports whether rec points at a record whose create is
// still queued.
func (s *CommandService) hasUnsyncedRefs(rec models.Record) bool {
	var refs []string
	for k, v := range rec {
		if k == models.FieldID {
			continue
		}
		switch val := v.(type) {
		case string:
			refs = append(refs, val)
		case []interface{}:
			for _, e := range val {
				if str, ok := e.(string); ok {
					refs = append(refs, str)
				}
			}
		case []string:
			refs = append(refs, val...)
		}
	}
	return len(refs) > 0 && s.queue.HasPendingCreate(refs...)
}

func rejected(op queue.Operation, table models.Table, id string, resp *remote.Response) error {
	return apperrors.Sync(apperrors.ErrSyncFailed, string(op), string(table), id,
		fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Message))
}
