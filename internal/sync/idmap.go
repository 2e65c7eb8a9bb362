package sync

import (
	"context"
	stdsync "sync"

	"github.com/kimhsiao/tasknexus/backend/internal/db"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
)

// IDMap resolves temporary ids to the server ids they were replaced with.
// Mappings are persisted so that work queued before a restart still resolves.
type IDMap struct {
	repo db.IDMappingRepository
	mu   stdsync.RWMutex
	ids  map[string]string
}

// NewIDMap creates an empty IDMap backed by repo.
func NewIDMap(repo db.IDMappingRepository) *IDMap {
	return &IDMap{repo: repo, ids: make(map[string]string)}
}

// Load reads every persisted mapping.
func (m *IDMap) Load(ctx context.Context) error {
	mappings, err := m.repo.ListIDMappings(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mapping := range mappings {
		m.ids[mapping.TemporaryID] = mapping.ServerID
	}
	return nil
}

// Record persists a new mapping.
func (m *IDMap) Record(ctx context.Context, table models.Table, temporaryID, serverID string) error {
	if err := m.repo.SaveIDMapping(ctx, &models.IDMapping{
		Table:       string(table),
		TemporaryID: temporaryID,
		ServerID:    serverID,
	}); err != nil {
		return err
	}
	m.mu.Lock()
	m.ids[temporaryID] = serverID
	m.mu.Unlock()
	return nil
}

// Resolve returns the server id for id, or id itself.
func (m *IDMap) Resolve(id string) string {
	if id == "" {
		return id
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if server, ok := m.ids[id]; ok {
		return server
	}
	return id
}

// ResolveRecord returns a copy of rec with its id and every top-level
// temporary reference resolved.
func (m *IDMap) ResolveRecord(rec models.Record) models.Record {
	if rec == nil {
		return nil
	}
	out := rec.Clone()
	for k, v := range out {
		switch val := v.(type) {
		case string:
			out[k] = m.Resolve(val)
		case []interface{}:
			for i, e := range val {
				if s, ok := e.(string); ok {
					val[i] = m.Resolve(s)
				}
			}
		}
	}
	return out
}

// Len returns the number of known mappings.
func (m *IDMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}
