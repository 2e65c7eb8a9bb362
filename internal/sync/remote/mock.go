package remote

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
)

// Call records one request received by a MockAuthority.
type Call struct {
	Op    string
	Table models.Table
	ID    string
}

// MockAuthority is an in-memory authority. It assigns integer ids to
// temporary records, enforces base versions and can inject faults.
type MockAuthority struct {
	mu       sync.Mutex
	records  map[models.Table]map[string]models.Record
	nextID   int64
	latency  time.Duration
	offline  bool
	failNext int
	failIDs  map[string]bool
	hangIDs  map[string]bool
	calls    []Call
	now      func() time.Time
}

// NewMockAuthority creates an empty MockAuthority.
func NewMockAuthority(latency time.Duration) *MockAuthority {
	return &MockAuthority{
		records: make(map[models.Table]map[string]models.Record),
		nextID:  1,
		latency: latency,
		failIDs: make(map[string]bool),
		hangIDs: make(map[string]bool),
		now:     time.Now,
	}
}

// SetOffline makes every call fail with ErrSyncOffline.
func (m *MockAuthority) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext makes the next n mutating calls answer with HTTP 500.
func (m *MockAuthority) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// FailRecord makes every call touching id answer with HTTP 500 until cleared.
func (m *MockAuthority) FailRecord(id string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fail {
		m.failIDs[id] = true
	} else {
		delete(m.failIDs, id)
	}
}

// HangRecord makes calls touching id block until their context ends.
func (m *MockAuthority) HangRecord(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hangIDs[id] = true
}

// Seed stores a record as if another client had created it.
func (m *MockAuthority) Seed(table models.Table, rec models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(table)[rec.ID()] = rec.Clone()
	if n, err := strconv.ParseInt(rec.ID(), 10, 64); err == nil && n >= m.nextID {
		m.nextID = n + 1
	}
}

// Record returns the server copy of a record, or nil.
func (m *MockAuthority) Record(table models.Table, id string) models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[table][id]; ok {
		return rec.Clone()
	}
	return nil
}

// Calls returns the requests received so far, in order.
func (m *MockAuthority) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *MockAuthority) table(table models.Table) map[string]models.Record {
	t, ok := m.records[table]
	if !ok {
		t = make(map[string]models.Record)
		m.records[table] = t
	}
	return t
}

// enter simulates the round trip and applies injected faults. A non-nil
// Response is a refusal to hand back to the caller.
func (m *MockAuthority) enter(ctx context.Context, op string, table models.Table, id string, mutating bool) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, Table: table, ID: id})
	offline := m.offline
	hang := m.hangIDs[id]
	latency := m.latency
	m.mu.Unlock()

	if offline {
		return nil, apperrors.New(apperrors.ErrSyncOffline, "remote unreachable")
	}
	if hang {
		<-ctx.Done()
		return nil, apperrors.Wrap(apperrors.ErrSyncTimeout, op+" "+id, ctx.Err())
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(apperrors.ErrSyncTimeout, op+" "+id, ctx.Err())
		case <-timer.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIDs[id] || (mutating && m.failNext > 0) {
		if mutating && m.failNext > 0 {
			m.failNext--
		}
		return &Response{Success: false, StatusCode: 500, Message: "internal server error"}, nil
	}
	return nil, nil
}

// Create stores a record under a newly assigned server id.
func (m *MockAuthority) Create(ctx context.Context, table models.Table, payload models.Record) (*Response, error) {
	if refused, err := m.enter(ctx, "create", table, payload.ID(), true); refused != nil || err != nil {
		return refused, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.table(table)
	id := payload.ID()
	if existing, ok := records[id]; ok && id != "" {
		return &Response{Success: false, StatusCode: 409, Conflict: true,
			Message: "record already exists", Data: existing.Clone()}, nil
	}
	// Client ids are placeholders; the server always assigns its own.
	id = strconv.FormatInt(m.nextID, 10)
	m.nextID++

	rec := payload.Clone()
	now := m.now().UnixMilli()
	rec[models.FieldID] = id
	rec[models.FieldVersion] = int64(1)
	if rec.Int(models.FieldCreatedAt) == 0 {
		rec[models.FieldCreatedAt] = now
	}
	rec[models.FieldUpdatedAt] = now
	records[id] = rec

	return &Response{Success: true, StatusCode: 201, Data: rec.Clone()}, nil
}

// Get fetches a record.
func (m *MockAuthority) Get(ctx context.Context, table models.Table, id string) (*Response, error) {
	if refused, err := m.enter(ctx, "get", table, id, false); refused != nil || err != nil {
		return refused, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[table][id]
	if !ok {
		return &Response{Success: false, StatusCode: 404, NotFound: true, Message: "not found"}, nil
	}
	return &Response{Success: true, StatusCode: 200, Data: rec.Clone()}, nil
}

// List returns every record of a table ordered by id.
func (m *MockAuthority) List(ctx context.Context, table models.Table) ([]models.Record, error) {
	if refused, err := m.enter(ctx, "list", table, "", false); err != nil {
		return nil, err
	} else if refused != nil {
		return nil, apperrors.New(apperrors.ErrSyncFailed, refused.Message)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Record, 0, len(m.records[table]))
	for _, rec := range m.records[table] {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// Update replaces a record when the base version matches.
func (m *MockAuthority) Update(ctx context.Context, table models.Table, id string, payload models.Record) (*Response, error) {
	if refused, err := m.enter(ctx, "update", table, id, true); refused != nil || err != nil {
		return refused, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[table][id]
	if !ok {
		return &Response{Success: false, StatusCode: 404, NotFound: true, Message: "not found"}, nil
	}
	if base := payload.Version(); base > 0 && base != current.Version() {
		return &Response{Success: false, StatusCode: 409, Conflict: true,
			Message: fmt.Sprintf("version mismatch: have %d, got %d", current.Version(), base),
			Data:    current.Clone()}, nil
	}

	rec := payload.Clone()
	rec[models.FieldID] = id
	rec[models.FieldVersion] = current.Version() + 1
	if created, ok := current[models.FieldCreatedAt]; ok {
		rec[models.FieldCreatedAt] = created
	}
	rec[models.FieldUpdatedAt] = m.now().UnixMilli()
	m.records[table][id] = rec

	return &Response{Success: true, StatusCode: 200, Data: rec.Clone()}, nil
}

// Delete removes a record when the base version matches.
func (m *MockAuthority) Delete(ctx context.Context, table models.Table, id string, version int64) (*Response, error) {
	if refused, err := m.enter(ctx, "delete", table, id, true); refused != nil || err != nil {
		return refused, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[table][id]
	if !ok {
		return &Response{Success: false, StatusCode: 404, NotFound: true, Message: "not found"}, nil
	}
	if version > 0 && version != current.Version() {
		return &Response{Success: false, StatusCode: 409, Conflict: true,
			Message: fmt.Sprintf("version mismatch: have %d, got %d", current.Version(), version),
			Data:    current.Clone()}, nil
	}
	delete(m.records[table], id)
	return &Response{Success: true, StatusCode: 200}, nil
}

// Ping fails while offline.
func (m *MockAuthority) Ping(ctx context.Context) error {
	m.mu.Lock()
	offline := m.offline
	m.mu.Unlock()
	if offline {
		return apperrors.New(apperrors.ErrSyncOffline, "remote unreachable")
	}
	return ctx.Err()
}

var (
	_ Authority = (*MockAuthority)(nil)
	_ Authority = (*HTTPAuthority)(nil)
)
