package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kimhsiao/tasknexus/backend/internal/db"
	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
	"github.com/kimhsiao/tasknexus/backend/internal/uuid"
)

var fixedNow = time.UnixMilli(1700000000000)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	handle, err := db.OpenMemory(ctx, "")
	if err != nil {
		t.Fatalf("OpenMemory() failed: %v", err)
	}
	t.Cleanup(func() { handle.Close() })
	if _, err := db.Migrate(ctx, handle.DB); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	s := New(handle.DB, Options{BusyRetries: 2, BusyBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	s.now = func() time.Time { return fixedNow }
	return s
}

// TestAdd_Get verifies a record round-trips and gets a temporary id.
func TestAdd_Get(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Add(ctx, models.TableTasks, models.Record{
		"content":   "buy milk",
		"projectId": "p1",
		"labelIds":  []interface{}{"l1", "l2"},
	})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if !uuid.LooksTemporary(id) {
		t.Errorf("id = %q, want temporary", id)
	}

	got, err := s.Get(ctx, models.TableTasks, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	want := models.Record{
		"id":        id,
		"content":   "buy milk",
		"projectId": "p1",
		"labelIds":  []interface{}{"l1", "l2"},
		"createdAt": fixedNow.UnixMilli(),
		"updatedAt": fixedNow.UnixMilli(),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

// TestAdd_duplicate verifies ids are unique per table.
func TestAdd_duplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Add(ctx, models.TableLabels, models.Record{"id": "l1", "name": "a"}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	_, err := s.Add(ctx, models.TableLabels, models.Record{"id": "l1", "name": "b"})
	if !apperrors.IsType(err, apperrors.TypeConstraint) {
		t.Errorf("second Add() = %v, want constraint error", err)
	}

	// Same id in another table is fine.
	if _, err := s.Add(ctx, models.TableFilters, models.Record{"id": "l1"}); err != nil {
		t.Errorf("Add() to other table failed: %v", err)
	}
}

// TestGet_notFound verifies the NOT_FOUND DatabaseError shape.
func TestGet_notFound(t *testing.T) {
	_, err := newTestStore(t).Get(context.Background(), models.TableTasks, "missing")
	appErr, ok := apperrors.As(err)
	if !ok {
		t.Fatalf("Get() error = %v, want AppError", err)
	}
	if appErr.Code != apperrors.ErrNotFound || appErr.Type != apperrors.TypeNotFound {
		t.Errorf("error = %+v", appErr)
	}
	if appErr.Details["id"] != "missing" {
		t.Errorf("Details = %v", appErr.Details)
	}
}

// TestPut_Delete verifies upsert and idempotent delete.
func TestPut_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Put(ctx, models.TableProjects, models.Record{"id": "p1", "name": "Home", "version": 1}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.Put(ctx, models.TableProjects, models.Record{"id": "p1", "name": "Work", "version": 2}); err != nil {
		t.Fatalf("Put() replace failed: %v", err)
	}
	got, _ := s.Get(ctx, models.TableProjects, "p1")
	if got.String("name") != "Work" || got.Version() != 2 {
		t.Errorf("Get() = %v", got)
	}

	if err := s.Put(ctx, models.TableProjects, models.Record{"name": "no id"}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Put() without id = %v, want INVALID_INPUT", err)
	}

	if err := s.Delete(ctx, models.TableProjects, "p1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := s.Delete(ctx, models.TableProjects, "p1"); err != nil {
		t.Errorf("second Delete() = %v, want nil", err)
	}
	if _, err := s.Get(ctx, models.TableProjects, "p1"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get() after Delete() = %v", err)
	}
}

// TestPut_keepsCallerRecord verifies the store never aliases caller state.
func TestPut_keepsCallerRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := models.Record{"id": "u1", "settings": map[string]interface{}{"theme": "dark"}}
	if err := s.Put(ctx, models.TableUsers, rec); err != nil {
		t.Fatal(err)
	}
	if _, ok := rec["createdAt"]; ok {
		t.Error("Put() mutated the caller's record")
	}
}

// TestQuery verifies index lookups, filters, sorting and pagination.
func TestQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, c := range []string{"c", "a", "b", "d"} {
		project := "p1"
		if i == 3 {
			project = "p2"
		}
		if _, err := s.Add(ctx, models.TableTasks, models.Record{
			"id":        "t" + c,
			"content":   c,
			"projectId": project,
			"priority":  i,
			"createdAt": int64(100 + i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Query(ctx, models.TableTasks, Where("projectId", "p1"))
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if ids := idsOf(got); !cmp.Equal(ids, []string{"tc", "ta", "tb"}) {
		t.Errorf("Where projectId ids = %v", ids)
	}

	got, _ = s.Query(ctx, models.TableTasks, Query{SortBy: "content", Desc: true, Limit: 2})
	if ids := idsOf(got); !cmp.Equal(ids, []string{"td", "tc"}) {
		t.Errorf("sorted ids = %v", ids)
	}

	got, _ = s.Query(ctx, models.TableTasks, Query{
		Filter: func(r models.Record) bool { return r.Int("priority") >= 1 },
		SortBy: "priority",
		Offset: 1,
	})
	if ids := idsOf(got); !cmp.Equal(ids, []string{"tb", "td"}) {
		t.Errorf("filtered ids = %v", ids)
	}

	got, _ = s.Query(ctx, models.TableTasks, Query{Offset: 10})
	if len(got) != 0 {
		t.Errorf("offset past end returned %d records", len(got))
	}

	if _, err := s.Query(ctx, models.TableTasks, Where("content", "a")); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Where on unindexed field = %v, want INVALID_INPUT", err)
	}

	n, err := s.Count(ctx, models.TableTasks, Where("projectId", "p1"))
	if err != nil || n != 3 {
		t.Errorf("Count() = %d, %v; want 3", n, err)
	}
	n, _ = s.Count(ctx, models.TableTasks, Query{Filter: func(r models.Record) bool { return r.String("content") == "d" }, Limit: 1})
	if n != 1 {
		t.Errorf("Count(filter) = %d, want 1", n)
	}
}

func idsOf(records []models.Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID()
	}
	return ids
}

// TestTransaction_atomic verifies a failing body leaves every table untouched.
func TestTransaction_atomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.Transaction(ctx, ReadWrite, []models.Table{models.TableProjects, models.TableTasks}, func(tx *Tx) error {
		if _, err := tx.Add(models.TableProjects, models.Record{"id": "p1"}); err != nil {
			return err
		}
		if _, err := tx.Add(models.TableTasks, models.Record{"id": "t1", "projectId": "p1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction() = %v, want boom", err)
	}

	for _, table := range []models.Table{models.TableProjects, models.TableTasks} {
		if n, _ := s.Count(ctx, table, Query{}); n != 0 {
			t.Errorf("%s has %d rows after rollback", table, n)
		}
	}
}

// TestTransaction_scope verifies mode and table scoping.
func TestTransaction_scope(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Transaction(ctx, ReadOnly, []models.Table{models.TableTasks}, func(tx *Tx) error {
		_, err := tx.Add(models.TableTasks, models.Record{})
		return err
	})
	if !apperrors.IsType(err, apperrors.TypeTransaction) {
		t.Errorf("write in readonly = %v", err)
	}

	err = s.Transaction(ctx, ReadWrite, []models.Table{models.TableTasks}, func(tx *Tx) error {
		_, err := tx.Get(models.TableProjects, "p1")
		return err
	})
	if !apperrors.IsType(err, apperrors.TypeTransaction) {
		t.Errorf("out of scope read = %v", err)
	}

	if err := s.Transaction(ctx, ReadWrite, []models.Table{"widgets"}, func(*Tx) error { return nil }); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("unknown table = %v", err)
	}
}

// TestTransaction_concurrentTables verifies writers on different tables
// interleave safely.
func TestTransaction_concurrentTables(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for _, table := range []models.Table{models.TableTasks, models.TableLabels, models.TableComments} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(table models.Table) {
				defer wg.Done()
				if _, err := s.Add(ctx, table, models.Record{"name": "x"}); err != nil {
					t.Errorf("Add(%s) failed: %v", table, err)
				}
			}(table)
		}
	}
	wg.Wait()

	for _, table := range []models.Table{models.TableTasks, models.TableLabels, models.TableComments} {
		if n, _ := s.Count(ctx, table, Query{}); n != 10 {
			t.Errorf("%s count = %d, want 10", table, n)
		}
	}
}

// TestRemapID verifies the record is re-keyed and references follow.
func TestRemapID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Add(ctx, models.TableProjects, models.Record{"id": "tmp-p", "name": "Inbox"})
	s.Add(ctx, models.TableLabels, models.Record{"id": "l1"})
	s.Add(ctx, models.TableSections, models.Record{"id": "s1", "projectId": "tmp-p"})
	s.Add(ctx, models.TableTasks, models.Record{"id": "t1", "projectId": "tmp-p", "labelIds": []interface{}{"tmp-p", "l1"}})

	if err := s.RemapID(ctx, models.TableProjects, "tmp-p", "7"); err != nil {
		t.Fatalf("RemapID() failed: %v", err)
	}

	if _, err := s.Get(ctx, models.TableProjects, "tmp-p"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("old id still present: %v", err)
	}
	project, err := s.Get(ctx, models.TableProjects, "7")
	if err != nil || project.String("name") != "Inbox" {
		t.Errorf("Get(7) = %v, %v", project, err)
	}

	tasks, _ := s.Query(ctx, models.TableTasks, Where("projectId", "7"))
	if len(tasks) != 1 {
		t.Fatalf("tasks for project 7 = %d, want 1", len(tasks))
	}
	if diff := cmp.Diff([]interface{}{"7", "l1"}, tasks[0]["labelIds"]); diff != "" {
		t.Errorf("labelIds mismatch (-want +got):\n%s", diff)
	}
	sections, _ := s.Query(ctx, models.TableSections, Where("projectId", "7"))
	if len(sections) != 1 {
		t.Errorf("sections for project 7 = %d, want 1", len(sections))
	}
}

// TestRemapID_targetExists verifies an already stored server record wins.
func TestRemapID_targetExists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Add(ctx, models.TableTasks, models.Record{"id": "tmp-1", "content": "local"})
	s.Put(ctx, models.TableTasks, models.Record{"id": "42", "content": "server", "version": 1})

	if err := s.RemapID(ctx, models.TableTasks, "tmp-1", "42"); err != nil {
		t.Fatalf("RemapID() failed: %v", err)
	}
	if n, _ := s.Count(ctx, models.TableTasks, Query{}); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
	got, _ := s.Get(ctx, models.TableTasks, "42")
	if got.String("content") != "server" {
		t.Errorf("content = %q, want server", got.String("content"))
	}
}

// TestCheckHealth verifies the health summary.
func TestCheckHealth(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.Add(ctx, models.TableTasks, models.Record{})
	if _, err := s.DB().Exec(`INSERT INTO sync_queue (id, operation, table_name, record_id, status, created_at, updated_at)
		VALUES ('q1', 'create', 'tasks', 'x', 'pending', 1, 1)`); err != nil {
		t.Fatal(err)
	}

	h, err := s.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth() failed: %v", err)
	}
	if !h.Healthy || h.Integrity != "ok" || h.SchemaVersion != 4 {
		t.Errorf("health = %+v", h)
	}
	if h.Tables["tasks"] != 1 || h.QueueDepth != 1 {
		t.Errorf("tables = %v, queue = %d", h.Tables, h.QueueDepth)
	}
}

// TestOpen_blocked verifies a held data directory surfaces as blocked after
// the retry budget, and that Open migrates the schema.
func TestOpen_blocked(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{
		DB:    db.Options{DataDir: dir},
		Store: Options{BusyRetries: 1, BusyBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}

	first, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if _, err := Open(ctx, cfg); !apperrors.IsType(err, apperrors.TypeBlocked) {
		t.Errorf("second Open() = %v, want blocked", err)
	}

	h, err := first.CheckHealth(ctx)
	if err != nil || h.SchemaVersion != 4 {
		t.Errorf("CheckHealth() = %+v, %v", h, err)
	}
	first.Close()
}
