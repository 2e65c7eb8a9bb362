// Package queue provides unit tests for the offline mutation queue.
package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kimhsiao/tasknexus/backend/internal/db"
	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
)

// setupRepo opens a migrated in-memory database.
func setupRepo(t *testing.T) *db.Repository {
	t.Helper()
	ctx := context.Background()
	handle, err := db.OpenMemory(ctx, db.DriverModernc)
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { handle.Close() })
	if _, err := db.Migrate(ctx, handle.DB); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	repo := db.NewRepository(handle.DB)
	t.Cleanup(func() { repo.Close() })
	return repo
}

type clock struct{ t time.Time }

func newClock() *clock { return &clock{t: time.UnixMilli(1_700_000_000_000)} }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newQueue(t *testing.T, opts Options) (*SyncQueue, *db.Repository, *clock) {
	t.Helper()
	repo := setupRepo(t)
	c := newClock()
	q := NewSyncQueue(repo, opts)
	q.now = c.now
	return q, repo, c
}

func mustEnqueue(t *testing.T, q *SyncQueue, op Operation, id string, payload models.Record) string {
	t.Helper()
	itemID, err := q.Enqueue(context.Background(), op, models.TableTasks, id, payload)
	if err != nil {
		t.Fatalf("Enqueue(%s %s) failed: %v", op, id, err)
	}
	return itemID
}

func ids(items []*QueueItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.RecordID
	}
	return out
}

// TestSyncQueue_Enqueue verifies new items start pending with a fresh budget.
func TestSyncQueue_Enqueue(t *testing.T) {
	q, _, _ := newQueue(t, Options{})

	id := mustEnqueue(t, q, OperationCreate, "tmp-1", models.Record{"id": "tmp-1", "content": "Buy milk"})

	item, err := q.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item.Status != QueueStatusPending {
		t.Errorf("Status = %s, want pending", item.Status)
	}
	if item.Attempts != 0 || item.MaxAttempts != 3 {
		t.Errorf("Attempts/MaxAttempts = %d/%d, want 0/3", item.Attempts, item.MaxAttempts)
	}
	if item.Seq == 0 {
		t.Error("Seq should be assigned by durable storage")
	}
}

// TestSyncQueue_Enqueue_invalid verifies malformed mutations are rejected.
func TestSyncQueue_Enqueue_invalid(t *testing.T) {
	q, _, _ := newQueue(t, Options{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "upsert", models.TableTasks, "1", nil); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("unknown operation err = %v, want INVALID_INPUT", err)
	}
	if _, err := q.Enqueue(ctx, OperationCreate, "widgets", "1", nil); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("unknown table err = %v, want INVALID_INPUT", err)
	}
	if _, err := q.Enqueue(ctx, OperationUpdate, models.TableTasks, "", nil); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("missing id err = %v, want INVALID_INPUT", err)
	}

	id, err := q.Enqueue(ctx, OperationSync, models.TableTasks, "", nil)
	if err != nil {
		t.Fatalf("sync Enqueue failed: %v", err)
	}
	item, _ := q.Get(id)
	if item.RecordID != AllRecords {
		t.Errorf("sync RecordID = %q, want %q", item.RecordID, AllRecords)
	}
}

// TestSyncQueue_full verifies the capacity limit ignores completed items.
func TestSyncQueue_full(t *testing.T) {
	q, _, _ := newQueue(t, Options{MaxSize: 2})
	ctx := context.Background()

	first := mustEnqueue(t, q, OperationUpdate, "1", nil)
	mustEnqueue(t, q, OperationUpdate, "2", nil)

	if _, err := q.Enqueue(ctx, OperationUpdate, models.TableTasks, "3", nil); !apperrors.Is(err, apperrors.ErrQueueFull) {
		t.Fatalf("err = %v, want QUEUE_FULL", err)
	}

	if err := q.MarkCompleted(ctx, first); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, OperationUpdate, models.TableTasks, "3", nil); err != nil {
		t.Errorf("Enqueue after completion failed: %v", err)
	}
}

// TestSyncQueue_DequeuePending_order verifies FIFO order.
func TestSyncQueue_DequeuePending_order(t *testing.T) {
	q, _, _ := newQueue(t, Options{})

	for _, id := range []string{"a", "b", "c", "d"} {
		mustEnqueue(t, q, OperationUpdate, id, nil)
	}

	got := ids(q.DequeuePending())
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("DequeuePending = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d = %s, want %s", i, got[i], want[i])
		}
	}
}

// TestSyncQueue_DequeuePending_copies verifies callers cannot mutate queued state.
func TestSyncQueue_DequeuePending_copies(t *testing.T) {
	q, _, _ := newQueue(t, Options{})
	mustEnqueue(t, q, OperationUpdate, "1", models.Record{"content": "a"})

	items := q.DequeuePending()
	items[0].Status = QueueStatusCompleted
	items[0].Payload["content"] = "b"

	again := q.DequeuePending()
	if len(again) != 1 || again[0].Payload.String("content") != "a" {
		t.Errorf("queue state was mutated through a dequeued copy: %+v", again)
	}
}

// TestSyncQueue_DequeuePending_holdBack verifies items behind a backing-off
// item on the same or a referenced record are held back.
func TestSyncQueue_DequeuePending_holdBack(t *testing.T) {
	q, _, _ := newQueue(t, Options{BaseBackoff: time.Second})
	ctx := context.Background()

	create := mustEnqueue(t, q, OperationCreate, "tmp-p", models.Record{"id": "tmp-p"})
	mustEnqueue(t, q, OperationUpdate, "tmp-p", models.Record{"content": "renamed"})
	mustEnqueue(t, q, OperationCreate, "tmp-t", models.Record{"id": "tmp-t", "parentTaskId": "tmp-p"})
	mustEnqueue(t, q, OperationUpdate, "other", nil)

	if err := q.MarkFailed(ctx, create, errors.New("offline")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	got := ids(q.DequeuePending())
	if len(got) != 1 || got[0] != "other" {
		t.Errorf("DequeuePending = %v, want [other]", got)
	}
}

// TestSyncQueue_MarkFailed verifies each replay counts one attempt and
// schedules a backoff.
func TestSyncQueue_MarkFailed(t *testing.T) {
	q, _, c := newQueue(t, Options{BaseBackoff: time.Second, MaxBackoff: time.Minute})
	ctx := context.Background()
	id := mustEnqueue(t, q, OperationUpdate, "1", nil)

	if err := q.MarkFailed(ctx, id, errors.New("HTTP 500")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	item, _ := q.Get(id)
	if item.Status != QueueStatusFailed || item.Attempts != 1 {
		t.Errorf("status/attempts = %s/%d, want failed/1", item.Status, item.Attempts)
	}
	if item.LastError != "HTTP 500" {
		t.Errorf("LastError = %q", item.LastError)
	}
	if want := c.now().Add(2 * time.Second).UnixMilli(); item.NextRetryAt != want {
		t.Errorf("NextRetryAt = %d, want %d", item.NextRetryAt, want)
	}
	if len(q.DequeuePending()) != 0 {
		t.Error("item should not be ready during backoff")
	}

	c.advance(2 * time.Second)
	if len(q.DequeuePending()) != 1 {
		t.Error("item should be ready once backoff elapses")
	}
}

// TestSyncQueue_retryCeiling verifies exhausted items leave the pending count
// and enter the failed count.
func TestSyncQueue_retryCeiling(t *testing.T) {
	q, _, _ := newQueue(t, Options{MaxAttempts: 2})
	ctx := context.Background()
	id := mustEnqueue(t, q, OperationUpdate, "1", nil)
	mustEnqueue(t, q, OperationUpdate, "2", nil)

	for i := 0; i < 2; i++ {
		if err := q.MarkFailed(ctx, id, errors.New("boom")); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
	}

	item, _ := q.Get(id)
	if !item.Exhausted() {
		t.Fatalf("item should be exhausted after %d attempts", item.Attempts)
	}
	if got := q.PendingCount(); got != 1 {
		t.Errorf("PendingCount = %d, want 1", got)
	}
	if got := q.FailedCount(); got != 1 {
		t.Errorf("FailedCount = %d, want 1", got)
	}
	if got := ids(q.DequeuePending()); len(got) != 1 || got[0] != "2" {
		t.Errorf("DequeuePending = %v, want [2]", got)
	}
}

// TestSyncQueue_MarkCompleted verifies completion counts the attempt.
func TestSyncQueue_MarkCompleted(t *testing.T) {
	q, _, _ := newQueue(t, Options{})
	ctx := context.Background()
	id := mustEnqueue(t, q, OperationDelete, "1", nil)

	if err := q.MarkCompleted(ctx, id); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	item, _ := q.Get(id)
	if item.Status != QueueStatusCompleted || item.Attempts != 1 {
		t.Errorf("status/attempts = %s/%d, want completed/1", item.Status, item.Attempts)
	}
	if err := q.MarkCompleted(ctx, "missing"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("missing err = %v, want NOT_FOUND", err)
	}
}

// TestSyncQueue_Remap verifies temporary ids are rewritten in unfinished items.
func TestSyncQueue_Remap(t *testing.T) {
	q, _, _ := newQueue(t, Options{})
	ctx := context.Background()

	create := mustEnqueue(t, q, OperationCreate, "tmp-1", models.Record{"id": "tmp-1"})
	update := mustEnqueue(t, q, OperationUpdate, "tmp-1", models.Record{"id": "tmp-1", "content": "x"})
	child := mustEnqueue(t, q, OperationCreate, "tmp-2", models.Record{"id": "tmp-2", "parentTaskId": "tmp-1"})

	if err := q.MarkCompleted(ctx, create); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	n, err := q.Remap(ctx, "tmp-1", "42")
	if err != nil {
		t.Fatalf("Remap failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Remap changed %d items, want 2", n)
	}

	u, _ := q.Get(update)
	if u.RecordID != "42" || u.Payload.ID() != "42" {
		t.Errorf("update = %s/%s, want 42/42", u.RecordID, u.Payload.ID())
	}
	c, _ := q.Get(child)
	if c.Payload.String("parentTaskId") != "42" {
		t.Errorf("child parentTaskId = %q, want 42", c.Payload.String("parentTaskId"))
	}
	done, _ := q.Get(create)
	if done.RecordID != "tmp-1" {
		t.Error("completed items must not be rewritten")
	}
}

// TestSyncQueue_Load verifies the queue survives a restart in order.
func TestSyncQueue_Load(t *testing.T) {
	q, repo, _ := newQueue(t, Options{BaseBackoff: time.Second})
	ctx := context.Background()

	first := mustEnqueue(t, q, OperationCreate, "tmp-1", models.Record{"id": "tmp-1", "priority": 2})
	mustEnqueue(t, q, OperationUpdate, "7", nil)
	if err := q.MarkFailed(ctx, first, errors.New("timeout")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	restarted := NewSyncQueue(repo, Options{})
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	items := restarted.List()
	if len(items) != 2 {
		t.Fatalf("List = %d items, want 2", len(items))
	}
	if items[0].ID != first || items[1].RecordID != "7" {
		t.Errorf("order = %v, want [tmp-1 7]", ids(items))
	}
	if items[0].Attempts != 1 || items[0].LastError != "timeout" {
		t.Errorf("restored item = %+v", items[0])
	}
	if items[0].Payload.Int("priority") != 2 {
		t.Errorf("priority = %v, want 2", items[0].Payload["priority"])
	}
}

// TestSyncQueue_RetryAndDismiss verifies manual recovery of exhausted items.
func TestSyncQueue_RetryAndDismiss(t *testing.T) {
	q, _, _ := newQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()
	a := mustEnqueue(t, q, OperationUpdate, "a", nil)
	b := mustEnqueue(t, q, OperationUpdate, "b", nil)
	c := mustEnqueue(t, q, OperationUpdate, "c", nil)

	for _, id := range []string{a, b, c} {
		if err := q.MarkFailed(ctx, id, errors.New("boom")); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
	}
	if got := q.FailedCount(); got != 3 {
		t.Fatalf("FailedCount = %d, want 3", got)
	}

	if err := q.Retry(ctx, a); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	item, _ := q.Get(a)
	if item.Status != QueueStatusPending || item.Attempts != 0 {
		t.Errorf("retried item = %s/%d, want pending/0", item.Status, item.Attempts)
	}

	if err := q.Dismiss(ctx, b); err != nil {
		t.Fatalf("Dismiss failed: %v", err)
	}
	if _, err := q.Get(b); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("dismissed item still present: %v", err)
	}

	n, err := q.RetryAll(ctx)
	if err != nil {
		t.Fatalf("RetryAll failed: %v", err)
	}
	if n != 1 {
		t.Errorf("RetryAll reset %d, want 1", n)
	}
	if got := q.PendingCount(); got != 2 {
		t.Errorf("PendingCount = %d, want 2", got)
	}
}

// TestSyncQueue_PurgeCompleted verifies completed items are removed durably.
func TestSyncQueue_PurgeCompleted(t *testing.T) {
	q, repo, _ := newQueue(t, Options{})
	ctx := context.Background()
	a := mustEnqueue(t, q, OperationUpdate, "a", nil)
	mustEnqueue(t, q, OperationUpdate, "b", nil)

	if err := q.MarkCompleted(ctx, a); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	n, err := q.PurgeCompleted(ctx)
	if err != nil {
		t.Fatalf("PurgeCompleted failed: %v", err)
	}
	if n != 1 || q.Size() != 1 {
		t.Errorf("purged %d, size %d; want 1, 1", n, q.Size())
	}

	rows, err := repo.ListQueueItems(ctx)
	if err != nil {
		t.Fatalf("ListQueueItems failed: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("persisted rows = %d, want 1", len(rows))
	}
}

// TestSyncQueue_Stats verifies per-state counts and HasOutstanding.
func TestSyncQueue_Stats(t *testing.T) {
	q, _, _ := newQueue(t, Options{MaxAttempts: 2})
	ctx := context.Background()
	a := mustEnqueue(t, q, OperationUpdate, "a", nil)
	b := mustEnqueue(t, q, OperationUpdate, "b", nil)
	mustEnqueue(t, q, OperationUpdate, "c", nil)

	q.MarkCompleted(ctx, a)
	q.MarkFailed(ctx, b, errors.New("x"))

	want := Stats{Total: 3, Pending: 1, Failed: 1, Completed: 1}
	if got := q.Stats(); got != want {
		t.Errorf("Stats = %+v, want %+v", got, want)
	}
	if q.HasOutstanding("a") {
		t.Error("completed record should not be outstanding")
	}
	if !q.HasOutstanding("x", "b") {
		t.Error("failed record should be outstanding")
	}
}

// TestSyncQueue_HasPendingCreate verifies only unfinished creates count,
// whatever the shape of the record id.
func TestSyncQueue_HasPendingCreate(t *testing.T) {
	q, _, _ := newQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()
	created := mustEnqueue(t, q, OperationCreate, "temp-1", nil)
	mustEnqueue(t, q, OperationUpdate, "7", nil)
	exhausted := mustEnqueue(t, q, OperationCreate, "draft", nil)

	if !q.HasPendingCreate("x", "temp-1") {
		t.Error("queued create should be pending")
	}
	if q.HasPendingCreate("7") {
		t.Error("an update is not a pending create")
	}

	q.MarkFailed(ctx, exhausted, errors.New("x"))
	if !q.HasPendingCreate("draft") {
		t.Error("exhausted create has still not reached the server")
	}

	q.MarkCompleted(ctx, created)
	if q.HasPendingCreate("temp-1") {
		t.Error("completed create should not be pending")
	}
}

// TestSyncQueue_Enqueued verifies the enqueue signal.
func TestSyncQueue_Enqueued(t *testing.T) {
	q, _, _ := newQueue(t, Options{})
	mustEnqueue(t, q, OperationUpdate, "a", nil)

	select {
	case <-q.Enqueued():
	default:
		t.Error("Enqueued() should signal after Enqueue")
	}
}

// TestCalculateBackoff verifies exponential growth and the cap.
func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		base     time.Duration
		want     time.Duration
	}{
		{1, 0, 0},
		{1, time.Second, 2 * time.Second},
		{3, time.Second, 8 * time.Second},
		{10, time.Second, time.Minute},
		{64, time.Second, time.Minute},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.attempts, tt.base, time.Minute); got != tt.want {
			t.Errorf("calculateBackoff(%d, %v) = %v, want %v", tt.attempts, tt.base, got, tt.want)
		}
	}
}

// TestSyncQueue_Rebase verifies base versions only move forward.
func TestSyncQueue_Rebase(t *testing.T) {
	q, _, _ := newQueue(t, Options{})
	ctx := context.Background()
	a := mustEnqueue(t, q, OperationUpdate, "7", models.Record{"id": "7", "version": int64(1)})
	b := mustEnqueue(t, q, OperationUpdate, "7", models.Record{"id": "7", "version": int64(5)})
	mustEnqueue(t, q, OperationUpdate, "8", models.Record{"id": "8", "version": int64(1)})

	n, err := q.Rebase(ctx, "7", 3)
	if err != nil {
		t.Fatalf("Rebase failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Rebase changed %d, want 1", n)
	}
	if item, _ := q.Get(a); item.Payload.Version() != 3 {
		t.Errorf("a version = %d, want 3", item.Payload.Version())
	}
	if item, _ := q.Get(b); item.Payload.Version() != 5 {
		t.Errorf("b version = %d, want 5", item.Payload.Version())
	}
}
