package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tasknexus/backend/internal/db"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
	"github.com/kimhsiao/tasknexus/backend/internal/services"
	"github.com/kimhsiao/tasknexus/backend/internal/store"
	syncpkg "github.com/kimhsiao/tasknexus/backend/internal/sync"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/conflict"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/queue"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/remote"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/scheduler"
	"github.com/kimhsiao/tasknexus/backend/internal/uuid"
)

type testAPI struct {
	server *Server
	mock   *remote.MockAuthority
	sched  *scheduler.Scheduler
	hub    *WSHub
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()

	handle, err := db.OpenMemory(ctx, db.DriverModernc)
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })
	_, err = db.Migrate(ctx, handle.DB)
	require.NoError(t, err)

	repo := db.NewRepository(handle.DB)
	st := store.New(handle.DB, store.DefaultOptions())
	mock := remote.NewMockAuthority(0)
	hub := NewWSHub(nil)
	t.Cleanup(hub.Close)

	engine := syncpkg.NewEngine(syncpkg.Deps{
		Store:    st,
		Queue:    queue.NewSyncQueue(repo, queue.DefaultOptions()),
		Remote:   mock,
		Resolver: conflict.NewResolver(conflict.ResolutionStrategyRemoteWins),
		Repo:     repo,
		Sink:     hub,
	}, syncpkg.Options{})
	require.NoError(t, engine.Init(ctx))

	sched := scheduler.NewScheduler(engine, mock, nil)
	commands := services.NewCommandService(st, engine, mock, sched, nil)

	return &testAPI{
		server: NewServer(Deps{Engine: engine, Scheduler: sched, Commands: commands, Hub: hub}, []string{"http://localhost:3000"}, "tasknexus-test"),
		mock:   mock,
		sched:  sched,
		hub:    hub,
	}
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) (int, response) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(w, req)

	var resp response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestHealth(t *testing.T) {
	a := setupAPI(t)

	code, resp := a.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Contains(t, string(resp.Data), "tasknexus-test")
}

func TestDBHealth(t *testing.T) {
	a := setupAPI(t)

	code, resp := a.do(t, http.MethodGet, "/api/db/health", nil)
	require.Equal(t, http.StatusOK, code)

	var health store.Health
	require.NoError(t, json.Unmarshal(resp.Data, &health))
	assert.True(t, health.Healthy)
	assert.Greater(t, health.SchemaVersion, 0)
}

func TestCreate_onlineAndGet(t *testing.T) {
	a := setupAPI(t)

	code, resp := a.do(t, http.MethodPost, "/api/tables/projects", map[string]interface{}{"name": "Inbox"})
	require.Equal(t, http.StatusCreated, code, resp.Message)

	var result services.CommandResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.False(t, result.Queued)
	assert.Equal(t, "1", result.Record.ID())

	code, resp = a.do(t, http.MethodGet, "/api/tables/projects/1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), "Inbox")
}

func TestOfflineFlow(t *testing.T) {
	a := setupAPI(t)

	code, _ := a.do(t, http.MethodPost, "/api/connectivity", map[string]bool{"online": false})
	require.Equal(t, http.StatusOK, code)

	code, resp := a.do(t, http.MethodPost, "/api/tables/tasks", map[string]interface{}{"content": "write report"})
	require.Equal(t, http.StatusAccepted, code)
	var result services.CommandResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	tmpID := result.Record.ID()
	assert.True(t, uuid.LooksTemporary(tmpID))

	code, resp = a.do(t, http.MethodGet, "/api/sync/pending", nil)
	require.Equal(t, http.StatusOK, code)
	var pending []*queue.QueueItem
	require.NoError(t, json.Unmarshal(resp.Data, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, queue.OperationCreate, pending[0].Operation)

	code, resp = a.do(t, http.MethodPost, "/api/sync/run", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, resp.Success)

	a.do(t, http.MethodPost, "/api/connectivity", map[string]bool{"online": true})
	code, resp = a.do(t, http.MethodPost, "/api/sync/run", nil)
	require.Equal(t, http.StatusOK, code, resp.Message)
	var drain syncpkg.DrainResult
	require.NoError(t, json.Unmarshal(resp.Data, &drain))
	assert.Equal(t, 1, drain.Completed)

	code, resp = a.do(t, http.MethodGet, "/api/tables/tasks/"+tmpID, nil)
	require.Equal(t, http.StatusOK, code)
	var rec models.Record
	require.NoError(t, json.Unmarshal(resp.Data, &rec))
	assert.Equal(t, "1", rec.ID())
	assert.NotNil(t, a.mock.Record(models.TableTasks, "1"))
}

func TestSyncStatus(t *testing.T) {
	a := setupAPI(t)

	code, resp := a.do(t, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, code)

	var body struct {
		Sync      models.SyncStatus         `json:"sync"`
		State     string                    `json:"state"`
		Scheduler scheduler.SchedulerStatus `json:"scheduler"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	assert.Equal(t, "idle", body.State)
	assert.True(t, body.Scheduler.IsOnline)
	assert.Zero(t, body.Sync.PendingOperations)
}

func TestQueueManagement(t *testing.T) {
	a := setupAPI(t)
	a.sched.SetOnlineStatus(false)

	_, resp := a.do(t, http.MethodPost, "/api/tables/labels", map[string]interface{}{"name": "later"})
	var result services.CommandResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))

	code, _ := a.do(t, http.MethodPost, "/api/sync/queue/"+result.QueueID+"/retry", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = a.do(t, http.MethodPost, "/api/sync/queue/retry", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = a.do(t, http.MethodDelete, "/api/sync/queue/"+result.QueueID, nil)
	assert.Equal(t, http.StatusOK, code)

	code, resp = a.do(t, http.MethodDelete, "/api/sync/queue/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, resp.Success)
}

func TestErrors(t *testing.T) {
	a := setupAPI(t)

	code, _ := a.do(t, http.MethodGet, "/api/tables/widgets", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodGet, "/api/tables/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = a.do(t, http.MethodPost, "/api/connectivity", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodGet, "/api/tables/tasks?content=x", nil)
	assert.Equal(t, http.StatusBadRequest, code, "content is not an indexed field")
}

func TestListByIndex(t *testing.T) {
	a := setupAPI(t)

	a.do(t, http.MethodPost, "/api/tables/tasks", map[string]interface{}{"content": "a", "projectId": "p1"})
	a.do(t, http.MethodPost, "/api/tables/tasks", map[string]interface{}{"content": "b", "projectId": "p2"})

	code, resp := a.do(t, http.MethodGet, "/api/tables/tasks?projectId=p1", nil)
	require.Equal(t, http.StatusOK, code)
	var records []models.Record
	require.NoError(t, json.Unmarshal(resp.Data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].String("content"))
}

func TestWebSocketEvents(t *testing.T) {
	a := setupAPI(t)
	ts := httptest.NewServer(a.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{syncpkg.EventSyncCompleted},
	}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	a.hub.Broadcast(syncpkg.EventSyncStarted, map[string]interface{}{"status": "started"})
	a.hub.Broadcast(syncpkg.EventSyncCompleted, map[string]interface{}{"status": "completed"})

	var env WSEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, syncpkg.EventSyncCompleted, env.Type, "unsubscribed events are filtered")
	assert.Equal(t, "completed", env.Data["status"])
}

func TestWebSocketOrigin(t *testing.T) {
	a := setupAPI(t)
	ts := httptest.NewServer(a.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
