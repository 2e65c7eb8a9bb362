package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
	"github.com/kimhsiao/tasknexus/backend/internal/services"
	"github.com/kimhsiao/tasknexus/backend/internal/store"
)

// envelope is the response body of every endpoint.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := envelope{Message: err.Error()}
	if appErr, found := apperrors.As(err); found {
		status = statusFor(appErr.Code)
		body.Data = gin.H{"code": appErr.Code, "details": appErr.Details}
	}
	c.JSON(status, body)
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrDuplicate, apperrors.ErrConstraint, apperrors.ErrSyncConflict:
		return http.StatusConflict
	case apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrQueueFull, apperrors.ErrQuotaExceeded:
		return http.StatusInsufficientStorage
	case apperrors.ErrSyncOffline, apperrors.ErrDatabaseBlocked, apperrors.ErrSyncNotConfigured:
		return http.StatusServiceUnavailable
	case apperrors.ErrSyncTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrSyncFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"status": "ok", "service": s.service})
}

func (s *Server) handleDBHealth(c *gin.Context) {
	health, err := s.engine.CheckDatabaseHealth(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, envelope{Success: health.Healthy, Data: health})
}

func (s *Server) handleConnectivity(c *gin.Context) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Online == nil {
		fail(c, apperrors.New(apperrors.ErrInvalid, "body must be {\"online\": bool}"))
		return
	}
	s.sched.SetOnlineStatus(*body.Online)
	if s.hub != nil {
		s.hub.Broadcast(EventConnectivityChanged, map[string]interface{}{"online": *body.Online})
	}
	ok(c, http.StatusOK, s.sched.GetStatus())
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{
		"sync":      s.engine.GetSyncStatus(),
		"state":     s.engine.State(),
		"scheduler": s.sched.GetStatus(),
	})
}

func (s *Server) handlePending(c *gin.Context) {
	items := s.engine.GetPendingOperations()
	if items == nil {
		ok(c, http.StatusOK, []interface{}{})
		return
	}
	ok(c, http.StatusOK, items)
}

func (s *Server) handleConflicts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	logs, err := s.engine.ConflictLogs(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, logs)
}

func (s *Server) handleSyncRun(c *gin.Context) {
	result, err := s.sched.SyncNow(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, result)
}

func (s *Server) handleRetryAll(c *gin.Context) {
	n, err := s.engine.Queue().RetryAll(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	s.refresh(c)
	ok(c, http.StatusOK, gin.H{"retried": n})
}

func (s *Server) handleRetry(c *gin.Context) {
	if err := s.engine.Queue().Retry(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	s.refresh(c)
	ok(c, http.StatusOK, gin.H{"retried": 1})
}

func (s *Server) handleDismiss(c *gin.Context) {
	if err := s.engine.Queue().Dismiss(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	s.refresh(c)
	ok(c, http.StatusOK, gin.H{"dismissed": c.Param("id")})
}

// refresh persists recomputed counters after a manual queue change.
func (s *Server) refresh(c *gin.Context) {
	_ = s.engine.RefreshStatus(c.Request.Context())
}

// table parses the :table parameter, writing the error response itself.
func table(c *gin.Context) (models.Table, bool) {
	t, err := models.ParseTable(c.Param("table"))
	if err != nil {
		fail(c, apperrors.Wrap(apperrors.ErrInvalid, "unknown table", err))
		return "", false
	}
	return t, true
}

// listQuery turns query parameters into a store query. Parameters other than
// the paging and sorting ones select on indexed fields.
func listQuery(c *gin.Context) store.Query {
	q := store.Query{SortBy: c.Query("sort")}
	q.Desc = c.Query("desc") == "true"
	q.Limit, _ = strconv.Atoi(c.Query("limit"))
	q.Offset, _ = strconv.Atoi(c.Query("offset"))

	for key, values := range c.Request.URL.Query() {
		switch key {
		case "sort", "desc", "limit", "offset":
			continue
		}
		if q.Where == nil {
			q.Where = make(map[string]interface{})
		}
		q.Where[key] = values[0]
	}
	return q
}

func (s *Server) handleList(c *gin.Context) {
	t, valid := table(c)
	if !valid {
		return
	}
	records, err := s.commands.List(c.Request.Context(), t, listQuery(c))
	if err != nil {
		fail(c, err)
		return
	}
	if records == nil {
		records = []models.Record{}
	}
	ok(c, http.StatusOK, records)
}

func (s *Server) handleGet(c *gin.Context) {
	t, valid := table(c)
	if !valid {
		return
	}
	rec, err := s.commands.Get(c.Request.Context(), t, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, rec)
}

func bindRecord(c *gin.Context) (models.Record, bool) {
	var rec models.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		fail(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid json body", err))
		return nil, false
	}
	return rec, true
}

// written answers 202 when the mutation only reached the queue.
func written(c *gin.Context, result *services.CommandResult, direct int) {
	if result.Queued {
		ok(c, http.StatusAccepted, result)
		return
	}
	ok(c, direct, result)
}

func (s *Server) handleCreate(c *gin.Context) {
	t, valid := table(c)
	if !valid {
		return
	}
	rec, valid := bindRecord(c)
	if !valid {
		return
	}
	result, err := s.commands.Create(c.Request.Context(), t, rec)
	if err != nil {
		fail(c, err)
		return
	}
	written(c, result, http.StatusCreated)
}

func (s *Server) handleUpdate(c *gin.Context) {
	t, valid := table(c)
	if !valid {
		return
	}
	rec, valid := bindRecord(c)
	if !valid {
		return
	}
	result, err := s.commands.Update(c.Request.Context(), t, c.Param("id"), rec)
	if err != nil {
		fail(c, err)
		return
	}
	written(c, result, http.StatusOK)
}

func (s *Server) handleDelete(c *gin.Context) {
	t, valid := table(c)
	if !valid {
		return
	}
	result, err := s.commands.Delete(c.Request.Context(), t, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	written(c, result, http.StatusOK)
}

func (s *Server) handlePull(c *gin.Context) {
	t, valid := table(c)
	if !valid {
		return
	}
	result, err := s.commands.Pull(c.Request.Context(), t)
	if err != nil {
		fail(c, err)
		return
	}
	written(c, result, http.StatusAccepted)
}
