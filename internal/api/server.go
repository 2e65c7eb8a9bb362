// Package api exposes the sync core over a local HTTP and WebSocket API.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/tasknexus/backend/internal/logging"
	"github.com/kimhsiao/tasknexus/backend/internal/services"
	syncpkg "github.com/kimhsiao/tasknexus/backend/internal/sync"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/scheduler"
)

// Deps are the components the API serves.
type Deps struct {
	Engine    *syncpkg.Engine
	Scheduler *scheduler.Scheduler
	Commands  *services.CommandService
	Hub       *WSHub
}

// Server is the local API server.
type Server struct {
	engine   *syncpkg.Engine
	sched    *scheduler.Scheduler
	commands *services.CommandService
	hub      *WSHub
	router   *gin.Engine
	service  string
}

// NewServer builds the router. service names the binary in /api/health.
func NewServer(deps Deps, allowedOrigins []string, service string) *Server {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	if len(allowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: allowedOrigins,
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	s := &Server{
		engine:   deps.Engine,
		sched:    deps.Scheduler,
		commands: deps.Commands,
		hub:      deps.Hub,
		router:   r,
		service:  service,
	}

	api := r.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/db/health", s.handleDBHealth)
		api.POST("/connectivity", s.handleConnectivity)

		sync := api.Group("/sync")
		sync.GET("/status", s.handleSyncStatus)
		sync.GET("/pending", s.handlePending)
		sync.GET("/conflicts", s.handleConflicts)
		sync.POST("/run", s.handleSyncRun)
		sync.POST("/queue/retry", s.handleRetryAll)
		sync.POST("/queue/:id/retry", s.handleRetry)
		sync.DELETE("/queue/:id", s.handleDismiss)

		tables := api.Group("/tables/:table")
		tables.GET("", s.handleList)
		tables.POST("", s.handleCreate)
		tables.POST("/pull", s.handlePull)
		tables.GET("/:id", s.handleGet)
		tables.PUT("/:id", s.handleUpdate)
		tables.DELETE("/:id", s.handleDelete)
	}

	if s.hub != nil {
		r.GET("/ws", gin.WrapF(s.hub.ServeWS))
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("API server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if s.hub != nil {
			s.hub.Close()
		}
		return srv.Shutdown(shutdownCtx)
	}
}

// requestLogger logs one line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("HTTP request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Milliseconds(),
		})
	}
}
