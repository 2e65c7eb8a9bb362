// Package app wires the local store, the sync core and the API together
// from a loaded configuration.
package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/tasknexus/backend/internal/api"
	"github.com/kimhsiao/tasknexus/backend/internal/config"
	"github.com/kimhsiao/tasknexus/backend/internal/db"
	"github.com/kimhsiao/tasknexus/backend/internal/logging"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
	"github.com/kimhsiao/tasknexus/backend/internal/services"
	"github.com/kimhsiao/tasknexus/backend/internal/store"
	syncpkg "github.com/kimhsiao/tasknexus/backend/internal/sync"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/conflict"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/queue"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/remote"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/scheduler"
)

// App holds every long-lived component of a running instance.
type App struct {
	Config    *config.Config
	Store     *store.Store
	Repo      *db.Repository
	Queue     *queue.SyncQueue
	Remote    remote.Authority
	Engine    *syncpkg.Engine
	Scheduler *scheduler.Scheduler
	Commands  *services.CommandService
	Hub       *api.WSHub
}

// New opens the local store under cfg.DataDir and builds the sync core.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := store.Open(ctx, store.Config{
		DB: db.Options{
			DataDir: cfg.DataDir,
			File:    cfg.Storage.File,
			Driver:  cfg.Storage.Driver,
		},
		Store: store.Options{
			BusyRetries: cfg.Storage.BusyRetries,
			BusyBackoff: cfg.Storage.BusyBackoff,
		},
	})
	if err != nil {
		return nil, err
	}

	a, err := build(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, st *store.Store) (*App, error) {
	repo := db.NewRepository(st.DB())

	q := queue.NewSyncQueue(repo, queue.Options{
		MaxSize:     cfg.Sync.MaxQueueSize,
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseBackoff: cfg.Sync.BaseBackoff,
		MaxBackoff:  cfg.Sync.MaxBackoff,
	})
	if err := q.Load(ctx); err != nil {
		return nil, err
	}

	authority, err := NewAuthority(cfg.Remote)
	if err != nil {
		return nil, err
	}

	hub := api.NewWSHub(cfg.Server.AllowedOrigins)
	resolver := conflict.NewResolver(
		conflict.ParseStrategy(cfg.Sync.ConflictStrategy),
		conflict.WithCompletionPolicy(conflict.CompletionPolicy(cfg.Sync.CompletionPolicy)),
	)
	engine := syncpkg.NewEngine(syncpkg.Deps{
		Store:    st,
		Queue:    q,
		Remote:   authority,
		Resolver: resolver,
		Repo:     repo,
		Sink:     hub,
	}, syncpkg.Options{ReplayTimeout: cfg.Sync.ReplayTimeout})
	if err := engine.Init(ctx); err != nil {
		hub.Close()
		return nil, err
	}

	sched := scheduler.NewScheduler(engine, authority, &scheduler.SchedulerConfig{
		SyncInterval:  cfg.Sync.PollInterval,
		ProbeInterval: cfg.Sync.ProbeInterval,
		Trigger:       q.Enqueued(),
	})

	commands := services.NewCommandService(st, engine, authority, sched, &services.CommandConfig{
		RequestTimeout: cfg.Remote.Timeout,
	})
	commands.SetEventCallbacks(
		func(item string, table models.Table, recordID string) {
			hub.Broadcast(api.EventQueueEnqueued, map[string]interface{}{
				"item":      item,
				"table":     string(table),
				"record_id": recordID,
			})
		},
		func(err error) {
			hub.Broadcast(api.EventConnectivityChanged, map[string]interface{}{
				"online": false,
				"error":  err.Error(),
			})
		},
	)

	return &App{
		Config:    cfg,
		Store:     st,
		Repo:      repo,
		Queue:     q,
		Remote:    authority,
		Engine:    engine,
		Scheduler: sched,
		Commands:  commands,
		Hub:       hub,
	}, nil
}

// NewAuthority builds the remote authority client selected by cfg.Mode.
func NewAuthority(cfg config.RemoteConfig) (remote.Authority, error) {
	switch cfg.Mode {
	case "mock", "":
		return remote.NewMockAuthority(cfg.MockLatency), nil
	case "http":
		return remote.NewHTTPAuthority(remote.HTTPConfig{
			BaseURL: cfg.BaseURL,
			Token:   cfg.Token,
			Timeout: cfg.Timeout,
		}), nil
	}
	return nil, fmt.Errorf("unknown remote mode %q", cfg.Mode)
}

// Server builds the API server for this instance.
func (a *App) Server(service string) *api.Server {
	return api.NewServer(api.Deps{
		Engine:    a.Engine,
		Scheduler: a.Scheduler,
		Commands:  a.Commands,
		Hub:       a.Hub,
	}, a.Config.Server.AllowedOrigins, service)
}

// Serve runs the background scheduler and the API server until ctx is
// cancelled or either fails.
func (a *App) Serve(ctx context.Context, service string) error {
	g, gctx := errgroup.WithContext(ctx)

	a.Scheduler.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		a.Scheduler.Stop()
		return nil
	})
	g.Go(func() error {
		return a.Server(service).Run(gctx, a.Config.Server.Addr)
	})

	err := g.Wait()
	logging.Info("Shutdown complete", map[string]interface{}{"service": service})
	return err
}

// Close releases the store and stops the event hub.
func (a *App) Close() error {
	a.Hub.Close()
	if err := a.Repo.Close(); err != nil {
		logging.Warn("Failed to close prepared statements", map[string]interface{}{"error": err.Error()})
	}
	return a.Store.Close()
}
