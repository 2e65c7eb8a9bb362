// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libtasknexus.so (Android) / tasknexus.framework (iOS)
//
// Every call takes and returns JSON strings shaped as the local API's
// {success, message, data} envelope.
package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kimhsiao/tasknexus/backend/internal/app"
	"github.com/kimhsiao/tasknexus/backend/internal/config"
	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/logging"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
	"github.com/kimhsiao/tasknexus/backend/internal/store"
)

// bridge owns the single instance a host process talks to.
type bridge struct {
	mu     sync.Mutex
	app    *app.App
	cancel context.CancelFunc
}

var core bridge

type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func reply(data interface{}, err error) string {
	env := envelope{Success: err == nil, Data: data}
	if err != nil {
		env.Data = nil
		env.Message = err.Error()
		if appErr, ok := apperrors.As(err); ok {
			env.Code = string(appErr.Code)
		}
	}
	out, merr := json.Marshal(env)
	if merr != nil {
		return `{"success":false,"message":"failed to encode response"}`
	}
	return string(out)
}

var errNotOpen = apperrors.New(apperrors.ErrInternal, "core is not initialized")

// open starts the core on dataDir. configPath may be empty.
func (b *bridge) open(configPath, dataDir string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return reply(nil, nil)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return reply(nil, apperrors.Wrap(apperrors.ErrInvalid, "load config", err))
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stdout:     cfg.Log.Stdout,
	})

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		return reply(nil, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.Scheduler.Start(ctx)

	b.app = a
	b.cancel = cancel
	return reply(map[string]interface{}{"dataDir": cfg.DataDir}, nil)
}

func (b *bridge) close() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return reply(nil, nil)
	}
	b.cancel()
	b.app.Scheduler.Stop()
	err := b.app.Close()
	b.app = nil
	return reply(nil, err)
}

// with runs fn against the open instance.
func (b *bridge) with(fn func(context.Context, *app.App) (interface{}, error)) string {
	b.mu.Lock()
	a := b.app
	b.mu.Unlock()
	if a == nil {
		return reply(nil, errNotOpen)
	}
	return reply(fn(context.Background(), a))
}

func parseRecord(table, body string) (models.Table, models.Record, error) {
	t, err := models.ParseTable(table)
	if err != nil {
		return "", nil, apperrors.Wrap(apperrors.ErrInvalid, "unknown table", err)
	}
	if body == "" {
		return t, nil, nil
	}
	rec, err := models.DecodeRecord([]byte(body))
	if err != nil {
		return "", nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid record json", err)
	}
	return t, rec, nil
}

func (b *bridge) create(table, body string) string {
	return b.with(func(ctx context.Context, a *app.App) (interface{}, error) {
		t, rec, err := parseRecord(table, body)
		if err != nil {
			return nil, err
		}
		return a.Commands.Create(ctx, t, rec)
	})
}

func (b *bridge) update(table, id, body string) string {
	return b.with(func(ctx context.Context, a *app.App) (interface{}, error) {
		t, rec, err := parseRecord(table, body)
		if err != nil {
			return nil, err
		}
		return a.Commands.Update(ctx, t, id, rec)
	})
}

func (b *bridge) remove(table, id string) string {
	return b.with(func(ctx context.Context, a *app.App) (interface{}, error) {
		t, _, err := parseRecord(table, "")
		if err != nil {
			return nil, err
		}
		return a.Commands.Delete(ctx, t, id)
	})
}

func (b *bridge) get(table, id string) string {
	return b.with(func(ctx context.Context, a *app.App) (interface{}, error) {
		t, _, err := parseRecord(table, "")
		if err != nil {
			return nil, err
		}
		return a.Commands.Get(ctx, t, id)
	})
}

func (b *bridge) list(table string) string {
	return b.with(func(ctx context.Context, a *app.App) (interface{}, error) {
		t, _, err := parseRecord(table, "")
		if err != nil {
			return nil, err
		}
		records, err := a.Commands.List(ctx, t, store.Query{})
		if records == nil && err == nil {
			records = []models.Record{}
		}
		return records, err
	})
}

func (b *bridge) syncNow() string {
	return b.with(func(ctx context.Context, a *app.App) (interface{}, error) {
		return a.Scheduler.SyncNow(ctx)
	})
}

func (b *bridge) status() string {
	return b.with(func(ctx context.Context, a *app.App) (interface{}, error) {
		return map[string]interface{}{
			"sync":      a.Engine.GetSyncStatus(),
			"scheduler": a.Scheduler.GetStatus(),
			"pending":   a.Engine.GetPendingOperations(),
		}, nil
	})
}

func (b *bridge) setOnline(online bool) string {
	return b.with(func(ctx context.Context, a *app.App) (interface{}, error) {
		a.Scheduler.SetOnlineStatus(online)
		return a.Scheduler.GetStatus(), nil
	})
}

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}
