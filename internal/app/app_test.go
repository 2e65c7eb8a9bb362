package app

import (
	"context"
	"testing"

	"github.com/kimhsiao/tasknexus/backend/internal/config"
	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/remote"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Remote.MockLatency = 0
	cfg.Log.Stdout = false
	return cfg
}

// TestNew verifies the instance opens and survives a restart with its queue.
func TestNew(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	a.Scheduler.SetOnlineStatus(false)

	result, err := a.Commands.Create(ctx, models.TableTasks, models.Record{"content": "persist me"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !result.Queued {
		t.Fatal("offline create should be queued")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	b, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer b.Close()

	if got := b.Engine.GetSyncStatus().PendingOperations; got != 1 {
		t.Errorf("PendingOperations after restart = %d, want 1", got)
	}
	if _, err := b.Commands.Get(ctx, models.TableTasks, result.Record.ID()); err != nil {
		t.Errorf("Get after restart failed: %v", err)
	}
}

// TestNew_locked verifies a second open of the same data directory is blocked.
func TestNew_locked(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Storage.BusyRetries = 0

	a, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	if _, err := New(ctx, cfg); !apperrors.Is(err, apperrors.ErrDatabaseBlocked) {
		t.Errorf("second New err = %v, want DATABASE_BLOCKED", err)
	}
}

// TestNewAuthority verifies mode selection.
func TestNewAuthority(t *testing.T) {
	a, err := NewAuthority(config.RemoteConfig{Mode: "mock"})
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, ok := a.(*remote.MockAuthority); !ok {
		t.Errorf("mock mode built %T", a)
	}

	a, err = NewAuthority(config.RemoteConfig{Mode: "http", BaseURL: "http://example.invalid"})
	if err != nil {
		t.Fatalf("http: %v", err)
	}
	if _, ok := a.(*remote.HTTPAuthority); !ok {
		t.Errorf("http mode built %T", a)
	}

	if _, err := NewAuthority(config.RemoteConfig{Mode: "carrier-pigeon"}); err == nil {
		t.Error("unknown mode should fail")
	}
}
