// Package main tests for the command line entry points.
package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// run executes the root command with args against an isolated data dir.
func run(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--data-dir", dataDir, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionDefault(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, t.TempDir(), "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "TaskNexus Core v"+Version) {
		t.Errorf("output = %q", out)
	}
}

func TestMigrateCommands(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "migrate", "version")
	if err != nil {
		t.Fatalf("migrate version failed: %v", err)
	}
	if !strings.Contains(out, "Current: 0") {
		t.Errorf("fresh database output = %q, want Current: 0", out)
	}

	if _, err := run(t, dir, "migrate", "up"); err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}
	out, _ = run(t, dir, "migrate", "up")
	if !strings.Contains(out, "Applied 0 migration(s)") {
		t.Errorf("second up output = %q, want idempotent", out)
	}

	if _, err := run(t, dir, "migrate", "down"); err != nil {
		t.Fatalf("migrate down failed: %v", err)
	}
}

func TestDBHealth(t *testing.T) {
	out, err := run(t, t.TempDir(), "db", "health")
	if err != nil {
		t.Fatalf("db health failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Healthy:   true") {
		t.Errorf("output = %q", out)
	}
}

func TestQueueCommands(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "queue", "list")
	if err != nil {
		t.Fatalf("queue list failed: %v", err)
	}
	if !strings.Contains(out, "0 item(s)") {
		t.Errorf("empty list output = %q", out)
	}

	file := filepath.Join(t.TempDir(), "queue.json")
	if _, err := run(t, dir, "queue", "export", file); err != nil {
		t.Fatalf("queue export failed: %v", err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var items []interface{}
	if err := json.Unmarshal(data, &items); err != nil {
		t.Errorf("export is not a JSON array: %v", err)
	}

	if _, err := run(t, dir, "queue", "dismiss", "missing"); err == nil {
		t.Error("dismissing an unknown item should fail")
	}
}

func TestSyncCommands(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "sync", "run")
	if err != nil {
		t.Fatalf("sync run failed: %v", err)
	}
	if !strings.Contains(out, "Nothing to sync") {
		t.Errorf("output = %q", out)
	}

	out, err = run(t, dir, "sync", "status")
	if err != nil {
		t.Fatalf("sync status failed: %v", err)
	}
	if !strings.Contains(out, "Last sync:  never") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigCommands(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if _, err := run(t, dir, "config", "init", path); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if _, err := run(t, dir, "config", "init", path); err == nil {
		t.Error("config init should refuse to overwrite without --force")
	}

	out, err := run(t, dir, "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "conflict_strategy: remote_wins") {
		t.Errorf("output = %q", out)
	}
}
