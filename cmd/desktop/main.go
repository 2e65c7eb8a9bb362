// Package main provides the embedded server for desktop platforms.
// Desktop clients communicate via REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kimhsiao/tasknexus/backend/internal/app"
	"github.com/kimhsiao/tasknexus/backend/internal/config"
	"github.com/kimhsiao/tasknexus/backend/internal/logging"
)

const defaultPort = "8090"

func main() {
	cfg, err := desktopConfig(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tasknexus-desktop: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stdout:     cfg.Log.Stdout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logging.Error("Failed to start desktop core", err)
		os.Exit(1)
	}
	defer a.Close()

	logging.Info("TaskNexus desktop server starting", map[string]interface{}{"addr": cfg.Server.Addr})
	if err := a.Serve(ctx, "tasknexus-desktop"); err != nil {
		logging.Error("Desktop server stopped", err)
		os.Exit(1)
	}
}

// desktopConfig loads the config file named by TASKNEXUS_CONFIG and applies
// the DB_PATH and PORT overrides. The server only listens on loopback.
func desktopConfig(getenv func(string) string) (*config.Config, error) {
	cfg, err := config.Load(getenv("TASKNEXUS_CONFIG"))
	if err != nil {
		return nil, err
	}
	if dir := getenv("DB_PATH"); dir != "" {
		cfg.DataDir = dir
	}
	port := getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	cfg.Server.Addr = "127.0.0.1:" + port
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return cfg, nil
}
