package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasknexus/backend/internal/app"
	"github.com/kimhsiao/tasknexus/backend/internal/config"
	"github.com/kimhsiao/tasknexus/backend/internal/logging"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local API server and background sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				opts.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return opts.withApp(ctx, func(a *app.App) error {
				watchLogLevel(opts.loader)
				return a.Serve(ctx, "tasknexus-core")
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// watchLogLevel applies log.level edits of the config file without a restart.
func watchLogLevel(loader *config.Loader) {
	loader.Watch(func(cfg *config.Config) {
		level := logging.ParseLevel(cfg.Log.Level)
		if logging.Get().Level() == level {
			return
		}
		logging.Get().SetLevel(level)
		logging.Info("Log level changed", map[string]interface{}{"level": string(level)})
	}, func(err error) {
		logging.Warn("Ignoring invalid config change", map[string]interface{}{"error": err.Error()})
	})
}
