package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasknexus/backend/internal/app"
	"github.com/kimhsiao/tasknexus/backend/internal/config"
	"github.com/kimhsiao/tasknexus/backend/internal/logging"
)

// rootOptions carries the persistent flags and the config they resolve to.
type rootOptions struct {
	configPath string
	dataDir    string
	logLevel   string

	loader *config.Loader
	cfg    *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "tasknexus",
		Short:         "TaskNexus offline sync core",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: .tasknexus/config.yaml or ~/.tasknexus/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "override data_dir")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")

	cmd.AddCommand(
		newServeCmd(opts),
		newSyncCmd(opts),
		newQueueCmd(opts),
		newMigrateCmd(opts),
		newDBCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) load() error {
	o.loader = config.NewLoader(o.configPath)
	cfg, err := o.loader.Load()
	if err != nil {
		return err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	o.cfg = cfg

	logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stdout:     cfg.Log.Stdout,
	})
	return nil
}

// withApp opens the instance for the duration of fn.
func (o *rootOptions) withApp(ctx context.Context, fn func(*app.App) error) error {
	a, err := app.New(ctx, o.cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
