package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasknexus/backend/internal/db"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the local schema version",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withMigrator(cmd.Context(), func(m *db.Migrator) error {
					n, err := m.Up(cmd.Context())
					if err != nil {
						return err
					}
					v, err := m.CurrentVersion(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s), schema at version %d\n", n, v)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withMigrator(cmd.Context(), func(m *db.Migrator) error {
					if err := m.Down(cmd.Context()); err != nil {
						return err
					}
					v, err := m.CurrentVersion(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d\n", v)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show applied and available schema versions",
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withMigrator(cmd.Context(), func(m *db.Migrator) error {
					current, err := m.CurrentVersion(cmd.Context())
					if err != nil {
						return err
					}
					drifted, err := m.Verify(cmd.Context())
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Current: %d\nLatest:  %d\n", current, m.Latest())
					if len(drifted) > 0 {
						fmt.Fprintf(out, "Changed since applied: %v\n", drifted)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

// withMigrator opens the database without migrating it.
func (o *rootOptions) withMigrator(ctx context.Context, fn func(*db.Migrator) error) error {
	handle, err := db.Open(ctx, db.Options{
		DataDir: o.cfg.DataDir,
		File:    o.cfg.Storage.File,
		Driver:  o.cfg.Storage.Driver,
	})
	if err != nil {
		return err
	}
	defer handle.Close()

	migrations, err := db.Migrations()
	if err != nil {
		return err
	}
	m := db.NewMigrator(handle.DB, migrations)
	if err := m.Initialize(ctx); err != nil {
		return err
	}
	return fn(m)
}
