package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasknexus/backend/internal/app"
)

func newDBCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Local database maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check integrity, schema version and table sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				health, err := a.Engine.CheckDatabaseHealth(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Healthy:   %t\n", health.Healthy)
				fmt.Fprintf(out, "Schema:    %d\n", health.SchemaVersion)
				fmt.Fprintf(out, "Integrity: %s\n", health.Integrity)
				fmt.Fprintf(out, "Queue:     %d\n", health.QueueDepth)
				fmt.Fprintf(out, "Checked:   %s\n", health.CheckedAt.Format(time.RFC3339))

				names := make([]string, 0, len(health.Tables))
				for name := range health.Tables {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(out, "  %-12s %d\n", name+":", health.Tables[name])
				}
				if !health.Healthy {
					return fmt.Errorf("database is unhealthy: %s", health.Integrity)
				}
				return nil
			})
		},
	})
	return cmd
}
