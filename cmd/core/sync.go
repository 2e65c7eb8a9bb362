package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasknexus/backend/internal/app"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the mutation queue or inspect sync status",
	}
	cmd.AddCommand(newSyncRunCmd(opts), newSyncStatusCmd(opts))
	return cmd
}

func newSyncRunCmd(opts *rootOptions) *cobra.Command {
	var pull []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay every ready queue item once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				for _, name := range pull {
					table, err := models.ParseTable(name)
					if err != nil {
						return err
					}
					if _, err := a.Commands.Pull(cmd.Context(), table); err != nil {
						return err
					}
				}

				result, err := a.Scheduler.SyncNow(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if result.Skipped {
					fmt.Fprintln(out, "Nothing to sync")
					return nil
				}
				fmt.Fprintf(out, "Processed %d item(s) in %s\n", result.Processed, result.Duration.Round(time.Millisecond))
				fmt.Fprintf(out, "  completed: %d\n  failed:    %d\n  deferred:  %d\n  conflicts: %d\n  pulled:    %d\n",
					result.Completed, result.Failed, result.Deferred, result.Conflicts, result.Pulled)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&pull, "pull", nil, "tables to reconcile from the remote before draining")
	return cmd
}

func newSyncStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				printStatus(cmd, a.Engine.GetSyncStatus())
				return nil
			})
		},
	}
}

func printStatus(cmd *cobra.Command, status models.SyncStatus) {
	out := cmd.OutOrStdout()
	last := "never"
	if status.LastSync != nil {
		last = humanize.Time(*status.LastSync)
	}
	fmt.Fprintf(out, "Last sync:  %s\n", last)
	fmt.Fprintf(out, "Syncing:    %t\n", status.IsSyncing)
	fmt.Fprintf(out, "Pending:    %d\n", status.PendingOperations)
	fmt.Fprintf(out, "Failed:     %d\n", status.FailedOperations)
	if status.LastError != "" {
		fmt.Fprintf(out, "Last error: %s\n", status.LastError)
	}
}
