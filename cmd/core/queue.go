package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasknexus/backend/internal/app"
	"github.com/kimhsiao/tasknexus/backend/internal/sync/queue"
)

func newQueueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline mutation queue",
	}
	cmd.AddCommand(
		newQueueListCmd(opts),
		newQueueRetryCmd(opts),
		newQueueDismissCmd(opts),
		newQueueExportCmd(opts),
	)
	return cmd
}

func newQueueListCmd(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued mutations in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				items := a.Queue.List()
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SEQ\tID\tOP\tTABLE\tRECORD\tSTATUS\tATTEMPTS\tAGE\tLAST ERROR")
				shown := 0
				for _, item := range items {
					if !all && item.Finished() {
						continue
					}
					shown++
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
						item.Seq, item.ID, item.Operation, item.Table, item.RecordID, itemStatus(item),
						item.Attempts, item.MaxAttempts, humanize.Time(time.UnixMilli(item.CreatedAt)), item.LastError)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d item(s)\n", shown)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include completed items")
	return cmd
}

func itemStatus(item *queue.QueueItem) string {
	if item.Exhausted() {
		return "exhausted"
	}
	return string(item.Status)
}

func newQueueRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id]",
		Short: "Reset one item, or every failed item, to pending",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				n := 1
				if len(args) == 1 {
					if err := a.Queue.Retry(cmd.Context(), args[0]); err != nil {
						return err
					}
				} else {
					var err error
					if n, err = a.Queue.RetryAll(cmd.Context()); err != nil {
						return err
					}
				}
				if err := a.Engine.RefreshStatus(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %d item(s)\n", n)
				return nil
			})
		},
	}
}

func newQueueDismissCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Remove an item from the queue without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Queue.Dismiss(cmd.Context(), args[0]); err != nil {
					return err
				}
				if err := a.Engine.RefreshStatus(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dismissed %s\n", args[0])
				return nil
			})
		},
	}
}

func newQueueExportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write the queue as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				items := a.Queue.List()
				data, err := json.MarshalIndent(items, "", "  ")
				if err != nil {
					return err
				}
				if err := atomic.WriteFile(args[0], bytes.NewReader(data)); err != nil {
					return fmt.Errorf("failed to write %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d item(s) to %s (%s)\n",
					len(items), args[0], humanize.Bytes(uint64(len(data))))
				return nil
			})
		},
	}
}
