package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"prodfactory.io/internal/session"
)

func newSessionCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Inspect player sessions"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := session.NewManager(store, 0, time.Now).Get(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("session %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, rec)
			}
			fmt.Fprintf(out, "session   %s\n", args[0])
			fmt.Fprintf(out, "created   %s\n", humanTime(rec.CreatedAt))
			fmt.Fprintf(out, "active    %s\n", humanTime(rec.LastActiveAt))
			fmt.Fprintf(out, "warnings  %d\n", rec.Warnings)
			return nil
		},
	})
	return cmd
}

func humanTime(ms int64) string {
	t := time.UnixMilli(ms)
	return fmt.Sprintf("%s (%s)", t.UTC().Format(time.RFC3339), humanize.Time(t))
}
