package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	persistlog "prodfactory.io/internal/persistence/log"
)

func newEventsCommand(opts *rootOptions) *cobra.Command {
	var kind, sid string
	cmd := &cobra.Command{Use: "events", Short: "Read the correction and reset log"}
	cat := &cobra.Command{
		Use:   "cat",
		Short: "Print logged events, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := persistlog.Files(persistlog.EventsDir(opts.DataDir), "events")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, path := range files {
				err := persistlog.ReadLines(path, func(line []byte) error {
					var ev persistlog.Event
					if err := json.Unmarshal(line, &ev); err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					if (kind != "" && ev.Kind != kind) || (sid != "" && ev.SessionID != sid) {
						return nil
					}
					if opts.Format == "json" {
						_, err := fmt.Fprintf(out, "%s\n", line)
						return err
					}
					fmt.Fprintf(out, "%s %-10s session=%s op=%s v=%d", time.UnixMilli(ev.At).UTC().Format(time.RFC3339), ev.Kind, ev.SessionID, ev.Op, ev.ServerVersion)
					if ev.Warnings > 0 {
						fmt.Fprintf(out, " warnings=%d", ev.Warnings)
					}
					for _, r := range ev.Resources {
						fmt.Fprintf(out, " %s:%s->%s", r.ID, r.Claimed, r.Corrected)
					}
					if ev.Message != "" {
						fmt.Fprintf(out, " %q", ev.Message)
					}
					fmt.Fprintln(out)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	cat.Flags().StringVar(&kind, "kind", "", "only events of this kind (CORRECTION, FORCED_RESET, CONFLICT)")
	cat.Flags().StringVar(&sid, "session", "", "only events for this session")
	cmd.AddCommand(cat)
	return cmd
}
