package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"prodfactory.io/internal/codec"
	"prodfactory.io/internal/persistence/kv"
	"prodfactory.io/internal/session"
	"prodfactory.io/internal/sim/catalogs"
	"prodfactory.io/internal/sim/game"
	"prodfactory.io/internal/sim/plausibility"
	"prodfactory.io/internal/syncsvc"
)

func newStateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "state", Short: "Inspect or reset saved games"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the stored game of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			cat, err := opts.catalog()
			if err != nil {
				return err
			}

			raw, ok, err := store.Get(context.Background(), kv.GameKey(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no saved game for %s", args[0])
			}
			st, err := codec.UnmarshalStored(raw)
			if err != nil {
				return fmt.Errorf("decode game %s: %w", args[0], err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			printState(cmd.OutOrStdout(), cat, st)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <session-id>",
		Short: "Replace a session's game with a fresh one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			cat, err := opts.catalog()
			if err != nil {
				return err
			}
			svc := offlineService(store, cat)

			ctx := context.Background()
			var version int64
			cur, err := svc.Load(ctx, args[0])
			switch {
			case err == nil:
				version = cur.ServerVersion
			case !errors.Is(err, syncsvc.ErrNotFound):
				return err
			}
			res, err := svc.Reset(ctx, args[0], version)
			if err != nil {
				return err
			}
			if res.Outcome == syncsvc.Conflict {
				return fmt.Errorf("game changed while resetting (now at version %d); retry", res.ServerVersion)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s to a fresh game at version %d\n", args[0], res.ServerVersion)
			return nil
		},
	})
	return cmd
}

// offlineService runs the sync rules directly against the store. A running server holds
// its own per-session locks, so resets are best done while it is stopped.
func offlineService(store kv.Store, cat *catalogs.Catalog) *syncsvc.Service {
	eng := game.NewEngine(cat, time.Now)
	sessions := session.NewManager(store, 30*24*time.Hour, time.Now)
	return syncsvc.New(store, sessions, eng, plausibility.NewAuditor(eng, plausibility.DefaultPolicy()), syncsvc.Options{
		StateTTL: 30 * 24 * time.Hour,
		Now:      time.Now,
		Logger:   log.New(io.Discard, "", 0),
	})
}

func printState(w io.Writer, cat *catalogs.Catalog, st codec.Stored) {
	fmt.Fprintf(w, "version      %d (save schema %d)\n", st.ServerVersion, st.Version)
	fmt.Fprintf(w, "last saved   %s\n", humanTime(st.LastSavedAt))
	b := st.Boosts()
	fmt.Fprintf(w, "boosts       production-20x=%v automation-2x=%v runtime-50=%v\n", b.Production20x, b.Automation2x, b.Runtime50)
	fmt.Fprintf(w, "\n%-22s %12s %10s  %s\n", "RESOURCE", "AMOUNT", "PRODUCERS", "FLAGS")
	for _, id := range cat.Order {
		r, ok := st.Resources[id]
		if !ok {
			fmt.Fprintf(w, "%-22s %12s %10s  missing\n", id, "-", "-")
			continue
		}
		flags := ""
		if r.IsUnlocked {
			flags += "unlocked "
		}
		if r.IsAutomated {
			flags += "automated "
		}
		if r.Paused() {
			flags += "paused "
		}
		if r.RunStartedAt != nil {
			flags += "running(" + humanize.Time(time.UnixMilli(*r.RunStartedAt)) + ")"
		}
		fmt.Fprintf(w, "%-22s %12s %10s  %s\n", id, r.Amount.Format(), humanize.Comma(int64(r.Producers)), flags)
	}
}
