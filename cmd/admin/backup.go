package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"prodfactory.io/internal/persistence/snapshot"
)

func newBackupCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "backup", Short: "Write or restore store backups"}

	var prefix string
	write := &cobra.Command{
		Use:   "write <path>",
		Short: "Dump every live store entry to a backup file",
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
			b, err := snapshot.Dump(context.Background(), store, prefix, time.Now(), cat.Digest)
			if err != nil {
				return err
			}
			if err := snapshot.WriteBackup(args[0], b); err != nil {
				return err
			}
			fi, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d entries to %s (%s)\n", b.Header.Entries, args[0], humanize.Bytes(uint64(fi.Size())))
			return nil
		},
	}
	write.Flags().StringVar(&prefix, "prefix", "", "only keys with this prefix (e.g. game:)")

	restore := &cobra.Command{
		Use:   "restore <path>",
		Short: "Load a backup file into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := snapshot.ReadBackup(args[0])
			if err != nil {
				return err
			}
			cat, err := opts.catalog()
			if err != nil {
				return err
			}
			if b.Header.CatalogDigest != "" && b.Header.CatalogDigest != cat.Digest {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: backup catalog %s differs from %s\n", b.Header.CatalogDigest, cat.Digest)
			}
			store, err := opts.openStoreForWrite()
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := snapshot.Restore(context.Background(), store, b, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d of %d entries from backup taken %s\n",
				n, len(b.Entries), humanTime(b.Header.CreatedAt))
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <path>",
		Short: "Print a backup header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := snapshot.ReadHeader(args[0])
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), h)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version  %d\ncreated  %s\nentries  %s\ncatalog  %s\n",
				h.Version, humanTime(h.CreatedAt), humanize.Comma(int64(h.Entries)), h.CatalogDigest)
			return nil
		},
	}

	cmd.AddCommand(write, restore, show)
	return cmd
}
