// Command admin inspects and repairs a server's data directory offline, and talks to the
// local-only admin endpoints of a running server.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"prodfactory.io/internal/persistence/kv"
	"prodfactory.io/internal/sim/catalogs"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "admin:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	DataDir string
	DBPath  string
	Catalog string
	Format  string // "text" | "json"
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "admin",
		Short:         "Operator tools for the production game server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data", "./data", "runtime data directory")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "sqlite store path (default: <data>/state.sqlite)")
	cmd.PersistentFlags().StringVar(&opts.Catalog, "catalog", "", "resources.json override (default: built-in catalog)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(newSessionCommand(opts))
	cmd.AddCommand(newStateCommand(opts))
	cmd.AddCommand(newBackupCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))
	cmd.AddCommand(newServerCommand(opts))
	return cmd
}

func (o *rootOptions) dbPath() string {
	if p := strings.TrimSpace(o.DBPath); p != "" {
		return p
	}
	return filepath.Join(o.DataDir, "state.sqlite")
}

// openStore opens an existing sqlite store. The sweeper stays off; the server owns expiry.
func (o *rootOptions) openStore() (*kv.SQLite, error) {
	path := o.dbPath()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return kv.OpenSQLite(path, kv.SQLiteOptions{})
}

// openStoreForWrite also creates the store, for restoring into an empty data directory.
func (o *rootOptions) openStoreForWrite() (*kv.SQLite, error) {
	return kv.OpenSQLite(o.dbPath(), kv.SQLiteOptions{})
}

func (o *rootOptions) catalog() (*catalogs.Catalog, error) {
	if p := strings.TrimSpace(o.Catalog); p != "" {
		return catalogs.Load(p)
	}
	return catalogs.Default(), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
