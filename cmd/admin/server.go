package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// newServerCommand wraps the running server's loopback admin endpoints.
func newServerCommand(opts *rootOptions) *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{Use: "server", Short: "Query a running server's admin endpoints"}
	cmd.PersistentFlags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "server base url")

	cmd.AddCommand(&cobra.Command{
		Use:   "state",
		Short: "Print server counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd.OutOrStdout(), http.MethodGet, baseURL, "/admin/v1/state", 5*time.Second)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "game <session-id>",
		Short: "Print a session's stored game as the server sees it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd.OutOrStdout(), http.MethodGet, baseURL, "/admin/v1/game/"+args[0], 5*time.Second)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "backup",
		Short: "Ask the server to write a backup into its data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd.OutOrStdout(), http.MethodPost, baseURL, "/admin/v1/backup", 60*time.Second)
		},
	})
	return cmd
}

func adminCall(out io.Writer, method, baseURL, path string, timeout time.Duration) error {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return err
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(out, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
