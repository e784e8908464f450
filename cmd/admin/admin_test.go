package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodfactory.io/internal/codec"
	"prodfactory.io/internal/persistence/kv"
	persistlog "prodfactory.io/internal/persistence/log"
	"prodfactory.io/internal/session"
	"prodfactory.io/internal/sim/catalogs"
	"prodfactory.io/internal/sim/game"
	"prodfactory.io/internal/sim/plausibility"
	"prodfactory.io/internal/syncsvc"
)

// seedDataDir creates a data dir with one session whose game sits at version 2.
func seedDataDir(t *testing.T) (dir, sid string) {
	t.Helper()
	dir = t.TempDir()
	store, err := kv.OpenSQLite(filepath.Join(dir, "state.sqlite"), kv.SQLiteOptions{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	eng := game.NewEngine(catalogs.Default(), time.Now)
	sessions := session.NewManager(store, time.Hour, time.Now)
	svc := syncsvc.New(store, sessions, eng, plausibility.NewAuditor(eng, plausibility.DefaultPolicy()), syncsvc.Options{
		StateTTL: time.Hour,
		Logger:   log.New(io.Discard, "", 0),
	})
	sid, err = sessions.Create(ctx)
	require.NoError(t, err)
	_, err = svc.Save(ctx, sid, codec.Encode(eng.NewState(), time.Now()), 0)
	require.NoError(t, err)
	_, err = svc.Action(ctx, sid, syncsvc.ActionRequest{Kind: game.ActionActivateBoost, BoostID: "runtime-50", ServerVersion: 1})
	require.NoError(t, err)
	return dir, sid
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSessionAndStateShow(t *testing.T) {
	dir, sid := seedDataDir(t)

	out, err := run(t, "--data", dir, "session", "show", sid)
	require.NoError(t, err)
	assert.Contains(t, out, "warnings  0")

	out, err = run(t, "--data", dir, "state", "show", sid)
	require.NoError(t, err)
	assert.Contains(t, out, "version      2")
	assert.Contains(t, out, "runtime-50=true")
	assert.Contains(t, out, "iron-ore")

	out, err = run(t, "--data", dir, "--format", "json", "state", "show", sid)
	require.NoError(t, err)
	var st codec.Stored
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, int64(2), st.ServerVersion)

	_, err = run(t, "--data", dir, "state", "show", "00000000-0000-0000-0000-000000000000")
	require.Error(t, err)

	_, err = run(t, "--data", dir, "--format", "yaml", "session", "show", sid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestStateReset(t *testing.T) {
	dir, sid := seedDataDir(t)
	out, err := run(t, "--data", dir, "state", "reset", sid)
	require.NoError(t, err)
	assert.Contains(t, out, "version 3")

	out, err = run(t, "--data", dir, "state", "show", sid)
	require.NoError(t, err)
	assert.Contains(t, out, "runtime-50=false")
}

func TestBackupWriteRestore(t *testing.T) {
	dir, sid := seedDataDir(t)
	path := filepath.Join(t.TempDir(), "kv.zst")

	out, err := run(t, "--data", dir, "backup", "write", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 3 entries")

	out, err = run(t, "--data", dir, "backup", "show", path)
	require.NoError(t, err)
	assert.Contains(t, out, "entries  3")

	fresh := t.TempDir()
	out, err = run(t, "--data", fresh, "backup", "restore", path)
	require.NoError(t, err)
	assert.Contains(t, out, "restored 3 of 3")

	out, err = run(t, "--data", fresh, "state", "show", sid)
	require.NoError(t, err)
	assert.Contains(t, out, "version      2")
}

func TestEventsCat(t *testing.T) {
	dir := t.TempDir()
	l := persistlog.NewEventLogger(dir, 8, time.Now)
	l.Record(persistlog.Event{At: time.Now().UnixMilli(), Kind: persistlog.EventCorrection, SessionID: "a", Op: "save", ServerVersion: 4, Warnings: 1,
		Resources: []persistlog.CorrectedResource{{ID: "iron-ore", Claimed: "1.00e6", Corrected: "12"}}})
	l.Record(persistlog.Event{At: time.Now().UnixMilli(), Kind: persistlog.EventConflict, SessionID: "b", Op: "sync", ServerVersion: 9})
	require.NoError(t, l.Close())

	out, err := run(t, "--data", dir, "events", "cat")
	require.NoError(t, err)
	assert.Contains(t, out, "session=a op=save v=4 warnings=1 iron-ore:1.00e6->12")
	assert.Contains(t, out, "session=b")

	out, err = run(t, "--data", dir, "events", "cat", "--kind", persistlog.EventConflict)
	require.NoError(t, err)
	assert.NotContains(t, out, "session=a")
	assert.Contains(t, out, "session=b")
}

func TestServerCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/admin/v1/state":
			_, _ = rw.Write([]byte(`{"catalog_digest":"abc"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/admin/v1/backup":
			rw.WriteHeader(http.StatusServiceUnavailable)
			_, _ = rw.Write([]byte(`{"ok":false}`))
		default:
			http.NotFound(rw, r)
		}
	}))
	defer srv.Close()

	out, err := run(t, "server", "state", "--url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `"catalog_digest":"abc"`)

	out, err = run(t, "server", "backup", "--url", srv.URL)
	require.Error(t, err)
	assert.Contains(t, out, `{"ok":false}`)
}
