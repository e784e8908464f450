package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"prodfactory.io/internal/persistence/kv"
	"prodfactory.io/internal/persistence/snapshot"
	"prodfactory.io/internal/sim/catalogs"
	"prodfactory.io/internal/syncsvc"
)

// adminHandlers are local-only operator endpoints.
type adminHandlers struct {
	store   kv.Store
	svc     *syncsvc.Service
	cat     *catalogs.Catalog
	dataDir string
	now     func() time.Time
}

func (a *adminHandlers) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/v1/state", a.loopbackOnly(a.handleState))
	mux.HandleFunc("GET /admin/v1/game/{sid}", a.loopbackOnly(a.handleGame))
	mux.HandleFunc("POST /admin/v1/backup", a.loopbackOnly(a.handleBackup))
}

func (a *adminHandlers) loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func (a *adminHandlers) handleState(rw http.ResponseWriter, r *http.Request) {
	resp := struct {
		CatalogDigest string        `json:"catalog_digest"`
		Sync          syncsvc.Stats `json:"sync"`
		Store         *kv.Stats     `json:"store,omitempty"`
	}{
		CatalogDigest: a.cat.Digest,
		Sync:          a.svc.Stats(),
	}
	if rep, ok := a.store.(kv.StatsReporter); ok {
		st := rep.Stats()
		resp.Store = &st
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (a *adminHandlers) handleGame(rw http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Load(r.Context(), r.PathValue("sid"))
	if errors.Is(err, syncsvc.ErrNotFound) {
		writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": "no saved game"})
		return
	}
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

func (a *adminHandlers) handleBackup(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	path, h, err := a.writeBackup(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "path": path, "entries": h.Entries})
}

func (a *adminHandlers) writeBackup(ctx context.Context) (string, snapshot.Header, error) {
	now := a.now()
	b, err := snapshot.Dump(ctx, a.store, "", now, a.cat.Digest)
	if err != nil {
		return "", snapshot.Header{}, err
	}
	path := filepath.Join(a.dataDir, "backups", fmt.Sprintf("%d.kv.zst", now.UnixMilli()))
	if err := snapshot.WriteBackup(path, b); err != nil {
		return "", snapshot.Header{}, err
	}
	return path, b.Header, nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
