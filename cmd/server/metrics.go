package main

import (
	"fmt"
	"io"
	"net/http"

	"prodfactory.io/internal/persistence/kv"
	persistlog "prodfactory.io/internal/persistence/log"
	"prodfactory.io/internal/syncsvc"
	"prodfactory.io/internal/transport/ws"
)

type metricsSource struct {
	svc    *syncsvc.Service
	store  kv.Store
	events *persistlog.EventLogger
	ws     *ws.Server
}

func (m *metricsSource) handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.write(rw)
	}
}

// write emits the minimal Prometheus exposition format.
func (m *metricsSource) write(w io.Writer) {
	st := m.svc.Stats()
	fmt.Fprintf(w, "# HELP prodfactory_sync_requests_total Sync service calls by operation.\n")
	fmt.Fprintf(w, "# TYPE prodfactory_sync_requests_total counter\n")
	fmt.Fprintf(w, "prodfactory_sync_requests_total{op=%q} %d\n", "load", st.Loads)
	fmt.Fprintf(w, "prodfactory_sync_requests_total{op=%q} %d\n", "save", st.Saves)
	fmt.Fprintf(w, "prodfactory_sync_requests_total{op=%q} %d\n", "sync", st.Syncs)
	fmt.Fprintf(w, "prodfactory_sync_requests_total{op=%q} %d\n", "action", st.Actions)
	fmt.Fprintf(w, "prodfactory_sync_requests_total{op=%q} %d\n", "reset", st.Resets)

	fmt.Fprintf(w, "# HELP prodfactory_sync_outcomes_total Non-accepted write outcomes.\n")
	fmt.Fprintf(w, "# TYPE prodfactory_sync_outcomes_total counter\n")
	fmt.Fprintf(w, "prodfactory_sync_outcomes_total{outcome=%q} %d\n", "conflict", st.Conflicts)
	fmt.Fprintf(w, "prodfactory_sync_outcomes_total{outcome=%q} %d\n", "no_effect", st.NoEffect)
	fmt.Fprintf(w, "prodfactory_sync_outcomes_total{outcome=%q} %d\n", "corrected", st.Corrections)
	fmt.Fprintf(w, "prodfactory_sync_outcomes_total{outcome=%q} %d\n", "forced_reset", st.Forced)

	fmt.Fprintf(w, "# HELP prodfactory_sync_locked_sessions Sessions with a write in progress.\n")
	fmt.Fprintf(w, "# TYPE prodfactory_sync_locked_sessions gauge\n")
	fmt.Fprintf(w, "prodfactory_sync_locked_sessions %d\n", st.LockedSessions)

	if rep, ok := m.store.(kv.StatsReporter); ok {
		ks := rep.Stats()
		fmt.Fprintf(w, "# HELP prodfactory_kv_ops_total Store operations.\n")
		fmt.Fprintf(w, "# TYPE prodfactory_kv_ops_total counter\n")
		fmt.Fprintf(w, "prodfactory_kv_ops_total{op=%q} %d\n", "get", ks.Gets)
		fmt.Fprintf(w, "prodfactory_kv_ops_total{op=%q} %d\n", "hit", ks.Hits)
		fmt.Fprintf(w, "prodfactory_kv_ops_total{op=%q} %d\n", "set", ks.Sets)
		fmt.Fprintf(w, "prodfactory_kv_ops_total{op=%q} %d\n", "delete", ks.Deletes)
		fmt.Fprintf(w, "prodfactory_kv_ops_total{op=%q} %d\n", "incr", ks.Incrs)
		fmt.Fprintf(w, "prodfactory_kv_ops_total{op=%q} %d\n", "expired", ks.Expired)

		fmt.Fprintf(w, "# HELP prodfactory_kv_keys Live keys in the store.\n")
		fmt.Fprintf(w, "# TYPE prodfactory_kv_keys gauge\n")
		fmt.Fprintf(w, "prodfactory_kv_keys %d\n", ks.Keys)

		fmt.Fprintf(w, "# HELP prodfactory_kv_stored_bytes Uncompressed value bytes in the store.\n")
		fmt.Fprintf(w, "# TYPE prodfactory_kv_stored_bytes gauge\n")
		fmt.Fprintf(w, "prodfactory_kv_stored_bytes %d\n", ks.StoredBytes)
	}

	if m.events != nil {
		es := m.events.Stats()
		fmt.Fprintf(w, "# HELP prodfactory_events_total Ops log events by result.\n")
		fmt.Fprintf(w, "# TYPE prodfactory_events_total counter\n")
		fmt.Fprintf(w, "prodfactory_events_total{result=%q} %d\n", "written", es.Written)
		fmt.Fprintf(w, "prodfactory_events_total{result=%q} %d\n", "dropped", es.Dropped)
		fmt.Fprintf(w, "prodfactory_events_total{result=%q} %d\n", "failed", es.Failed)

		fmt.Fprintf(w, "# HELP prodfactory_events_queue_depth Ops log queue backlog.\n")
		fmt.Fprintf(w, "# TYPE prodfactory_events_queue_depth gauge\n")
		fmt.Fprintf(w, "prodfactory_events_queue_depth %d\n", es.QueueDepth)
		fmt.Fprintf(w, "prodfactory_events_queue_capacity %d\n", es.QueueCapacity)
	}

	if m.ws != nil {
		fmt.Fprintf(w, "# HELP prodfactory_ws_connections Open websocket connections.\n")
		fmt.Fprintf(w, "# TYPE prodfactory_ws_connections gauge\n")
		fmt.Fprintf(w, "prodfactory_ws_connections %d\n", m.ws.Active())

		fmt.Fprintf(w, "# HELP prodfactory_ws_requests_total Websocket envelopes answered.\n")
		fmt.Fprintf(w, "# TYPE prodfactory_ws_requests_total counter\n")
		fmt.Fprintf(w, "prodfactory_ws_requests_total %d\n", m.ws.Requests())
	}
}
