package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"prodfactory.io/internal/persistence/kv"
	persistlog "prodfactory.io/internal/persistence/log"
	"prodfactory.io/internal/protocol"
	"prodfactory.io/internal/ratelimit"
	"prodfactory.io/internal/session"
	"prodfactory.io/internal/sim/catalogs"
	"prodfactory.io/internal/sim/game"
	"prodfactory.io/internal/sim/plausibility"
	"prodfactory.io/internal/sim/tuning"
	"prodfactory.io/internal/syncsvc"
	"prodfactory.io/internal/transport/dispatch"
	"prodfactory.io/internal/transport/httpapi"
	"prodfactory.io/internal/transport/ws"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		storeKind   = flag.String("store", "sqlite", "state store: sqlite|memory")
		dbPath      = flag.String("db", "", "sqlite path (default: <data>/state.sqlite)")
		tuningPath  = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		catalogPath = flag.String("catalog", "", "resources.json override (default: built-in catalog)")
		dev         = flag.Bool("dev", false, "dev mode: session cookie without Secure")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune = tuning.Defaults()
	}

	cat := catalogs.Default()
	if p := strings.TrimSpace(*catalogPath); p != "" {
		if cat, err = catalogs.Load(p); err != nil {
			logger.Fatalf("load catalog: %v", err)
		}
	}
	logger.Printf("catalog digest=%s resources=%d", cat.Digest, len(cat.Order))

	_ = os.MkdirAll(*dataDir, 0o755)
	store, err := openStore(*storeKind, *dataDir, *dbPath, tune)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	events := persistlog.NewEventLogger(*dataDir, 1024, time.Now)
	defer events.Close()

	eng := game.NewEngine(cat, time.Now)
	sessions := session.NewManager(store, tune.SessionTTL(), time.Now)
	svc := syncsvc.New(store, sessions, eng, plausibility.NewAuditor(eng, tune.Policy()), syncsvc.Options{
		StateTTL: tune.StateTTL(),
		Now:      time.Now,
		Events:   events,
		Logger:   log.New(os.Stdout, "[sync] ", log.LstdFlags|log.Lmicroseconds),
	})
	parser, err := protocol.NewParser(cat)
	if err != nil {
		logger.Fatalf("compile request schemas: %v", err)
	}
	d := dispatch.New(svc, parser, logger)

	api := httpapi.NewServer(d, sessions, ratelimit.NewCounter(store), httpapi.Config{
		Dev:                 *dev,
		SessionCreateMax:    tune.RateLimits.SessionCreateMax,
		SessionCreateWindow: tune.SessionCreateWindow(),
	}, logger)
	wsSrv := ws.NewServer(d, sessions, cat, protocol.ClientTuning{
		TickMs:     tune.Client.TickMs,
		AutosaveMs: tune.Client.AutosaveMs,
		AutosyncMs: tune.Client.AutosyncMs,
	}, log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds))

	perIP := ratelimit.NewPerIP(tune.RateLimits.PerIPRPS, tune.RateLimits.PerIPBurst)
	go perIP.Run(ctx, time.Minute)

	gameMux := http.NewServeMux()
	api.Register(gameMux)
	gameMux.HandleFunc("/v1/ws", wsSrv.Handler())

	mux := http.NewServeMux()
	mux.Handle("/api/", perIP.Middleware(gameMux, httpapi.RateLimited))
	mux.Handle("/v1/ws", perIP.Middleware(gameMux, httpapi.RateLimited))
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	m := &metricsSource{svc: svc, store: store, events: events, ws: wsSrv}
	mux.HandleFunc("/metrics", m.handler())

	enableAdminHTTP := envBool("PF_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("PF_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		adm := &adminHandlers{
			store:   store,
			svc:     svc,
			cat:     cat,
			dataDir: *dataDir,
			now:     time.Now,
		}
		adm.register(mux)
	} else {
		logger.Printf("admin endpoints disabled (PF_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (PF_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s store=%s dev=%v", *addr, *storeKind, *dev)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func openStore(kind, dataDir, dbPath string, tune tuning.Tuning) (kv.Store, error) {
	switch kind {
	case "memory":
		return kv.NewMemory(time.Now), nil
	case "sqlite", "":
		path := strings.TrimSpace(dbPath)
		if path == "" {
			path = filepath.Join(dataDir, "state.sqlite")
		}
		return kv.OpenSQLite(path, kv.SQLiteOptions{Now: time.Now, SweepEvery: tune.SweepEvery()})
	}
	return nil, fmt.Errorf("unknown store %q (want sqlite or memory)", kind)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
