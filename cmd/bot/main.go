package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"prodfactory.io/internal/client"
	"prodfactory.io/internal/protocol"
	"prodfactory.io/internal/sim/catalogs"
	"prodfactory.io/internal/sim/game"
)

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "server base url")
		think    = flag.Duration("think", time.Second, "delay between decisions")
		duration = flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
		report   = flag.Duration("report", 30*time.Second, "progress log interval")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *duration)
		defer stop()
	}

	api, err := client.NewHTTPClient(*baseURL, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		logger.Fatalf("client: %v", err)
	}
	if err := api.NewSession(ctx); err != nil {
		logger.Fatalf("session: %v", err)
	}

	cat := catalogs.Default()
	ivl := client.DefaultIntervals()
	if w, err := welcome(ctx, *baseURL, api.Jar()); err != nil {
		logger.Printf("websocket handshake failed, using default intervals: %v", err)
	} else {
		if w.CatalogDigest != cat.Digest {
			logger.Fatalf("catalog mismatch: server=%s local=%s", w.CatalogDigest, cat.Digest)
		}
		ivl = client.Intervals{
			Tick:     time.Duration(w.Client.TickMs) * time.Millisecond,
			Autosave: time.Duration(w.Client.AutosaveMs) * time.Millisecond,
			Autosync: time.Duration(w.Client.AutosyncMs) * time.Millisecond,
		}
		logger.Printf("WELCOME protocol=%s resources=%d tick=%s autosave=%s", w.ProtocolVersion, len(w.Resources), ivl.Tick, ivl.Autosave)
	}

	eng := game.NewEngine(cat, time.Now)
	s := client.NewSyncer(api, eng, ivl, logger)
	if err := s.Init(ctx); err != nil {
		logger.Printf("initial load failed, will retry on autosave: %v", err)
	}
	go func() {
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logger.Printf("syncer stopped: %v", err)
		}
	}()

	p := &player{s: s, eng: eng, cat: cat, log: logger}
	thinkT := time.NewTicker(*think)
	defer thinkT.Stop()
	reportT := time.NewTicker(*report)
	defer reportT.Stop()

	for {
		select {
		case <-ctx.Done():
			p.summary()
			return
		case <-thinkT.C:
			p.step(ctx)
		case <-reportT.C:
			p.summary()
		}
	}
}

// welcome performs the websocket handshake to learn the server's catalog and intervals.
func welcome(ctx context.Context, baseURL string, jar http.CookieJar) (protocol.WelcomeMsg, error) {
	var w protocol.WelcomeMsg
	u := "ws" + strings.TrimPrefix(strings.TrimRight(baseURL, "/"), "http") + "/v1/ws"
	d := websocket.Dialer{Jar: jar, HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.DialContext(ctx, u, nil)
	if err != nil {
		return w, err
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      "bot",
	}
	if err := conn.WriteJSON(hello); err != nil {
		return w, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return w, err
	}
	if err := json.Unmarshal(msg, &w); err != nil {
		return w, err
	}
	if w.Type != protocol.TypeWelcome {
		return w, errors.New("expected WELCOME, got " + w.Type)
	}
	return w, nil
}
