package client

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodfactory.io/internal/codec"
	"prodfactory.io/internal/persistence/kv"
	"prodfactory.io/internal/protocol"
	"prodfactory.io/internal/quantity"
	"prodfactory.io/internal/ratelimit"
	"prodfactory.io/internal/session"
	"prodfactory.io/internal/sim/catalogs"
	"prodfactory.io/internal/sim/game"
	"prodfactory.io/internal/sim/plausibility"
	"prodfactory.io/internal/syncsvc"
	"prodfactory.io/internal/transport/dispatch"
	"prodfactory.io/internal/transport/httpapi"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func fixedNow() time.Time { return t0 }

func newEngine() *game.Engine { return game.NewEngine(catalogs.Default(), fixedNow) }

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

// newGameServer runs the real HTTP API over an in-memory store.
func newGameServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := kv.NewMemory(fixedNow)
	sessions := session.NewManager(store, time.Hour, fixedNow)
	eng := newEngine()
	svc := syncsvc.New(store, sessions, eng, plausibility.NewAuditor(eng, plausibility.DefaultPolicy()), syncsvc.Options{
		StateTTL: time.Hour,
		Now:      fixedNow,
		Logger:   quiet(),
	})
	parser, err := protocol.NewParser(catalogs.Default())
	require.NoError(t, err)
	api := httpapi.NewServer(dispatch.New(svc, parser, quiet()), sessions, ratelimit.NewCounter(store), httpapi.Config{Dev: true}, quiet())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newHTTPClient(t *testing.T, srv *httptest.Server) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(srv.URL, &http.Client{Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestHTTPClient_CreatesSessionOnUnauthorized(t *testing.T) {
	srv := newGameServer(t)
	c := newHTTPClient(t, srv)
	ctx := context.Background()

	_, err := c.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	fresh := codec.Encode(newEngine().NewState(), t0)
	res, err := c.Save(ctx, fresh, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ServerVersion)
	assert.Nil(t, res.State)
	assert.Nil(t, res.Warning)

	body, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), body.ServerVersion)
}

func TestHTTPClient_ErrorMapping(t *testing.T) {
	srv := newGameServer(t)
	c := newHTTPClient(t, srv)
	ctx := context.Background()
	fresh := codec.Encode(newEngine().NewState(), t0)

	_, err := c.Sync(ctx, fresh, 0)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)

	_, err = c.Save(ctx, fresh, 0)
	require.NoError(t, err)
	_, err = c.Save(ctx, fresh, 0)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(1), ce.ServerVersion)

	boost := game.Action{Kind: game.ActionActivateBoost, Boost: game.BoostRuntime50}
	body, err := c.Action(ctx, boost, 1)
	require.NoError(t, err)
	assert.True(t, body.State.Boosts().Runtime50)
	_, err = c.Action(ctx, boost, 2)
	require.Error(t, err)
	assert.True(t, Rejected(err))

	body, err = c.Action(ctx, game.Action{Kind: game.ActionResetBoosts}, 2)
	require.NoError(t, err)
	assert.False(t, body.State.Boosts().Any())

	body, err = c.Reset(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), body.ServerVersion)
}

func TestSyncer_InitUploadsThenAdopts(t *testing.T) {
	srv := newGameServer(t)
	c := newHTTPClient(t, srv)
	ctx := context.Background()

	first := NewSyncer(c, newEngine(), Intervals{}, quiet())
	assert.False(t, first.Ready())
	require.NoError(t, first.Init(ctx))
	assert.True(t, first.Ready())
	assert.Equal(t, int64(1), first.Version())

	// Same cookie jar, same session.
	second := NewSyncer(c, newEngine(), Intervals{}, quiet())
	require.NoError(t, second.Init(ctx))
	assert.Equal(t, int64(1), second.Version())
}

func TestSyncer_DoAndFlush(t *testing.T) {
	srv := newGameServer(t)
	c := newHTTPClient(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSyncer(c, newEngine(), Intervals{Tick: time.Hour, Autosave: time.Hour, Autosync: time.Hour}, quiet())
	require.NoError(t, s.Init(ctx))
	go s.Run(ctx)

	// Fresh iron-ore has nothing to pay with.
	_, err := s.Do(ctx, game.Action{Kind: game.ActionBuyProducer, Resource: game.IronOre})
	require.ErrorIs(t, err, ErrNoEffect)

	done, err := s.Do(ctx, game.Action{Kind: game.ActionActivateBoost, Boost: game.BoostProduction20x})
	require.NoError(t, err)
	assert.True(t, s.State().Boosts.Production20x, "applied locally before the server answers")

	require.NoError(t, s.Flush(ctx))
	require.NoError(t, <-done)
	assert.Equal(t, int64(2), s.Version())

	saved, err := s.Save(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, <-saved)
	assert.Equal(t, int64(3), s.Version())

	reset, err := s.Reset(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, <-reset)
	assert.Equal(t, int64(4), s.Version())
	assert.False(t, s.State().Boosts.Any())
	assert.Equal(t, uint64(4), s.Stats().Writes, "initial upload, action, save, reset")
}

// gatedAPI blocks the first action until release is closed, then answers every action
// with a conflict.
type gatedAPI struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
	server  codec.WireState
}

func (g *gatedAPI) Load(context.Context) (protocol.StateBody, error) {
	return protocol.StateBody{State: g.server, ServerVersion: 1}, nil
}

func (g *gatedAPI) Save(context.Context, codec.WireState, int64) (protocol.WriteBody, error) {
	return protocol.WriteBody{ServerVersion: 2}, nil
}

func (g *gatedAPI) Sync(ctx context.Context, w codec.WireState, v int64) (protocol.WriteBody, error) {
	return g.Save(ctx, w, v)
}

func (g *gatedAPI) Action(ctx context.Context, _ game.Action, _ int64) (protocol.StateBody, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return protocol.StateBody{}, ctx.Err()
		}
	}
	return protocol.StateBody{}, &ConflictError{State: g.server, ServerVersion: 7}
}

func (g *gatedAPI) Reset(context.Context, int64) (protocol.StateBody, error) {
	return protocol.StateBody{}, errors.New("not used")
}

func TestSyncer_ConflictDrainsQueue(t *testing.T) {
	eng := newEngine()
	srvState := eng.NewState()
	ore := srvState.Resources[game.IronOre]
	ore.Amount = quantity.New(42)
	srvState.Resources[game.IronOre] = ore
	api := &gatedAPI{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		server:  codec.Encode(srvState, t0),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewSyncer(api, eng, Intervals{Tick: time.Hour, Autosave: time.Hour, Autosync: time.Hour}, quiet())
	require.NoError(t, s.Init(ctx))
	go s.Run(ctx)

	first, err := s.Do(ctx, game.Action{Kind: game.ActionActivateBoost, Boost: game.BoostProduction20x})
	require.NoError(t, err)
	<-api.entered
	second, err := s.Do(ctx, game.Action{Kind: game.ActionActivateBoost, Boost: game.BoostRuntime50})
	require.NoError(t, err)
	third, err := s.Do(ctx, game.Action{Kind: game.ActionActivateBoost, Boost: game.BoostAutomation2x})
	require.NoError(t, err)

	close(api.release)
	require.NoError(t, s.Flush(ctx))

	var ce *ConflictError
	require.ErrorAs(t, <-first, &ce)
	assert.ErrorIs(t, <-second, ErrDrained)
	assert.ErrorIs(t, <-third, ErrDrained)

	assert.Equal(t, 1, api.calls, "drained jobs never reach the server")
	assert.Equal(t, int64(7), s.Version())
	got := s.State()
	assert.Equal(t, 42.0, got.Resources[game.IronOre].Amount.Float64())
	assert.False(t, got.Boosts.Any(), "predicted boosts are replaced by the server's")
	st := s.Stats()
	assert.Equal(t, uint64(1), st.Conflicts)
	assert.Equal(t, uint64(2), st.Drained)
}

func TestReconcile(t *testing.T) {
	eng := newEngine()
	predicted := eng.NewState()
	started := t0.UnixMilli() - 500
	ore := predicted.Resources[game.IronOre]
	ore.RunStartedAt = &started
	predicted.Resources[game.IronOre] = ore

	server := eng.NewState()
	sOre := server.Resources[game.IronOre]
	sOre.Amount = quantity.New(50)
	sOre.Producers = 3
	server.Resources[game.IronOre] = sOre
	server.Boosts.Runtime50 = true
	w := codec.Encode(server, t0)

	merged, err := Reconcile(eng, predicted, w, false)
	require.NoError(t, err)
	m := merged.Resources[game.IronOre]
	assert.Equal(t, 50.0, m.Amount.Float64())
	assert.Equal(t, 3, m.Producers)
	assert.True(t, merged.Boosts.Runtime50)
	require.NotNil(t, m.RunStartedAt)
	assert.Equal(t, started, *m.RunStartedAt)

	replaced, err := Reconcile(eng, predicted, w, true)
	require.NoError(t, err)
	assert.Nil(t, replaced.Resources[game.IronOre].RunStartedAt)

	w.Version = 2
	kept, err := Reconcile(eng, predicted, w, false)
	require.ErrorIs(t, err, codec.ErrUnsupportedVersion)
	assert.Equal(t, predicted, kept)
}

func TestSyncer_StartRunStaysLocal(t *testing.T) {
	api := &gatedAPI{entered: make(chan struct{}), release: make(chan struct{}), server: codec.Encode(newEngine().NewState(), t0)}
	s := NewSyncer(api, newEngine(), Intervals{}, quiet())
	require.NoError(t, s.Init(context.Background()))

	assert.True(t, s.StartRun(game.IronOre))
	assert.True(t, s.State().Resources[game.IronOre].Running())
	assert.False(t, s.StartRun(game.IronOre), "already running")
	assert.False(t, s.StartRun(game.Plates), "locked")
	assert.Zero(t, api.calls)
}

// serialAPI records how many requests overlap. Load blocks until gate is closed.
type serialAPI struct {
	inFlight atomic.Int64
	peak     atomic.Int64
	loads    atomic.Int64
	version  atomic.Int64
	gate     chan struct{}
	server   codec.WireState
}

func (a *serialAPI) enter() func() {
	n := a.inFlight.Add(1)
	for {
		p := a.peak.Load()
		if n <= p || a.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return func() { a.inFlight.Add(-1) }
}

func (a *serialAPI) Load(context.Context) (protocol.StateBody, error) {
	defer a.enter()()
	<-a.gate
	a.loads.Add(1)
	return protocol.StateBody{State: a.server, ServerVersion: a.version.Add(1)}, nil
}

func (a *serialAPI) Save(context.Context, codec.WireState, int64) (protocol.WriteBody, error) {
	defer a.enter()()
	return protocol.WriteBody{ServerVersion: a.version.Add(1)}, nil
}

func (a *serialAPI) Sync(ctx context.Context, w codec.WireState, v int64) (protocol.WriteBody, error) {
	return a.Save(ctx, w, v)
}

func (a *serialAPI) Action(context.Context, game.Action, int64) (protocol.StateBody, error) {
	defer a.enter()()
	return protocol.StateBody{State: a.server, ServerVersion: a.version.Add(1)}, nil
}

func (a *serialAPI) Reset(context.Context, int64) (protocol.StateBody, error) {
	defer a.enter()()
	return protocol.StateBody{State: a.server, ServerVersion: a.version.Add(1)}, nil
}

func TestSyncer_OneRequestInFlightAcrossInitAndWorker(t *testing.T) {
	eng := newEngine()
	api := &serialAPI{gate: make(chan struct{}), server: codec.Encode(eng.NewState(), t0)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSyncer(api, eng, Intervals{Tick: time.Millisecond, Autosave: time.Millisecond, Autosync: 3 * time.Millisecond}, quiet())
	go s.Run(ctx)

	initDone := make(chan error, 1)
	go func() { initDone <- s.Init(ctx) }()

	_, err := s.Do(ctx, game.Action{Kind: game.ActionActivateBoost, Boost: game.BoostRuntime50})
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = s.Save(ctx)
	assert.ErrorIs(t, err, ErrNotReady)

	close(api.gate)
	require.NoError(t, <-initDone)
	require.True(t, s.Ready())

	for _, b := range []game.BoostID{game.BoostProduction20x, game.BoostRuntime50, game.BoostAutomation2x} {
		_, err := s.Do(ctx, game.Action{Kind: game.ActionActivateBoost, Boost: b})
		require.NoError(t, err)
	}
	require.NoError(t, s.Flush(ctx))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int64(1), api.loads.Load(), "concurrent Init calls load once")
	assert.Equal(t, int64(1), api.peak.Load(), "requests never overlap")
}
