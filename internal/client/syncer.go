package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"prodfactory.io/internal/codec"
	"prodfactory.io/internal/sim/game"
)

// Intervals drive the Syncer's loops.
type Intervals struct {
	Tick     time.Duration
	Autosave time.Duration
	Autosync time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{Tick: 100 * time.Millisecond, Autosave: 5 * time.Second, Autosync: 15 * time.Second}
}

type jobKind int

const (
	jobAction jobKind = iota
	jobSave
	jobSync
	jobReset
	jobBarrier
)

type job struct {
	kind   jobKind
	action game.Action
	done   chan error
}

func (j *job) finish(err error) {
	select {
	case j.done <- err:
	default:
	}
}

// Stats are cumulative Syncer counters.
type Stats struct {
	Writes    uint64
	Conflicts uint64
	Drained   uint64
	Warnings  uint64
}

// Syncer owns a predicted game state and keeps it in step with the server. Writes go
// through one worker goroutine, so at most one request is in flight and they reach the
// server in the order they were queued.
type Syncer struct {
	api API
	eng *game.Engine
	ivl Intervals
	log *log.Logger

	// wire is held for every API request, so Init and the worker never overlap.
	wire sync.Mutex

	mu      sync.Mutex
	state   game.State
	version int64
	ready   bool
	warning string

	jobs    chan *job
	pending atomic.Int64

	writes    atomic.Uint64
	conflicts atomic.Uint64
	drained   atomic.Uint64
	warnings  atomic.Uint64
}

func NewSyncer(api API, eng *game.Engine, ivl Intervals, logger *log.Logger) *Syncer {
	def := DefaultIntervals()
	if ivl.Tick <= 0 {
		ivl.Tick = def.Tick
	}
	if ivl.Autosave <= 0 {
		ivl.Autosave = def.Autosave
	}
	if ivl.Autosync <= 0 {
		ivl.Autosync = def.Autosync
	}
	return &Syncer{
		api:   api,
		eng:   eng,
		ivl:   ivl,
		log:   logger,
		state: eng.NewState(),
		jobs:  make(chan *job, 64),
	}
}

// State returns a copy of the predicted state.
func (s *Syncer) State() game.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Version is the last server version the Syncer has seen.
func (s *Syncer) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Ready reports whether Init has succeeded.
func (s *Syncer) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Warning returns the last warning the server attached to a save or sync.
func (s *Syncer) Warning() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warning
}

func (s *Syncer) Stats() Stats {
	return Stats{
		Writes:    s.writes.Load(),
		Conflicts: s.conflicts.Load(),
		Drained:   s.drained.Load(),
		Warnings:  s.warnings.Load(),
	}
}

// Init adopts the server's saved game, or uploads the predicted state as version 0 when the
// session has none. Writes are refused with ErrNotReady until it succeeds.
func (s *Syncer) Init(ctx context.Context) error {
	s.wire.Lock()
	defer s.wire.Unlock()
	if s.Ready() {
		return nil
	}
	body, err := s.api.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		res, err := s.api.Save(ctx, s.encode(), 0)
		if err != nil {
			return err
		}
		s.writes.Add(1)
		s.adoptWrite(res.State, res.ServerVersion, res.Warning)
		s.setReady()
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.adopt(body.State, body.ServerVersion, false); err != nil {
		return err
	}
	s.setReady()
	return nil
}

func (s *Syncer) setReady() {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
}

// Do applies a to the predicted state and queues it for the server. The returned channel
// yields the server's verdict. An action that does not apply locally is never sent.
func (s *Syncer) Do(ctx context.Context, a game.Action) (<-chan error, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	s.mu.Lock()
	next, ok, err := s.eng.Apply(s.state, a)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !ok {
		s.mu.Unlock()
		return nil, ErrNoEffect
	}
	s.state = next
	s.mu.Unlock()
	return s.submit(ctx, &job{kind: jobAction, action: a})
}

// StartRun begins a manual run on the predicted state. Runs never reach the server; their
// output does, through the next save.
func (s *Syncer) StartRun(id game.ResourceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.eng.StartRun(s.state, id)
	if ok {
		s.state = next
	}
	return ok
}

// Reset asks the server for a fresh game. Anything still queued is dropped first.
func (s *Syncer) Reset(ctx context.Context) (<-chan error, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	s.drain(ErrDrained)
	return s.submit(ctx, &job{kind: jobReset})
}

// Flush returns once every job queued before it has finished.
func (s *Syncer) Flush(ctx context.Context) error {
	done, err := s.submit(ctx, &job{kind: jobBarrier})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Save and Sync queue a write of the predicted state.
func (s *Syncer) Save(ctx context.Context) (<-chan error, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	return s.submit(ctx, &job{kind: jobSave})
}

func (s *Syncer) Sync(ctx context.Context) (<-chan error, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	return s.submit(ctx, &job{kind: jobSync})
}

func (s *Syncer) submit(ctx context.Context, j *job) (<-chan error, error) {
	j.done = make(chan error, 1)
	s.pending.Add(1)
	select {
	case s.jobs <- j:
		return j.done, nil
	case <-ctx.Done():
		s.pending.Add(-1)
		return nil, ctx.Err()
	}
}

// idle is true when nothing is queued or in flight.
func (s *Syncer) idle() bool { return s.pending.Load() == 0 }

// Run starts the worker and the tick, autosave and autosync loops, and blocks until ctx
// is done. Periodic writes are skipped while the queue is busy, and retry Init until the
// first load succeeds.
func (s *Syncer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.work(ctx)
	}()
	defer wg.Wait()

	tick := time.NewTicker(s.ivl.Tick)
	defer tick.Stop()
	save := time.NewTicker(s.ivl.Autosave)
	defer save.Stop()
	syncT := time.NewTicker(s.ivl.Autosync)
	defer syncT.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			s.mu.Lock()
			s.state, _ = s.eng.Advance(s.state)
			s.mu.Unlock()
		case <-save.C:
			s.periodic(ctx, jobSave)
		case <-syncT.C:
			s.periodic(ctx, jobSync)
		}
	}
}

func (s *Syncer) periodic(ctx context.Context, kind jobKind) {
	if !s.Ready() {
		if err := s.Init(ctx); err != nil {
			s.logf("init: %v", err)
		}
		return
	}
	if !s.idle() {
		return
	}
	if _, err := s.submit(ctx, &job{kind: kind}); err != nil {
		s.logf("queue write: %v", err)
	}
}

func (s *Syncer) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drain(ctx.Err())
			return
		case j := <-s.jobs:
			err := s.exec(ctx, j)
			j.finish(err)
			s.pending.Add(-1)
			if err != nil {
				// Whatever is still queued was predicted on top of a state the server
				// did not accept.
				s.drain(ErrDrained)
			}
		}
	}
}

// drain fails every queued job with err. Barriers complete normally.
func (s *Syncer) drain(err error) {
	for {
		select {
		case j := <-s.jobs:
			if j.kind == jobBarrier {
				j.finish(nil)
			} else {
				s.drained.Add(1)
				j.finish(err)
			}
			s.pending.Add(-1)
		default:
			return
		}
	}
}

func (s *Syncer) exec(ctx context.Context, j *job) error {
	if j.kind == jobBarrier {
		return nil
	}
	s.wire.Lock()
	defer s.wire.Unlock()
	version := s.Version()
	var err error
	switch j.kind {
	case jobAction:
		res, aerr := s.api.Action(ctx, j.action, version)
		if err = aerr; err == nil {
			err = s.adopt(res.State, res.ServerVersion, false)
		}
	case jobSave, jobSync:
		w := s.encode()
		call := s.api.Save
		if j.kind == jobSync {
			call = s.api.Sync
		}
		res, werr := call(ctx, w, version)
		if err = werr; err == nil {
			s.adoptWrite(res.State, res.ServerVersion, res.Warning)
		}
	case jobReset:
		res, rerr := s.api.Reset(ctx, version)
		if err = rerr; err == nil {
			err = s.adopt(res.State, res.ServerVersion, true)
		}
	}
	if err == nil {
		s.writes.Add(1)
		return nil
	}

	var ce *ConflictError
	if errors.As(err, &ce) {
		s.conflicts.Add(1)
		if aerr := s.adopt(ce.State, ce.ServerVersion, j.kind == jobReset); aerr != nil {
			s.logf("adopt conflict state: %v", aerr)
		}
	}
	return err
}

func (s *Syncer) encode() codec.WireState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return codec.Encode(s.state, s.eng.Now())
}

// adopt reconciles the predicted state with an authoritative one and takes its version.
func (s *Syncer) adopt(w codec.WireState, version int64, fullReplace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Reconcile(s.eng, s.state, w, fullReplace)
	if err != nil {
		return err
	}
	s.state = next
	s.version = version
	return nil
}

// adoptWrite handles a save or sync reply: the state is present only when the server
// corrected or reset the claim.
func (s *Syncer) adoptWrite(w *codec.WireState, version int64, warning *string) {
	if warning != nil {
		s.warnings.Add(1)
		s.logf("server warning: %s", *warning)
		s.mu.Lock()
		s.warning = *warning
		s.mu.Unlock()
	}
	if w == nil {
		s.mu.Lock()
		s.version = version
		s.mu.Unlock()
		return
	}
	if err := s.adopt(*w, version, false); err != nil {
		s.logf("adopt corrected state: %v", err)
	}
}

func (s *Syncer) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// Reconcile merges an authoritative state into the predicted one. With fullReplace the
// server state is taken as is. Otherwise the server's amounts, producers, flags and boosts
// win and each resource keeps its predicted run, so an in-flight progress bar does not jump.
func Reconcile(eng *game.Engine, predicted game.State, server codec.WireState, fullReplace bool) (game.State, error) {
	fresh := eng.NewState()
	auth, err := codec.Decode(server, fresh)
	if err != nil {
		return predicted, err
	}
	if fullReplace {
		return auth, nil
	}
	for id, r := range auth.Resources {
		if p, ok := predicted.Resources[id]; ok {
			r.RunStartedAt = p.RunStartedAt
			auth.Resources[id] = r
		}
	}
	return auth, nil
}
