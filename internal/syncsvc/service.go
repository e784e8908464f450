// Package syncsvc is the authoritative side of the save/sync protocol.
//
// Every write presents the serverVersion the caller last saw. A matching version is applied
// and bumps the stored version by exactly one; anything else is a conflict answered with the
// stored state. Claimed states from save and sync pass the plausibility auditor once a
// snapshot exists; actions are replayed on the server's own copy of the state.
package syncsvc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"prodfactory.io/internal/codec"
	"prodfactory.io/internal/persistence/kv"
	persistlog "prodfactory.io/internal/persistence/log"
	"prodfactory.io/internal/sim/game"
	"prodfactory.io/internal/sim/plausibility"
)

var (
	ErrNotFound = errors.New("syncsvc: no saved game")
	ErrNoEffect = errors.New("syncsvc: action had no effect")
)

type Outcome int

const (
	Accepted Outcome = iota + 1
	Corrected
	Reset
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Corrected:
		return "corrected"
	case Reset:
		return "reset"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// WriteResult is the answer to every versioned write.
//
// State is the stored state on Conflict, the replacement state on Corrected and Reset, and
// the new state for accepted actions and resets. It is nil for a clean save or sync, where
// the caller's claim was stored as-is.
type WriteResult struct {
	Outcome       Outcome
	State         *codec.WireState
	ServerVersion int64
	Warning       string
}

// Sessions is the warning counter the escalation path needs.
type Sessions interface {
	IncrementWarnings(ctx context.Context, id string) (int, error)
	ResetWarnings(ctx context.Context, id string) error
}

type EventSink interface {
	Record(persistlog.Event)
}

type Options struct {
	StateTTL time.Duration
	Now      func() time.Time
	Events   EventSink
	Logger   *log.Logger
}

type Service struct {
	store    kv.Store
	sessions Sessions
	eng      *game.Engine
	auditor  *plausibility.Auditor

	ttl    time.Duration
	now    func() time.Time
	events EventSink
	logger *log.Logger

	locks keyedMutex

	loads, saves, syncs, actions, resets     atomic.Uint64
	conflicts, noEffect, corrections, forced atomic.Uint64
}

func New(store kv.Store, sessions Sessions, eng *game.Engine, auditor *plausibility.Auditor, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    store,
		sessions: sessions,
		eng:      eng,
		auditor:  auditor,
		ttl:      opts.StateTTL,
		now:      now,
		events:   opts.Events,
		logger:   opts.Logger,
		locks:    keyedMutex{m: map[string]*lockEntry{}},
	}
}

func (s *Service) Engine() *game.Engine { return s.eng }

// Load returns the stored game for sid, or ErrNotFound.
func (s *Service) Load(ctx context.Context, sid string) (codec.Stored, error) {
	s.loads.Add(1)
	st, ok, err := s.loadStored(ctx, sid)
	if err != nil {
		return codec.Stored{}, err
	}
	if !ok {
		return codec.Stored{}, ErrNotFound
	}
	return st, nil
}

// Save stores a full claimed state. It also creates the stored state on first use.
func (s *Service) Save(ctx context.Context, sid string, claimed codec.WireState, version int64) (WriteResult, error) {
	s.saves.Add(1)
	unlock := s.locks.lock(sid)
	defer unlock()

	stored, ok, err := s.loadStored(ctx, sid)
	if err != nil {
		return WriteResult{}, err
	}
	if ok && stored.ServerVersion != version {
		return s.conflict(sid, "save", stored), nil
	}
	newVersion := int64(1)
	if ok {
		newVersion = stored.ServerVersion + 1
	}
	return s.persistAudited(ctx, sid, "save", claimed, newVersion, false)
}

// Sync is Save for an existing game that also moves the trusted snapshot forward.
func (s *Service) Sync(ctx context.Context, sid string, claimed codec.WireState, version int64) (WriteResult, error) {
	s.syncs.Add(1)
	unlock := s.locks.lock(sid)
	defer unlock()

	stored, ok, err := s.loadStored(ctx, sid)
	if err != nil {
		return WriteResult{}, err
	}
	if !ok {
		return WriteResult{}, ErrNotFound
	}
	if stored.ServerVersion != version {
		return s.conflict(sid, "sync", stored), nil
	}
	return s.persistAudited(ctx, sid, "sync", claimed, stored.ServerVersion+1, true)
}

func (s *Service) persistAudited(ctx context.Context, sid, op string, claimed codec.WireState, newVersion int64, refreshSnapshot bool) (WriteResult, error) {
	now := s.now()
	snap, hasSnap, err := s.loadSnapshot(ctx, sid)
	if err != nil {
		return WriteResult{}, err
	}
	if hasSnap {
		if res := s.auditor.Check(claimed, snap, now); res.Corrected {
			return s.correct(ctx, sid, op, res, newVersion)
		}
	}
	if err := s.writeState(ctx, sid, claimed, newVersion); err != nil {
		return WriteResult{}, err
	}
	if refreshSnapshot || !hasSnap {
		if err := s.writeSnapshot(ctx, sid, plausibility.BuildSnapshot(claimed, now)); err != nil {
			return WriteResult{}, err
		}
	}
	return WriteResult{Outcome: Accepted, ServerVersion: newVersion}, nil
}

// correct stores the auditor's corrected state, or a fresh game once the session has run out
// of warnings.
func (s *Service) correct(ctx context.Context, sid, op string, res plausibility.Result, newVersion int64) (WriteResult, error) {
	s.corrections.Add(1)
	count, err := s.sessions.IncrementWarnings(ctx, sid)
	if err != nil {
		return WriteResult{}, fmt.Errorf("increment warnings: %w", err)
	}

	if s.auditor.Escalate(count) {
		s.forced.Add(1)
		fresh := codec.Encode(s.eng.NewState(), s.now())
		if err := s.writeState(ctx, sid, fresh, newVersion); err != nil {
			return WriteResult{}, err
		}
		if err := s.store.Delete(ctx, kv.SnapshotKey(sid)); err != nil {
			return WriteResult{}, err
		}
		if err := s.sessions.ResetWarnings(ctx, sid); err != nil {
			return WriteResult{}, fmt.Errorf("reset warnings: %w", err)
		}
		msg := resetWarning(count)
		s.record(persistlog.Event{Kind: persistlog.EventReset, SessionID: sid, Op: op, ServerVersion: newVersion, Warnings: count, Message: msg})
		s.logf("session %s: forced reset after %d warnings", sid, count)
		return WriteResult{Outcome: Reset, State: &fresh, ServerVersion: newVersion, Warning: msg}, nil
	}

	state := res.State
	if err := s.writeState(ctx, sid, state, newVersion); err != nil {
		return WriteResult{}, err
	}
	if err := s.writeSnapshot(ctx, sid, plausibility.BuildSnapshot(state, s.now())); err != nil {
		return WriteResult{}, err
	}
	ev := persistlog.Event{Kind: persistlog.EventCorrection, SessionID: sid, Op: op, ServerVersion: newVersion, Warnings: count}
	for _, c := range res.Corrections {
		ev.Resources = append(ev.Resources, persistlog.CorrectedResource{ID: c.ID, Claimed: c.Claimed.String(), Corrected: c.Corrected.String()})
	}
	s.record(ev)
	return WriteResult{Outcome: Corrected, State: &state, ServerVersion: newVersion, Warning: strings.Join(res.Warnings, "; ")}, nil
}

func resetWarning(count int) string {
	return fmt.Sprintf("Game reset: %d implausible updates were detected. Progress has been cleared.", count)
}

// Reset replaces the game with a fresh one. Without a stored game there is nothing to check
// the version against.
func (s *Service) Reset(ctx context.Context, sid string, version int64) (WriteResult, error) {
	s.resets.Add(1)
	unlock := s.locks.lock(sid)
	defer unlock()

	stored, ok, err := s.loadStored(ctx, sid)
	if err != nil {
		return WriteResult{}, err
	}
	if ok && stored.ServerVersion != version {
		return s.conflict(sid, "reset", stored), nil
	}
	newVersion := int64(1)
	if ok {
		newVersion = stored.ServerVersion + 1
	}
	fresh := codec.Encode(s.eng.NewState(), s.now())
	if err := s.writeState(ctx, sid, fresh, newVersion); err != nil {
		return WriteResult{}, err
	}
	if err := s.store.Delete(ctx, kv.SnapshotKey(sid)); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Outcome: Accepted, State: &fresh, ServerVersion: newVersion}, nil
}

func (s *Service) conflict(sid, op string, stored codec.Stored) WriteResult {
	s.conflicts.Add(1)
	s.record(persistlog.Event{Kind: persistlog.EventConflict, SessionID: sid, Op: op, ServerVersion: stored.ServerVersion})
	st := stored.WireState
	return WriteResult{Outcome: Conflict, State: &st, ServerVersion: stored.ServerVersion}
}

// loadStored treats a save in an older or unreadable schema as absent, so the client starts a
// fresh game instead of failing on every request.
func (s *Service) loadStored(ctx context.Context, sid string) (codec.Stored, bool, error) {
	raw, ok, err := s.store.Get(ctx, kv.GameKey(sid))
	if err != nil {
		return codec.Stored{}, false, err
	}
	if !ok {
		return codec.Stored{}, false, nil
	}
	st, err := codec.UnmarshalStored(raw)
	if err != nil {
		s.logf("session %s: unusable stored game: %v", sid, err)
		return codec.Stored{}, false, nil
	}
	if st.Version != codec.SaveVersion {
		s.logf("session %s: stored game has schema version %d, want %d", sid, st.Version, codec.SaveVersion)
		return codec.Stored{}, false, nil
	}
	return st, true, nil
}

func (s *Service) writeState(ctx context.Context, sid string, w codec.WireState, version int64) error {
	raw, err := codec.MarshalStored(codec.Stored{WireState: w, ServerVersion: version})
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, kv.GameKey(sid), raw, s.ttl); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func (s *Service) loadSnapshot(ctx context.Context, sid string) (plausibility.Snapshot, bool, error) {
	raw, ok, err := s.store.Get(ctx, kv.SnapshotKey(sid))
	if err != nil || !ok {
		return plausibility.Snapshot{}, false, err
	}
	snap, err := plausibility.UnmarshalSnapshot(raw)
	if err != nil {
		s.logf("session %s: dropping unreadable snapshot: %v", sid, err)
		return plausibility.Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (s *Service) writeSnapshot(ctx context.Context, sid string, snap plausibility.Snapshot) error {
	raw, err := snap.Marshal()
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, kv.SnapshotKey(sid), raw, s.ttl); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *Service) record(ev persistlog.Event) {
	if s.events == nil {
		return
	}
	ev.At = s.now().UnixMilli()
	s.events.Record(ev)
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

type Stats struct {
	Loads, Saves, Syncs, Actions, Resets     uint64
	Conflicts, NoEffect, Corrections, Forced uint64
	LockedSessions                           int
}

func (s *Service) Stats() Stats {
	return Stats{
		Loads:          s.loads.Load(),
		Saves:          s.saves.Load(),
		Syncs:          s.syncs.Load(),
		Actions:        s.actions.Load(),
		Resets:         s.resets.Load(),
		Conflicts:      s.conflicts.Load(),
		NoEffect:       s.noEffect.Load(),
		Corrections:    s.corrections.Load(),
		Forced:         s.forced.Load(),
		LockedSessions: s.locks.size(),
	}
}
