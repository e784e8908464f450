package syncsvc

import (
	"context"

	"prodfactory.io/internal/codec"
	"prodfactory.io/internal/sim/game"
)

type ActionRequest struct {
	Kind          game.ActionKind
	ResourceID    string
	BoostID       string
	ServerVersion int64
}

// Action applies one named rule to the stored state. The client's view of the state is not
// consulted; only its version.
func (s *Service) Action(ctx context.Context, sid string, req ActionRequest) (WriteResult, error) {
	s.actions.Add(1)
	unlock := s.locks.lock(sid)
	defer unlock()

	stored, ok, err := s.loadStored(ctx, sid)
	if err != nil {
		return WriteResult{}, err
	}
	if !ok {
		return WriteResult{}, ErrNotFound
	}
	if stored.ServerVersion != req.ServerVersion {
		return s.conflict(sid, string(req.Kind), stored), nil
	}

	cur, err := codec.Decode(stored.WireState, s.eng.NewState())
	if err != nil {
		return WriteResult{}, err
	}
	next, applied, err := s.eng.Apply(cur, game.Action{
		Kind:     req.Kind,
		Resource: game.ResourceID(req.ResourceID),
		Boost:    game.BoostID(req.BoostID),
	})
	if err != nil {
		return WriteResult{}, err
	}
	if !applied {
		s.noEffect.Add(1)
		return WriteResult{}, ErrNoEffect
	}

	w := codec.Encode(next, s.now())
	newVersion := stored.ServerVersion + 1
	if err := s.writeState(ctx, sid, w, newVersion); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Outcome: Accepted, State: &w, ServerVersion: newVersion}, nil
}
