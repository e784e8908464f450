// Package client is the player side of the sync protocol: an API over the game endpoints
// and a Syncer that keeps a predicted state in step with the server.
package client

import (
	"context"
	"errors"
	"fmt"

	"prodfactory.io/internal/codec"
	"prodfactory.io/internal/protocol"
	"prodfactory.io/internal/sim/game"
)

var (
	// ErrNotFound is returned by Load when the session has no saved game.
	ErrNotFound = errors.New("client: no saved game")
	// ErrDrained fails jobs that were queued behind a conflict.
	ErrDrained = errors.New("client: dropped after conflict")
	// ErrNoEffect is returned when an action does not apply to the predicted state.
	ErrNoEffect = errors.New("client: action has no effect")
	// ErrNotReady refuses writes until Init has adopted or created the saved game.
	ErrNotReady = errors.New("client: not initialised")
)

// ConflictError carries the authoritative state from a 409.
type ConflictError struct {
	State         codec.WireState
	ServerVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("client: version conflict (server at %d)", e.ServerVersion)
}

// StatusError is any other non-2xx reply.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("client: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("client: %d: %s", e.Status, e.Message)
}

// Rejected reports whether err is the server refusing an action that had no effect.
func Rejected(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == protocol.ErrNoEffect
}

// API is the set of game calls the Syncer needs. Writes that lose a version race return a
// *ConflictError.
type API interface {
	Load(ctx context.Context) (protocol.StateBody, error)
	Save(ctx context.Context, w codec.WireState, version int64) (protocol.WriteBody, error)
	Sync(ctx context.Context, w codec.WireState, version int64) (protocol.WriteBody, error)
	Action(ctx context.Context, a game.Action, version int64) (protocol.StateBody, error)
	Reset(ctx context.Context, version int64) (protocol.StateBody, error)
}
