// Package dispatch maps parsed game requests onto the sync service and its outcomes onto
// wire replies. The HTTP and websocket transports share it so both speak the same statuses,
// codes and bodies.
package dispatch

import (
	"context"
	"errors"
	"log"
	"net/http"

	"prodfactory.io/internal/protocol"
	"prodfactory.io/internal/sim/game"
	"prodfactory.io/internal/syncsvc"
)

// Reply is a transport-neutral response. Status follows HTTP semantics.
type Reply struct {
	Status int
	Code   string
	Body   any
	// Cacheable replies may carry an ETag.
	Cacheable bool
}

func errorReply(status int, code, msg string) Reply {
	return Reply{Status: status, Code: code, Body: protocol.ErrorBody{Error: msg, Code: code}}
}

func BadRequest(msg string) Reply {
	return errorReply(http.StatusBadRequest, protocol.ErrBadRequest, msg)
}

func Unauthorized(msg string) Reply {
	return errorReply(http.StatusUnauthorized, protocol.ErrUnauthorized, msg)
}

func TooManyRequests(msg string) Reply {
	return errorReply(http.StatusTooManyRequests, protocol.ErrRateLimit, msg)
}

func Internal() Reply {
	return errorReply(http.StatusInternalServerError, protocol.ErrInternal, "Internal error")
}

type Dispatcher struct {
	svc    *syncsvc.Service
	parser *protocol.Parser
	log    *log.Logger
}

func New(svc *syncsvc.Service, parser *protocol.Parser, logger *log.Logger) *Dispatcher {
	return &Dispatcher{svc: svc, parser: parser, log: logger}
}

func (d *Dispatcher) Load(ctx context.Context, sid string) Reply {
	st, err := d.svc.Load(ctx, sid)
	if errors.Is(err, syncsvc.ErrNotFound) {
		return errorReply(http.StatusNotFound, protocol.ErrNotFound, "No saved game")
	}
	if err != nil {
		return d.internal("load", sid, err)
	}
	return Reply{
		Status:    http.StatusOK,
		Body:      protocol.StateBody{State: st.WireState, ServerVersion: st.ServerVersion},
		Cacheable: true,
	}
}

// Write parses body for op and runs it against sid's game.
func (d *Dispatcher) Write(ctx context.Context, sid string, op protocol.Op, body []byte) Reply {
	req, err := d.parser.Parse(op, body)
	if err != nil {
		var ve *protocol.ValidationError
		if errors.As(err, &ve) {
			return BadRequest(ve.Message)
		}
		return d.internal(string(op), sid, err)
	}

	var res syncsvc.WriteResult
	switch r := req.(type) {
	case *protocol.SaveRequest:
		if r.Op == protocol.OpSync {
			res, err = d.svc.Sync(ctx, sid, r.State, r.ServerVersion)
		} else {
			res, err = d.svc.Save(ctx, sid, r.State, r.ServerVersion)
		}
		if err != nil {
			return d.failed(string(op), sid, err)
		}
		return saveReply(res)

	case *protocol.VersionRequest:
		if r.Op == protocol.OpReset {
			res, err = d.svc.Reset(ctx, sid, r.ServerVersion)
		} else {
			res, err = d.svc.Action(ctx, sid, syncsvc.ActionRequest{Kind: game.ActionResetBoosts, ServerVersion: r.ServerVersion})
		}

	case *protocol.ResourceRequest:
		res, err = d.svc.Action(ctx, sid, syncsvc.ActionRequest{
			Kind:          game.ActionKind(r.Op),
			ResourceID:    r.ResourceID,
			ServerVersion: r.ServerVersion,
		})

	case *protocol.BoostRequest:
		res, err = d.svc.Action(ctx, sid, syncsvc.ActionRequest{
			Kind:          game.ActionActivateBoost,
			BoostID:       r.BoostID,
			ServerVersion: r.ServerVersion,
		})

	default:
		return BadRequest("Unknown action: " + string(op))
	}
	if err != nil {
		return d.failed(string(op), sid, err)
	}
	return stateReply(res)
}

func (d *Dispatcher) failed(op, sid string, err error) Reply {
	switch {
	case errors.Is(err, syncsvc.ErrNotFound):
		return errorReply(http.StatusNotFound, protocol.ErrNotFound, "No game state found")
	case errors.Is(err, syncsvc.ErrNoEffect):
		return errorReply(http.StatusBadRequest, protocol.ErrNoEffect, "Action had no effect")
	}
	return d.internal(op, sid, err)
}

func (d *Dispatcher) internal(op, sid string, err error) Reply {
	if d.log != nil {
		d.log.Printf("%s session=%s: %v", op, sid, err)
	}
	return Internal()
}

func conflictReply(res syncsvc.WriteResult) Reply {
	return Reply{
		Status: http.StatusConflict,
		Code:   protocol.ErrConflict,
		Body:   protocol.StateBody{State: *res.State, ServerVersion: res.ServerVersion},
	}
}

func saveReply(res syncsvc.WriteResult) Reply {
	if res.Outcome == syncsvc.Conflict {
		return conflictReply(res)
	}
	body := protocol.WriteBody{ServerVersion: res.ServerVersion}
	if res.Outcome == syncsvc.Corrected || res.Outcome == syncsvc.Reset {
		body.State = res.State
		w := res.Warning
		body.Warning = &w
	}
	return Reply{Status: http.StatusOK, Body: body}
}

func stateReply(res syncsvc.WriteResult) Reply {
	if res.Outcome == syncsvc.Conflict {
		return conflictReply(res)
	}
	return Reply{
		Status: http.StatusOK,
		Body:   protocol.StateBody{State: *res.State, ServerVersion: res.ServerVersion},
	}
}
