package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"prodfactory.io/internal/protocol"
	"prodfactory.io/internal/session"
	"prodfactory.io/internal/sim/catalogs"
	"prodfactory.io/internal/sim/game"
	"prodfactory.io/internal/transport/dispatch"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
	pingEvery    = 25 * time.Second
	maxMessage   = 256 << 10
)

type Server struct {
	d        *dispatch.Dispatcher
	sessions *session.Manager
	welcome  protocol.WelcomeMsg
	log      *log.Logger

	upgrader websocket.Upgrader
	active   atomic.Int64
	requests atomic.Uint64
}

func NewServer(d *dispatch.Dispatcher, sessions *session.Manager, cat *catalogs.Catalog, client protocol.ClientTuning, logger *log.Logger) *Server {
	boosts := make([]string, 0, len(game.BoostIDs))
	for _, b := range game.BoostIDs {
		boosts = append(boosts, string(b))
	}
	return &Server{
		d:        d,
		sessions: sessions,
		log:      logger,
		welcome: protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			CatalogDigest:   cat.Digest,
			Resources:       append([]string(nil), cat.Order...),
			Boosts:          boosts,
			Client:          client,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // cookie is SameSite=Strict
		},
	}
}

// Active is the number of open connections.
func (s *Server) Active() int64 { return s.active.Load() }

// Requests counts envelopes answered since start.
func (s *Server) Requests() uint64 { return s.requests.Load() }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		sid := session.FromRequest(r)
		if sid == "" {
			writeHTTPError(rw, dispatch.Unauthorized("No session cookie"))
			return
		}
		if _, err := s.sessions.Validate(r.Context(), sid); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				writeHTTPError(rw, dispatch.Unauthorized("Invalid or expired session"))
				return
			}
			s.logf("validate session: %v", err)
			writeHTTPError(rw, dispatch.Internal())
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxMessage)

		if !s.handshake(conn) {
			return
		}
		s.active.Add(1)
		defer s.active.Add(-1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		out := make(chan []byte, 16)

		// Writer goroutine.
		go func() {
			ping := time.NewTicker(pingEvery)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
						cancel()
						return
					}
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})

		// Reader loop. Requests are handled one at a time, so a connection's writes apply in
		// the order they were sent.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			res := s.handle(ctx, sid, msg)
			b, err := json.Marshal(res)
			if err != nil {
				s.logf("encode result: %v", err)
				return
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	env, err := protocol.DecodeEnvelope(msg)
	if err != nil || env.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad HELLO")
		return false
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return false
	}
	return writeJSON(conn, s.welcome) == nil
}

func (s *Server) handle(ctx context.Context, sid string, msg []byte) protocol.ResultMsg {
	s.requests.Add(1)
	env, err := protocol.DecodeEnvelope(msg)
	if err != nil {
		return result("", dispatch.Reply{
			Status: http.StatusBadRequest,
			Code:   protocol.ErrProtoBadRequest,
			Body:   protocol.ErrorBody{Error: "Invalid envelope", Code: protocol.ErrProtoBadRequest},
		})
	}
	// The session may have expired since the upgrade.
	if _, err := s.sessions.Validate(ctx, sid); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return result(env.ID, dispatch.Unauthorized("Invalid or expired session"))
		}
		return result(env.ID, dispatch.Internal())
	}

	switch env.Type {
	case protocol.TypeLoad:
		return result(env.ID, s.d.Load(ctx, sid))
	case protocol.TypeSave:
		return result(env.ID, s.d.Write(ctx, sid, protocol.OpSave, env.Payload))
	case protocol.TypeSync:
		return result(env.ID, s.d.Write(ctx, sid, protocol.OpSync, env.Payload))
	case protocol.TypeReset:
		return result(env.ID, s.d.Write(ctx, sid, protocol.OpReset, env.Payload))
	case protocol.TypeAction:
		var head struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(env.Payload, &head); err != nil {
			return result(env.ID, dispatch.BadRequest("Invalid JSON body"))
		}
		op := protocol.Op(head.Action)
		if !protocol.IsAction(op) {
			return result(env.ID, dispatch.BadRequest("Unknown action: "+head.Action))
		}
		return result(env.ID, s.d.Write(ctx, sid, op, env.Payload))
	}
	return result(env.ID, dispatch.Reply{
		Status: http.StatusBadRequest,
		Code:   protocol.ErrProtoBadRequest,
		Body:   protocol.ErrorBody{Error: "Unknown message type: " + env.Type, Code: protocol.ErrProtoBadRequest},
	})
}

// result wraps rep for the wire. Error replies move their message into the envelope and
// carry no body.
func result(ackFor string, rep dispatch.Reply) protocol.ResultMsg {
	m := protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		AckFor:          ackFor,
		Status:          rep.Status,
		Code:            rep.Code,
	}
	if eb, ok := rep.Body.(protocol.ErrorBody); ok {
		m.Error = eb.Error
		return m
	}
	m.Body = rep.Body
	return m
}

func writeHTTPError(rw http.ResponseWriter, rep dispatch.Reply) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(rep.Status)
	_ = json.NewEncoder(rw).Encode(rep.Body)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
