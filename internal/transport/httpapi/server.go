// Package httpapi serves the game endpoints under /api.
package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"lukechampine.com/blake3"

	"prodfactory.io/internal/protocol"
	"prodfactory.io/internal/ratelimit"
	"prodfactory.io/internal/session"
	"prodfactory.io/internal/transport/dispatch"
)

const maxBodyBytes = 256 << 10

type Config struct {
	// Dev drops the Secure cookie attribute so plain-http localhost works.
	Dev                 bool
	SessionCreateMax    int
	SessionCreateWindow time.Duration
}

type Server struct {
	d        *dispatch.Dispatcher
	sessions *session.Manager
	counter  *ratelimit.Counter
	cfg      Config
	log      *log.Logger
}

func NewServer(d *dispatch.Dispatcher, sessions *session.Manager, counter *ratelimit.Counter, cfg Config, logger *log.Logger) *Server {
	if cfg.SessionCreateMax <= 0 {
		cfg.SessionCreateMax = 10
	}
	if cfg.SessionCreateWindow <= 0 {
		cfg.SessionCreateWindow = time.Hour
	}
	return &Server{d: d, sessions: sessions, counter: counter, cfg: cfg, log: logger}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/session", s.handleSession)
	mux.HandleFunc("GET /api/game", s.authed(s.handleLoad))
	mux.HandleFunc("POST /api/game/{op}", s.authed(s.handleWrite))
}

// Handler is a standalone mux with just the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) handleSession(rw http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ClientIP(r)
	res, err := s.counter.Allow(r.Context(), "session:"+ip, s.cfg.SessionCreateMax, s.cfg.SessionCreateWindow)
	if err != nil {
		s.logf("session rate limit: %v", err)
		WriteReply(rw, r, dispatch.Internal())
		return
	}
	if !res.Allowed {
		WriteReply(rw, r, dispatch.TooManyRequests("Too many session requests"))
		return
	}
	id, err := s.sessions.Create(r.Context())
	if err != nil {
		s.logf("create session: %v", err)
		WriteReply(rw, r, dispatch.Internal())
		return
	}
	http.SetCookie(rw, s.sessions.Cookie(id, s.cfg.Dev))
	rw.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoad(rw http.ResponseWriter, r *http.Request, sid string) {
	WriteReply(rw, r, s.d.Load(r.Context(), sid))
}

func (s *Server) handleWrite(rw http.ResponseWriter, r *http.Request, sid string) {
	op := protocol.Op(r.PathValue("op"))
	switch {
	case op == protocol.OpSave, op == protocol.OpSync, op == protocol.OpReset, protocol.IsAction(op):
	default:
		http.NotFound(rw, r)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteReply(rw, r, dispatch.Reply{
				Status: http.StatusRequestEntityTooLarge,
				Code:   protocol.ErrProtoBadRequest,
				Body:   protocol.ErrorBody{Error: "Body too large", Code: protocol.ErrProtoBadRequest},
			})
			return
		}
		WriteReply(rw, r, dispatch.BadRequest("Invalid JSON body"))
		return
	}
	WriteReply(rw, r, s.d.Write(r.Context(), sid, op, body))
}

type sessionHandler func(rw http.ResponseWriter, r *http.Request, sid string)

// authed resolves the session cookie before h runs. Validation refreshes the session.
func (s *Server) authed(h sessionHandler) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		sid := session.FromRequest(r)
		if sid == "" {
			WriteReply(rw, r, dispatch.Unauthorized("No session cookie"))
			return
		}
		if _, err := s.sessions.Validate(r.Context(), sid); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				WriteReply(rw, r, dispatch.Unauthorized("Invalid or expired session"))
				return
			}
			s.logf("validate session: %v", err)
			WriteReply(rw, r, dispatch.Internal())
			return
		}
		h(rw, r, sid)
	}
}

// RateLimited answers requests rejected by the per-IP middleware.
func RateLimited(rw http.ResponseWriter, r *http.Request) {
	WriteReply(rw, r, dispatch.TooManyRequests("Too many requests"))
}

// WriteReply encodes rep as JSON. Cacheable replies get a blake3 ETag and honor If-None-Match.
func WriteReply(rw http.ResponseWriter, r *http.Request, rep dispatch.Reply) {
	b, err := json.Marshal(rep.Body)
	if err != nil {
		rep = dispatch.Internal()
		b, _ = json.Marshal(rep.Body)
	}
	h := rw.Header()
	h.Set("Content-Type", "application/json")
	if rep.Cacheable {
		tag := ETag(b)
		h.Set("ETag", tag)
		h.Set("Cache-Control", "no-cache")
		if r.Header.Get("If-None-Match") == tag {
			rw.WriteHeader(http.StatusNotModified)
			return
		}
	} else {
		h.Set("Cache-Control", "no-store")
	}
	rw.WriteHeader(rep.Status)
	_, _ = rw.Write(b)
}

func ETag(body []byte) string {
	sum := blake3.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
