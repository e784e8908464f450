// Package ratelimit caps request rates per client: a windowed counter in the shared store
// for expensive operations, and an in-process token bucket per IP for everything else.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"prodfactory.io/internal/persistence/kv"
)

type Result struct {
	Allowed   bool
	Remaining int
}

// Counter is a fixed-window limiter on kv.Store.Incr.
type Counter struct {
	store kv.Store
}

func NewCounter(store kv.Store) *Counter { return &Counter{store: store} }

func (c *Counter) Allow(ctx context.Context, key string, max int, window time.Duration) (Result, error) {
	n, err := c.store.Incr(ctx, kv.RateLimitKey(key), window)
	if err != nil {
		return Result{}, err
	}
	rem := max - int(n)
	if rem < 0 {
		rem = 0
	}
	return Result{Allowed: n <= int64(max), Remaining: rem}, nil
}

// ClientIP is the first x-forwarded-for hop, else the connection's remote host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// PerIP hands out one token bucket per client IP and forgets idle ones.
type PerIP struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

func NewPerIP(rps float64, burst int) *PerIP {
	return &PerIP{
		visitors: map[string]*visitor{},
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (p *PerIP) limiter(ip string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.visitors[ip]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(p.rps, p.burst)}
		p.visitors[ip] = v
	}
	v.lastSeen = p.now()
	return v.lim
}

func (p *PerIP) Allow(ip string) bool { return p.limiter(ip).Allow() }

// Cleanup drops visitors idle for longer than the idle window and returns how many remain.
func (p *PerIP) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-p.idle)
	for ip, v := range p.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(p.visitors, ip)
		}
	}
	return len(p.visitors)
}

// Run calls Cleanup every interval until ctx is done.
func (p *PerIP) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Cleanup()
		}
	}
}

// Middleware rejects over-limit clients with 429 before next runs.
func (p *PerIP) Middleware(next http.Handler, reject http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Allow(ClientIP(r)) {
			reject(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
