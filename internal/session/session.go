// Package session issues player sessions and keeps their anti-cheat warning counter.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"prodfactory.io/internal/persistence/kv"
)

const CookieName = "pf-session"

var ErrNotFound = errors.New("session: not found")

type Record struct {
	CreatedAt    int64 `json:"createdAt"`
	LastActiveAt int64 `json:"lastActiveAt"`
	Warnings     int   `json:"warnings"`
}

type Manager struct {
	store kv.Store
	ttl   time.Duration
	now   func() time.Time

	// Serializes read-modify-write of records; sessions are few and updates are tiny.
	mu sync.Mutex
}

func NewManager(store kv.Store, ttl time.Duration, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, ttl: ttl, now: now}
}

func (m *Manager) TTL() time.Duration { return m.ttl }

func (m *Manager) Create(ctx context.Context) (string, error) {
	id := uuid.NewString()
	ts := m.now().UnixMilli()
	if err := m.put(ctx, id, Record{CreatedAt: ts, LastActiveAt: ts}); err != nil {
		return "", err
	}
	return id, nil
}

// Validate returns the record for id and refreshes its activity time and TTL.
func (m *Manager) Validate(ctx context.Context, id string) (Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Record{}, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	rec.LastActiveAt = m.now().UnixMilli()
	return rec, m.put(ctx, id, rec)
}

func (m *Manager) Get(ctx context.Context, id string) (Record, error) {
	return m.get(ctx, id)
}

// IncrementWarnings adds one correction to the session and returns the new count.
func (m *Manager) IncrementWarnings(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(ctx, id)
	if err != nil {
		return 0, err
	}
	rec.Warnings++
	rec.LastActiveAt = m.now().UnixMilli()
	if err := m.put(ctx, id, rec); err != nil {
		return 0, err
	}
	return rec.Warnings, nil
}

func (m *Manager) ResetWarnings(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	rec.Warnings = 0
	return m.put(ctx, id, rec)
}

func (m *Manager) get(ctx context.Context, id string) (Record, error) {
	raw, ok, err := m.store.Get(ctx, kv.SessionKey(id))
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("session %s: %w", id, err)
	}
	return rec, nil
}

func (m *Manager) put(ctx context.Context, id string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, kv.SessionKey(id), raw, m.ttl)
}

// Cookie builds the session cookie. Secure is dropped in dev so plain-http localhost works.
func (m *Manager) Cookie(id string, dev bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(m.ttl / time.Second),
		HttpOnly: true,
		Secure:   !dev,
		SameSite: http.SameSiteStrictMode,
	}
}

// FromRequest returns the session id carried by r's cookie, or "".
func FromRequest(r *http.Request) string {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
