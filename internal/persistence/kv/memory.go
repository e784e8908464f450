package kv

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type memEntry struct {
	val       []byte
	expiresAt time.Time
}

// Memory is a map-backed Store. Expired keys are dropped lazily on access.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]memEntry
	now    func() time.Time
	closed atomic.Bool

	gets, hits, sets, deletes, incrs, expiredN atomic.Uint64
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{data: map[string]memEntry{}, now: now}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrClosed
	}
	m.gets.Add(1)
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if expired(m.now(), e.expiresAt) {
		m.mu.Lock()
		if cur, ok := m.data[key]; ok && expired(m.now(), cur.expiresAt) {
			delete(m.data, key)
			m.expiredN.Add(1)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	m.hits.Add(1)
	return append([]byte(nil), e.val...), true, nil
}

func (m *Memory) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.sets.Add(1)
	m.mu.Lock()
	m.data[key] = memEntry{val: append([]byte(nil), val...), expiresAt: expiry(m.now(), ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.deletes.Add(1)
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	m.incrs.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.data[key]
	var n int64
	if ok && !expired(now, e.expiresAt) {
		n, _ = strconv.ParseInt(string(e.val), 10, 64)
	} else {
		e = memEntry{expiresAt: expiry(now, window)}
	}
	n++
	e.val = []byte(strconv.FormatInt(n, 10))
	m.data[key] = e
	return n, nil
}

func (m *Memory) Scan(ctx context.Context, prefix string, fn func(Entry) error) error {
	if m.closed.Load() {
		return ErrClosed
	}
	now := m.now()
	m.mu.RLock()
	out := make([]Entry, 0, len(m.data))
	for k, e := range m.data {
		if !strings.HasPrefix(k, prefix) || expired(now, e.expiresAt) {
			continue
		}
		out = append(out, Entry{Key: k, Value: append([]byte(nil), e.val...), ExpiresAt: e.expiresAt})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	for _, e := range out {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Memory) Stats() Stats {
	m.mu.RLock()
	keys := int64(len(m.data))
	var size int64
	for _, e := range m.data {
		size += int64(len(e.val))
	}
	m.mu.RUnlock()
	return Stats{
		Gets:        m.gets.Load(),
		Hits:        m.hits.Load(),
		Sets:        m.sets.Load(),
		Deletes:     m.deletes.Load(),
		Incrs:       m.incrs.Load(),
		Expired:     m.expiredN.Load(),
		Keys:        keys,
		StoredBytes: size,
	}
}
