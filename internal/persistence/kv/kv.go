// Package kv is the key/value store behind sessions, game state, sync snapshots and rate
// counters. Values are opaque bytes; every key may carry a TTL.
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("kv: store closed")

type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time // zero means no expiry
}

type Store interface {
	// Get returns ok=false for a missing or expired key.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	// Set stores val; ttl <= 0 keeps it until deleted.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Incr adds one to the counter at key and returns the new count. The window starts
	// when the counter is created and is not extended by later increments.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// Scan calls fn for every live entry whose key has prefix, in key order.
	Scan(ctx context.Context, prefix string, fn func(Entry) error) error
	Close() error
}

type Stats struct {
	Gets        uint64
	Hits        uint64
	Sets        uint64
	Deletes     uint64
	Incrs       uint64
	Expired     uint64
	Keys        int64
	StoredBytes int64
}

// StatsReporter is implemented by stores that export counters to /metrics.
type StatsReporter interface {
	Stats() Stats
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(now, at time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

// Keys used by the game server. Kept here so every backend and tool agrees on the layout.
func SessionKey(id string) string  { return "session:" + id }
func GameKey(id string) string     { return "game:" + id }
func SnapshotKey(id string) string { return "sync:" + id }
func RateLimitKey(k string) string { return "ratelimit:" + k }
