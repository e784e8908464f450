package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// SQLite is a Store on a single sqlite file. Values are zstd-compressed; expired rows are
// invisible immediately and removed by a background sweeper.
type SQLite struct {
	db  *sql.DB
	now func() time.Time

	enc *zstd.Encoder
	dec *zstd.Decoder

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	gets, hits, sets, deletes, incrs, expiredN atomic.Uint64
}

type SQLiteOptions struct {
	Now        func() time.Time
	SweepEvery time.Duration // <= 0 disables the sweeper
}

func OpenSQLite(path string, opts SQLiteOptions) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		_ = db.Close()
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &SQLite{db: db, now: now, enc: enc, dec: dec, stop: make(chan struct{})}
	if opts.SweepEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sweepLoop(opts.SweepEvery)
		}()
	}
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			raw_size INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS kv_expires_at ON kv(expires_at) WHERE expires_at > 0;`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	s.gets.Add(1)
	var blob []byte
	var exp int64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&blob, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expired(s.now(), fromMillis(exp)) {
		return nil, false, nil
	}
	val, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, false, fmt.Errorf("kv %s: %w", key, err)
	}
	s.hits.Add(1)
	return val, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.sets.Add(1)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, raw_size, expires_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, raw_size = excluded.raw_size, expires_at = excluded.expires_at`,
		key, s.enc.EncodeAll(val, nil), len(val), toMillis(expiry(s.now(), ttl)))
	return err
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.deletes.Add(1)
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *SQLite) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.incrs.Add(1)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	var blob []byte
	var exp int64
	var n int64
	err = tx.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&blob, &exp)
	switch {
	case errors.Is(err, sql.ErrNoRows) || (err == nil && expired(now, fromMillis(exp))):
		exp = toMillis(expiry(now, window))
	case err != nil:
		return 0, err
	default:
		raw, err := s.dec.DecodeAll(blob, nil)
		if err != nil {
			return 0, fmt.Errorf("kv %s: %w", key, err)
		}
		n, _ = strconv.ParseInt(string(raw), 10, 64)
	}
	n++
	val := []byte(strconv.FormatInt(n, 10))
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv(key, value, raw_size, expires_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, raw_size = excluded.raw_size, expires_at = excluded.expires_at`,
		key, s.enc.EncodeAll(val, nil), len(val), exp); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLite) Scan(ctx context.Context, prefix string, fn func(Entry) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	// Collect first: fn may write back through s, and there is only one connection.
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, expires_at FROM kv WHERE substr(key, 1, ?) = ? AND (expires_at = 0 OR expires_at > ?) ORDER BY key`,
		len(prefix), prefix, s.now().UnixMilli())
	if err != nil {
		return err
	}
	var out []Entry
	for rows.Next() {
		var e Entry
		var blob []byte
		var exp int64
		if err := rows.Scan(&e.Key, &blob, &exp); err != nil {
			_ = rows.Close()
			return err
		}
		if e.Value, err = s.dec.DecodeAll(blob, nil); err != nil {
			_ = rows.Close()
			return fmt.Errorf("kv %s: %w", e.Key, err)
		}
		e.ExpiresAt = fromMillis(exp)
		out = append(out, e)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, e := range out {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Sweep deletes expired rows and returns how many were removed.
func (s *SQLite) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	s.expiredN.Add(uint64(n))
	return n, nil
}

func (s *SQLite) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			_, _ = s.Sweep(context.Background())
		}
	}
}

func (s *SQLite) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		s.wg.Wait()
		s.dec.Close()
		_ = s.enc.Close()
		err = s.db.Close()
	})
	return err
}

func (s *SQLite) Stats() Stats {
	st := Stats{
		Gets:    s.gets.Load(),
		Hits:    s.hits.Load(),
		Sets:    s.sets.Load(),
		Deletes: s.deletes.Load(),
		Incrs:   s.incrs.Load(),
		Expired: s.expiredN.Load(),
	}
	if s.closed.Load() {
		return st
	}
	_ = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(raw_size), 0) FROM kv`).Scan(&st.Keys, &st.StoredBytes)
	return st
}
