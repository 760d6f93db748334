// Package cache persists market data (token lists, prices) between CLI
// invocations in a SQLite file. Several processes may share one file: the
// worker, the alert poller and ad-hoc commands all read and write it.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const (
	lockWait     = 5 * time.Second
	lockPoll     = 10 * time.Millisecond
	openPruneAge = 24 * time.Hour
)

var schema = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
	`CREATE TABLE IF NOT EXISTS market_cache (
		key        TEXT PRIMARY KEY,
		payload    BLOB NOT NULL,
		stored_ms  INTEGER NOT NULL,
		ttl_ms     INTEGER NOT NULL
	);`,
}

// Store is the shared cache. Reads go straight to SQLite; writes take an
// advisory file lock so concurrent processes do not trip over WAL checkpoints.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

// Result describes one lookup. Stale entries are past their TTL; TooStale
// ones are also past the caller's max-stale budget.
type Result struct {
	Hit      bool
	Value    []byte
	Age      time.Duration
	Stale    bool
	TooStale bool
}

func Open(path, lockPath string) (*Store, error) {
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(lockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	s := &Store{db: db, lock: flock.New(lockPath), now: time.Now}
	_ = s.Prune(context.Background(), openPruneAge)
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withWriteLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, lockPoll)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return errors.New("lock cache: timed out")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

// Prune drops entries that expired more than grace ago. Anything younger
// stays around as stale fallback data.
func (s *Store) Prune(ctx context.Context, grace time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := s.now().Add(-grace).UnixMilli()
	return s.withWriteLock(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM market_cache WHERE stored_ms + ttl_ms < ?", cutoff); err != nil {
			return fmt.Errorf("prune cache: %w", err)
		}
		return nil
	})
}

// Get returns the entry under key. A negative maxStale never marks an entry
// TooStale.
func (s *Store) Get(ctx context.Context, key string, maxStale time.Duration) (Result, error) {
	var (
		payload  []byte
		storedMS int64
		ttlMS    int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT payload, stored_ms, ttl_ms FROM market_cache WHERE key = ?", key).
		Scan(&payload, &storedMS, &ttlMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("cache read %s: %w", key, err)
	}

	age := max(s.now().Sub(time.UnixMilli(storedMS)), 0)
	ttl := time.Duration(ttlMS) * time.Millisecond
	res := Result{Hit: true, Value: payload, Age: age, Stale: age > ttl}
	res.TooStale = res.Stale && maxStale >= 0 && age > ttl+maxStale
	return res, nil
}

// Set stores value under key. TTLs below one millisecond are raised to it.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	storedMS := s.now().UnixMilli()
	ttlMS := max(ttl.Milliseconds(), 1)
	return s.withWriteLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO market_cache (key, payload, stored_ms, ttl_ms) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, stored_ms = excluded.stored_ms, ttl_ms = excluded.ttl_ms`,
			key, value, storedMS, ttlMS)
		if err != nil {
			return fmt.Errorf("cache write %s: %w", key, err)
		}
		return nil
	})
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.withWriteLock(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM market_cache WHERE key = ?", key); err != nil {
			return fmt.Errorf("cache delete %s: %w", key, err)
		}
		return nil
	})
}

// GetJSON decodes the entry into out. Entries past ttl+maxStale read as a
// miss.
func (s *Store) GetJSON(ctx context.Context, key string, maxStale time.Duration, out any) (Result, error) {
	res, err := s.Get(ctx, key, maxStale)
	if err != nil || !res.Hit || res.TooStale {
		res.Hit = false
		return res, err
	}
	if err := json.Unmarshal(res.Value, out); err != nil {
		return Result{}, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return res, nil
}

func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return s.Set(ctx, key, buf, ttl)
}
