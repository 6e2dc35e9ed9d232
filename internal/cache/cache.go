// Package cache provides the shared Redis-backed cache store: namespaced
// keys, per-entry TTLs, atomic counters, and cursor-based pattern
// invalidation. Every operation fails open — a backend failure is a miss
// or a no-op, never an error surfaced to the caller — so the rest of the
// system keeps working (recomputing instead of reading) when Redis is
// down.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connection retry policy. After connectRetries failed dial attempts the
// store disables itself for the life of the process.
const (
	connectRetries    = 3
	defaultRetryDelay = 2 * time.Second
)

// scanBatchSize bounds each SCAN page and its pipelined delete, so bulk
// invalidation never blocks the shared store for other readers.
const scanBatchSize = 100

// Options configures a Store.
type Options struct {
	Addr     string
	Password string
	DB       int

	// Disabled skips dialing entirely; every operation degrades
	// immediately. Used when caching is turned off in config.
	Disabled bool

	// RetryDelay overrides the base delay between connection attempts.
	// Zero means the default (2s, growing linearly per attempt).
	RetryDelay time.Duration
}

// Store is a Redis-backed cache shared by all requests. Safe for
// concurrent use; all cross-request atomicity is server-side.
type Store struct {
	client  *redis.Client
	logger  *slog.Logger
	enabled atomic.Bool
	hits    atomic.Int64
	misses  atomic.Int64
}

// New connects to Redis with bounded retries and returns the store.
// It never returns an error: if the backend is unreachable after all
// attempts, the store starts in disabled mode and the process runs
// without caching.
func New(ctx context.Context, opts Options, logger *slog.Logger) *Store {
	s := &Store{logger: logger}

	if opts.Disabled {
		logger.Info("cache disabled by configuration")
		return s
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	for attempt := 1; attempt <= connectRetries; attempt++ {
		if err := s.client.Ping(ctx).Err(); err == nil {
			s.enabled.Store(true)
			logger.Info("cache connected", "addr", opts.Addr, "db", opts.DB)
			return s
		} else if attempt < connectRetries {
			logger.Warn("cache connection attempt failed",
				"attempt", attempt,
				"max_attempts", connectRetries,
				"error", err,
			)
			wait := time.Duration(attempt) * delay
			select {
			case <-ctx.Done():
				logger.Error("cache connection cancelled, running without cache")
				return s
			case <-time.After(wait):
			}
		} else {
			logger.Error("cache connection failed, running without cache",
				"attempts", connectRetries,
				"error", err,
			)
		}
	}

	return s
}

// Enabled reports whether the backend connection is live.
func (s *Store) Enabled() bool {
	return s.enabled.Load()
}

// Get returns the raw JSON payload stored at key. A miss, a disabled
// store, a backend error, and a corrupt value all report (nil, false);
// corrupt values are deleted so the next write starts clean.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	if !s.Enabled() {
		return nil, false
	}

	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		s.misses.Add(1)
		s.logger.Debug("cache miss", "key", key)
		return nil, false
	}
	if err != nil {
		s.misses.Add(1)
		s.logger.Warn("cache get failed", "key", key, "error", err)
		return nil, false
	}

	if !json.Valid(data) {
		s.misses.Add(1)
		s.logger.Warn("cache entry corrupt, deleting", "key", key)
		s.client.Del(ctx, key)
		return nil, false
	}

	s.hits.Add(1)
	s.logger.Debug("cache hit", "key", key)
	return data, true
}

// GetJSON decodes the payload at key into out. Reports false on miss or
// when the payload does not decode into out.
func (s *Store) GetJSON(ctx context.Context, key string, out any) bool {
	data, ok := s.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("cache entry does not match expected shape", "key", key, "error", err)
		return false
	}
	return true
}

// Set stores value at key with the given TTL, overwriting any prior
// value and TTL. Returns false (never an error) when the store is
// disabled, the value does not serialize, or the backend write fails.
// A non-positive TTL falls back to DefaultTTL.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if !s.Enabled() {
		return false
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("cache value not serializable", "key", key, "error", err)
		return false
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.logger.Warn("cache set failed", "key", key, "error", err)
		return false
	}

	s.logger.Debug("cache set", "key", key, "ttl", ttl)
	return true
}

// SetRaw stores an already-serialized JSON payload. Used by the
// read-through layer, which caches handler output verbatim.
func (s *Store) SetRaw(ctx context.Context, key string, data []byte, ttl time.Duration) bool {
	if !s.Enabled() {
		return false
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.logger.Warn("cache set failed", "key", key, "error", err)
		return false
	}

	s.logger.Debug("cache set", "key", key, "ttl", ttl)
	return true
}

// Delete removes a single key. Reports whether a key was removed.
func (s *Store) Delete(ctx context.Context, key string) bool {
	if !s.Enabled() {
		return false
	}

	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		s.logger.Warn("cache delete failed", "key", key, "error", err)
		return false
	}
	return n > 0
}

// DeletePattern removes every key matching the glob pattern and returns
// the number deleted. The cursor SCAN walks the whole keyspace in
// bounded pages before any key is removed: deleting while the cursor is
// still in flight shifts the keyspace under it and skips survivors. The
// collected keys are then deleted in pipelined transactions of at most
// scanBatchSize, so invalidating thousands of keys never stalls other
// clients the way a blocking KEYS sweep would.
func (s *Store) DeletePattern(ctx context.Context, pattern string) int {
	if !s.Enabled() {
		return 0
	}

	var matched []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			s.logger.Warn("cache scan failed", "pattern", pattern, "error", err)
			return 0
		}
		matched = append(matched, keys...)

		cursor = next
		if cursor == 0 {
			break
		}
	}

	var deleted int
	for start := 0; start < len(matched); start += scanBatchSize {
		batch := matched[start:min(start+scanBatchSize, len(matched))]

		pipe := s.client.TxPipeline()
		for _, k := range batch {
			pipe.Del(ctx, k)
		}
		cmds, err := pipe.Exec(ctx)
		if err != nil {
			s.logger.Warn("cache batch delete failed", "pattern", pattern, "error", err)
			return deleted
		}
		for _, cmd := range cmds {
			if ic, ok := cmd.(*redis.IntCmd); ok {
				deleted += int(ic.Val())
			}
		}
	}

	if deleted > 0 {
		s.logger.Debug("cache pattern invalidated", "pattern", pattern, "deleted", deleted)
	}
	return deleted
}

// Increment atomically adds amount to the counter at key and re-applies
// the TTL, so idle counters expire instead of accumulating. Returns the
// new value and true, or (0, false) when the store is disabled or the
// backend fails.
func (s *Store) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, bool) {
	if !s.Enabled() {
		return 0, false
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, amount)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("cache increment failed", "key", key, "error", err)
		return 0, false
	}

	return incr.Val(), true
}

// TTL returns the remaining lifetime of key, or false when the key does
// not exist, has no expiry, or the store is unavailable.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool) {
	if !s.Enabled() {
		return 0, false
	}

	d, err := s.client.TTL(ctx, key).Result()
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// Ping checks backend connectivity. Returns an error when the store is
// disabled or the backend does not respond.
func (s *Store) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	return s.client.Ping(ctx).Err()
}

// Close releases the backend connection. Safe on a disabled store.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Enabled bool  `json:"enabled"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// HitRate returns the hit percentage, rounded to two decimals.
func (st Stats) HitRate() float64 {
	total := st.Hits + st.Misses
	if total == 0 {
		return 0
	}
	return float64(int64(float64(st.Hits)/float64(total)*10000)) / 100
}

// Stats returns current hit/miss counters.
func (s *Store) Stats() Stats {
	return Stats{
		Enabled: s.Enabled(),
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
	}
}
