// Package quota enforces daily ceilings on metered external resources
// shared by all users, such as the paid research path. Counters live in
// the cache store under date-qualified keys, so every process sees the
// same count and a new day starts at zero without any reset job. When
// the cache store is disabled the tracker degrades to a file-backed
// process-local counter with an explicitly weaker guarantee: it only
// observes this process's usage.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bizpilot/bizpilot/internal/cache"
)

// ErrExhausted marks a quota ceiling hit. Callers branch on it with
// errors.Is to disable the metered feature for the request instead of
// treating the failure as transient.
var ErrExhausted = errors.New("quota exhausted")

// ScopeResearch is the metered external research path, shared across
// all users.
const ScopeResearch = "research"

// counterStore is the slice of the cache store the tracker relies on.
type counterStore interface {
	Enabled() bool
	Get(ctx context.Context, key string) ([]byte, bool)
	Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, bool)
}

// Tracker counts usage per (scope, UTC day) and answers whether another
// call may proceed. Allow followed by Record is deliberately two steps;
// under concurrent callers the ceiling can overshoot by at most the
// number of in-flight requests, which is accepted rather than paying
// for a distributed lock on every call.
type Tracker struct {
	store    counterStore
	fallback *localCounters
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Tracker. The fallback counter file lives under dataDir.
func New(store counterStore, dataDir string, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    store,
		fallback: newLocalCounters(dataDir, logger),
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests use it to advance the day.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Record counts one use of scope for the current UTC day and returns
// the running total. A transient backend failure is not counted and not
// an error: losing a tick is preferred over failing the request.
func (t *Tracker) Record(ctx context.Context, scope string) (int64, error) {
	day := t.now()
	if t.store.Enabled() {
		key := cache.QuotaKey(scope, day)
		if n, ok := t.store.Increment(ctx, key, 1, cache.CounterTTL); ok {
			t.logger.Debug("quota recorded", "scope", scope, "count", n)
			return n, nil
		}
		t.logger.Warn("quota increment failed, usage not counted", "scope", scope)
		return 0, nil
	}

	n := t.fallback.increment(scope, utcDay(day))
	t.logger.Debug("quota recorded locally", "scope", scope, "count", n)
	return n, nil
}

// Count returns today's usage for scope without incrementing.
func (t *Tracker) Count(ctx context.Context, scope string) int64 {
	day := t.now()
	if t.store.Enabled() {
		data, ok := t.store.Get(ctx, cache.QuotaKey(scope, day))
		if !ok {
			return 0
		}
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			t.logger.Warn("quota counter unreadable", "scope", scope, "value", string(data))
			return 0
		}
		return n
	}
	return t.fallback.count(scope, utcDay(day))
}

// Allow reports whether another call in scope may proceed under limit.
// A non-positive limit means unmetered. Returns ErrExhausted (wrapped
// with scope and counts) at or past the ceiling; it does not increment.
func (t *Tracker) Allow(ctx context.Context, scope string, limit int64) error {
	if limit <= 0 {
		return nil
	}
	count := t.Count(ctx, scope)
	if count >= limit {
		return fmt.Errorf("scope %q used %d of %d today: %w", scope, count, limit, ErrExhausted)
	}
	return nil
}

// RecordEndpoint counts one call by a user to an endpoint, for the
// usage report. Best effort: nothing is recorded when the cache store
// is down, and no caller decision depends on the result.
func (t *Tracker) RecordEndpoint(ctx context.Context, userID, endpoint string) int64 {
	key := cache.APIUsageKey(userID, endpoint, t.now())
	n, _ := t.store.Increment(ctx, key, 1, cache.CounterTTL)
	return n
}

// CountEndpoint returns today's calls by a user to an endpoint.
func (t *Tracker) CountEndpoint(ctx context.Context, userID, endpoint string) int64 {
	data, ok := t.store.Get(ctx, cache.APIUsageKey(userID, endpoint, t.now()))
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// utcDay truncates a time to its UTC calendar date string.
func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
