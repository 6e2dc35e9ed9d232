package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDisabled is returned by Ping when the store never connected.
var ErrDisabled = errors.New("cache: store disabled")

// Default lifetimes per cache class. Volatile, cheap data gets short
// TTLs; expensive, stable results keep longer ones.
const (
	DefaultTTL   = time.Hour
	AnalyticsTTL = 30 * time.Minute
	FileListTTL  = 5 * time.Minute
	UserTTL      = 2 * time.Hour
	ForecastTTL  = time.Hour
	ResearchTTL  = 24 * time.Hour

	// CounterTTL is slightly over 24h so a daily counter key survives
	// its whole calendar day and then expires on its own instead of
	// accumulating forever.
	CounterTTL = 25 * time.Hour
)

// TTLs carries the per-class lifetimes actually in effect, after any
// config overrides.
type TTLs struct {
	Default   time.Duration
	Analytics time.Duration
	FileList  time.Duration
	User      time.Duration
	Forecast  time.Duration
	Research  time.Duration
}

// DefaultTTLs returns the built-in lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{
		Default:   DefaultTTL,
		Analytics: AnalyticsTTL,
		FileList:  FileListTTL,
		User:      UserTTL,
		Forecast:  ForecastTTL,
		Research:  ResearchTTL,
	}
}

// Key composes a cache key as <namespace>:<part>:<part>... Parts are
// joined verbatim; callers are responsible for parts not containing the
// separator. Two logically different computations must never produce
// the same key, so every qualifier that changes the result belongs in
// the key.
func Key(namespace string, parts ...string) string {
	if len(parts) == 0 {
		return namespace
	}
	return namespace + ":" + strings.Join(parts, ":")
}

// AnalyticsKey addresses the computed analytics summary for one user's
// dataset.
func AnalyticsKey(userID, filename string) string {
	return Key("analytics", userID, filename)
}

// FileListKey addresses a user's dataset listing.
func FileListKey(userID string) string {
	return Key("files", userID)
}

// ForecastKey addresses one forecast run; the horizon is a qualifier
// because different horizons are different computations.
func ForecastKey(userID, filename string, periods int) string {
	return Key("forecast", userID, filename, fmt.Sprintf("%d", periods))
}

// ForecastPattern matches every cached forecast for one dataset,
// regardless of horizon. Used to invalidate on dataset deletion.
func ForecastPattern(userID, filename string) string {
	return Key("forecast", userID, filename) + ":*"
}

// UserKey addresses cached user profile data.
func UserKey(userID string) string {
	return Key("user", userID)
}

// ResearchKey addresses a completed research pass. The inputs are
// hashed (canonical JSON, first 16 hex chars) so arbitrary free-text
// parameters cannot produce colliding or malformed keys.
func ResearchKey(idea, customer, geography string, depth int) string {
	payload, _ := json.Marshal(map[string]any{
		"idea":      idea,
		"customer":  customer,
		"geography": geography,
		"depth":     depth,
	})
	sum := sha256.Sum256(payload)
	return Key("research", hex.EncodeToString(sum[:])[:16])
}

// APIUsageKey addresses a user's per-endpoint daily usage counter.
func APIUsageKey(userID, endpoint string, day time.Time) string {
	return Key("api_usage", userID, endpoint, day.UTC().Format("2006-01-02"))
}

// QuotaKey addresses a metered scope's daily counter. The UTC date in
// the key gives each day an implicit fresh zero without a reset job.
func QuotaKey(scope string, day time.Time) string {
	return Key("quota", scope, day.UTC().Format("2006-01-02"))
}
