package quota

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// localCounters is the degraded quota backend used when the cache store
// never connected. Counts are kept in memory and mirrored to a JSON
// file so a restart does not forget the day's usage. The guarantee is
// explicitly weaker than the cache-backed counter: only this process's
// calls are observed.
type localCounters struct {
	mu     sync.Mutex
	path   string
	counts map[string]int64 // "<scope>:<yyyy-mm-dd>" -> count
	logger *slog.Logger
}

func newLocalCounters(dataDir string, logger *slog.Logger) *localCounters {
	lc := &localCounters{
		path:   filepath.Join(dataDir, "quota.json"),
		counts: make(map[string]int64),
		logger: logger,
	}
	lc.load()
	return lc
}

func (lc *localCounters) load() {
	data, err := os.ReadFile(lc.path)
	if err != nil {
		return // first run, or no fallback file yet
	}
	if err := json.Unmarshal(data, &lc.counts); err != nil {
		lc.logger.Warn("quota fallback file unreadable, starting fresh", "path", lc.path, "error", err)
		lc.counts = make(map[string]int64)
	}
}

func (lc *localCounters) increment(scope, day string) int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	lc.prune(day)
	key := scope + ":" + day
	lc.counts[key]++
	n := lc.counts[key]
	lc.save()
	return n
}

func (lc *localCounters) count(scope, day string) int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.counts[scope+":"+day]
}

// prune drops counters from prior days. Stale entries cost nothing but
// would otherwise accumulate across restarts.
func (lc *localCounters) prune(today string) {
	for key := range lc.counts {
		if !strings.HasSuffix(key, ":"+today) {
			delete(lc.counts, key)
		}
	}
}

// save mirrors the counters to disk. Best effort: a write failure is
// logged but never blocks counting.
func (lc *localCounters) save() {
	data, err := json.Marshal(lc.counts)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(lc.path), 0o755); err != nil {
		lc.logger.Warn("quota fallback dir not writable", "path", lc.path, "error", err)
		return
	}
	if err := os.WriteFile(lc.path, data, 0o600); err != nil {
		lc.logger.Warn("quota fallback not persisted", "path", lc.path, "error", err)
	}
}
