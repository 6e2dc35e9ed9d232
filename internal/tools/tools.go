// Package tools defines the capabilities the agent can invoke.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bizpilot/bizpilot/internal/cache"
	"github.com/bizpilot/bizpilot/internal/llm"
	"github.com/bizpilot/bizpilot/internal/quota"
	"github.com/bizpilot/bizpilot/internal/research"
	"github.com/bizpilot/bizpilot/internal/storage"
)

// Tool represents a callable capability.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Error codes carried in structured error results so callers can
// branch without parsing prose.
const (
	CodeUnknownTool      = "unknown_tool"
	CodeInvalidArguments = "invalid_arguments"
	CodeNotFound         = "not_found"
	CodeAccessDenied     = "access_denied"
	CodeQuotaExhausted   = "quota_exhausted"
	CodeUnavailable      = "unavailable"
	CodeFailed           = "failed"
)

// Registry holds available tools and the services they delegate to.
// Register everything at startup; the map is read-only once Execute is
// being called concurrently.
type Registry struct {
	tools map[string]*Tool

	files         storage.Store
	cache         *cache.Store
	quota         *quota.Tracker
	research      *research.Engine
	researchLimit int64
	ttls          cache.TTLs
	logger        *slog.Logger
}

// NewRegistry creates a tool registry over the given dataset store,
// cache, and quota tracker, with the builtin capabilities registered.
func NewRegistry(files storage.Store, cs *cache.Store, qt *quota.Tracker, logger *slog.Logger) *Registry {
	r := &Registry{
		tools:  make(map[string]*Tool),
		files:  files,
		cache:  cs,
		quota:  qt,
		ttls:   cache.DefaultTTLs(),
		logger: logger.With("component", "tools"),
	}
	r.registerBuiltins()
	return r
}

// NewEmptyRegistry creates a registry with no built-in capabilities.
// Callers that want a custom tool set, tests mostly, register their
// own.
func NewEmptyRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]*Tool),
		ttls:   cache.DefaultTTLs(),
		logger: slog.Default(),
	}
}

// SetTTLs overrides the per-capability cache lifetimes.
func (r *Registry) SetTTLs(t cache.TTLs) {
	r.ttls = t
}

// EnableResearch wires the market research engine and its daily call
// ceiling. Without it the research capability stays registered but
// reports itself unavailable.
func (r *Registry) EnableResearch(engine *research.Engine, dailyLimit int64) {
	r.research = engine
	r.researchLimit = dailyLimit
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tools in the function-call schema the model expects,
// in name order so the declared schema is stable across requests.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.Names() {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with model-supplied arguments. Trusted
// caller context is merged over the arguments first, so a context value
// always beats a model-supplied one with the same key.
//
// Failures come back as a structured error result with a nil error, so
// the orchestration loop can hand them to the model instead of
// aborting. The returned error is non-nil only when ctx is done.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	start := time.Now()

	tool := r.tools[name]
	if tool == nil {
		r.logger.Warn("unknown tool requested", "tool", name)
		return ErrorResult(CodeUnknownTool, "unknown tool %q; available tools: %s", name, strings.Join(r.Names(), ", ")), nil
	}

	if raw, ok := args[llm.RawArguments]; ok && len(args) == 1 {
		return ErrorResult(CodeInvalidArguments, "arguments were not valid JSON: %.200v", raw), nil
	}

	result, err := tool.Handler(ctx, r.mergeCallerArgs(ctx, args))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		code := classifyError(err)
		r.logger.Warn("tool failed",
			"tool", name,
			"conversation_id", ConversationIDFromContext(ctx),
			"code", code,
			"error", err,
			"duration", time.Since(start))
		return ErrorResult(code, "%s", err.Error()), nil
	}

	r.logger.Debug("tool executed",
		"tool", name,
		"conversation_id", ConversationIDFromContext(ctx),
		"bytes", len(result),
		"duration", time.Since(start))
	return result, nil
}

// mergeCallerArgs overlays the trusted caller context onto the model's
// arguments. args itself is never mutated.
func (r *Registry) mergeCallerArgs(ctx context.Context, args map[string]any) map[string]any {
	merged := make(map[string]any, len(args)+2)
	for k, v := range args {
		merged[k] = v
	}
	caller, ok := CallerFromContext(ctx)
	if !ok {
		return merged
	}
	for k, v := range caller.Extra {
		merged[k] = v
	}
	if caller.UserID != "" {
		merged["user_id"] = caller.UserID
	}
	return merged
}

// computeOrFetch is the registry's read-through path: return the cached
// value under key when present, otherwise run compute and store its
// result for ttl. Failed computations are never cached. With the cache
// disabled every call computes; correctness never depends on the cache.
func (r *Registry) computeOrFetch(ctx context.Context, key string, ttl time.Duration, compute func() (string, error)) (string, error) {
	if r.cache != nil {
		if raw, ok := r.cache.Get(ctx, key); ok {
			return string(raw), nil
		}
	}

	result, err := compute()
	if err != nil {
		return "", err
	}

	if r.cache != nil {
		r.cache.SetRaw(ctx, key, []byte(result), ttl)
	}
	return result, nil
}

// toolError is the wire shape of a failed capability call.
type toolError struct {
	Status  string `json:"status"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

// ErrorResult renders a structured error payload for a failed
// capability call. Exported so the loop can synthesize results for
// failures it detects itself, such as a per-call timeout.
func ErrorResult(code, format string, a ...any) string {
	b, _ := json.Marshal(toolError{Status: "error", Code: code, Message: fmt.Sprintf(format, a...)})
	return string(b)
}

func classifyError(err error) string {
	var ve *ValidationError
	var ue *UnavailableError
	switch {
	case errors.Is(err, quota.ErrExhausted):
		return CodeQuotaExhausted
	case errors.Is(err, storage.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, storage.ErrDenied):
		return CodeAccessDenied
	case errors.As(err, &ve),
		errors.Is(err, storage.ErrInvalidName),
		errors.Is(err, storage.ErrUnsupportedType):
		return CodeInvalidArguments
	case errors.As(err, &ue):
		return CodeUnavailable
	default:
		return CodeFailed
	}
}

func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(b), nil
}

// stringArg returns the named argument when present as a non-empty
// string (after trimming).
func stringArg(args map[string]any, key string) (string, bool) {
	s, ok := args[key].(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// intArg coerces the named argument to an int. JSON numbers arrive as
// float64; models sometimes quote them.
func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
