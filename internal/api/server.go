// Package api implements the BizPilot HTTP API: account management,
// dataset uploads, the chat loop, and operational visibility.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bizpilot/bizpilot/internal/agent"
	"github.com/bizpilot/bizpilot/internal/auth"
	"github.com/bizpilot/bizpilot/internal/buildinfo"
	"github.com/bizpilot/bizpilot/internal/cache"
	"github.com/bizpilot/bizpilot/internal/quota"
	"github.com/bizpilot/bizpilot/internal/ratelimit"
	"github.com/bizpilot/bizpilot/internal/storage"
	"github.com/bizpilot/bizpilot/internal/tools"
	"github.com/bizpilot/bizpilot/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int

	loop     *agent.Loop
	authSvc  *auth.Service
	files    storage.Store
	registry *tools.Registry

	cacheStore *cache.Store
	usageStore *usage.Store
	tracker    *quota.Tracker
	limiter    *ratelimit.Limiter

	maxUploadBytes int64
	logger         *slog.Logger
	server         *http.Server
}

// NewServer creates an API server over the core services. Optional
// services are attached with the Set methods before Start.
func NewServer(address string, port int, loop *agent.Loop, authSvc *auth.Service, files storage.Store, registry *tools.Registry, logger *slog.Logger) *Server {
	return &Server{
		address:        address,
		port:           port,
		loop:           loop,
		authSvc:        authSvc,
		files:          files,
		registry:       registry,
		maxUploadBytes: 16 << 20,
		logger:         logger.With("component", "api"),
	}
}

// SetCacheStore enables the cache stats endpoint.
func (s *Server) SetCacheStore(cs *cache.Store) {
	s.cacheStore = cs
}

// SetUsageStore enables the usage report endpoint.
func (s *Server) SetUsageStore(us *usage.Store) {
	s.usageStore = us
}

// SetQuotaTracker enables per-user daily endpoint counters in the
// usage report.
func (s *Server) SetQuotaTracker(t *quota.Tracker) {
	s.tracker = t
}

// SetRateLimiter enables per-client request throttling.
func (s *Server) SetRateLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// SetMaxUploadMB caps dataset upload sizes at the HTTP layer.
func (s *Server) SetMaxUploadMB(mb int) {
	if mb > 0 {
		s.maxUploadBytes = int64(mb) << 20
	}
}

// Handler builds the full route table with the middleware chain
// applied: logging, then per-route rate limiting (remote host on
// public routes, authenticated user on protected routes), then auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.Handle("GET /", s.public(s.handleRoot))
	mux.Handle("GET /healthz", s.public(s.handleHealth))
	mux.Handle("GET /v1/version", s.public(s.handleVersion))
	mux.Handle("POST /v1/auth/register", s.public(s.handleRegister))
	mux.Handle("POST /v1/auth/login", s.public(s.handleLogin))

	// Authenticated endpoints
	mux.Handle("GET /v1/me", s.protected("me", s.handleMe))
	mux.Handle("GET /v1/files", s.protected("files.list", s.handleFileList))
	mux.Handle("POST /v1/files", s.protected("files.upload", s.handleFileUpload))
	mux.Handle("DELETE /v1/files/{filename}", s.protected("files.delete", s.handleFileDelete))
	mux.Handle("GET /v1/analytics/{filename}", s.protected("analytics", s.handleAnalytics))
	mux.Handle("POST /v1/chat", s.protected("chat", s.handleChat))
	mux.Handle("GET /v1/chat/ws", s.protected("chat.ws", s.handleChatWS))
	mux.Handle("GET /v1/usage", s.protected("usage", s.handleUsage))
	mux.Handle("GET /v1/cache/stats", s.protected("cache.stats", s.handleCacheStats))

	return s.withLogging(mux)
}

// trackedEndpoints are the authenticated operations counted per user
// per day. Names here must match the ones passed to protected.
var trackedEndpoints = []string{
	"me",
	"files.list",
	"files.upload",
	"files.delete",
	"analytics",
	"chat",
	"chat.ws",
	"usage",
	"cache.stats",
}

// public applies client-keyed rate limiting to unauthenticated
// routes. The remote host is the only stable identity available
// before auth.
func (s *Server) public(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !s.limiter.Allow(host + " " + r.URL.Path) {
				s.errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		h(w, r)
	})
}

// protected wraps h with authentication, per-user rate limiting, and
// daily endpoint usage counting. The fixed name keys both the bucket
// and the counter, so path parameters do not fragment them.
func (s *Server) protected(name string, h http.HandlerFunc) http.Handler {
	return s.authSvc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.UserFromContext(r.Context())
		if s.limiter != nil && ok {
			if !s.limiter.Allow(user.ID + " " + name) {
				s.errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		if s.tracker != nil && ok {
			s.tracker.RecordEndpoint(r.Context(), user.ID, name)
		}
		h(w, r)
	}))
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// errorResponse writes a JSON error body with the given status.
func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, s.logger)
}

// serviceError maps service-layer sentinels to HTTP responses. Quota
// exhaustion is flagged so clients can distinguish it from transient
// throttling.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "file not found")
	case errors.Is(err, storage.ErrDenied):
		s.errorResponse(w, http.StatusForbidden, "access denied to this file")
	case errors.Is(err, storage.ErrInvalidName):
		s.errorResponse(w, http.StatusBadRequest, "invalid filename")
	case errors.Is(err, storage.ErrUnsupportedType):
		s.errorResponse(w, http.StatusBadRequest, "only CSV and Excel files are supported")
	case errors.Is(err, storage.ErrTooLarge):
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "file exceeds the upload size limit")
	case errors.Is(err, quota.ErrExhausted):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		writeJSON(w, map[string]any{
			"error":           err.Error(),
			"quota_exhausted": true,
		}, s.logger)
	default:
		s.logger.Error("request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, map[string]string{
		"name":    "BizPilot",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cacheStore == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "cache not configured")
		return
	}
	st := s.cacheStore.Stats()
	writeJSON(w, map[string]any{
		"enabled":  st.Enabled,
		"hits":     st.Hits,
		"misses":   st.Misses,
		"hit_rate": st.HitRate(),
	}, s.logger)
}
