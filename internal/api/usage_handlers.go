package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bizpilot/bizpilot/internal/auth"
)

const usageWindow = 30 * 24 * time.Hour

// handleUsage returns the caller's recent orchestration runs plus a
// 30-day rollup.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usageStore == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}
	user, _ := auth.UserFromContext(r.Context())

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	now := time.Now().UTC()
	summary, err := s.usageStore.UserSummary(r.Context(), user.ID, now.Add(-usageWindow), now)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	runs, err := s.usageStore.ListByUser(r.Context(), user.ID, limit)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	endpoints := map[string]int64{}
	if s.tracker != nil {
		for _, name := range trackedEndpoints {
			if n := s.tracker.CountEndpoint(r.Context(), user.ID, name); n > 0 {
				endpoints[name] = n
			}
		}
	}

	writeJSON(w, map[string]any{
		"summary":         summary,
		"runs":            runs,
		"endpoints_today": endpoints,
	}, s.logger)
}
