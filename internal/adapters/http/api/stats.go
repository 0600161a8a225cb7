package api

import (
	"context"
	"net/http"
)

// StatsProvider reports service counters.
type StatsProvider interface {
	GetStats(ctx context.Context) map[string]any
}

// handleStats handles GET /v1/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{}
	if s.deps.Stats != nil {
		stats = s.deps.Stats.GetStats(r.Context())
	}
	if s.deps.Dedupe != nil {
		stats["dedupe_keys"] = s.deps.Dedupe.Size()
	}
	writeJSON(w, http.StatusOK, stats)
}
