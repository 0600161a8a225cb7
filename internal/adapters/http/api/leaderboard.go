package api

import (
	"net/http"
	"strconv"

	"github.com/okian/rewards/internal/domain/model"
)

// handleLeaderboard handles GET /v1/leaderboard?limit=N.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := s.maxLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeStatus(w, http.StatusBadRequest, "invalid_argument", "limit must be a positive integer")
			return
		}
		if n > s.maxLimit {
			writeStatus(w, http.StatusBadRequest, "limit_exceeded", "limit exceeds "+strconv.Itoa(s.maxLimit))
			return
		}
		limit = n
	}
	top, err := s.deps.Ledger.Leaderboard(r.Context(), limit)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	if top == nil {
		top = []model.Standing{}
	}
	writeJSON(w, http.StatusOK, top)
}
