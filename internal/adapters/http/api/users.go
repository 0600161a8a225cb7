package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/okian/rewards/internal/domain/apperr"
	"github.com/okian/rewards/internal/domain/model"
	"github.com/shopspring/decimal"
)

type registerUserRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Wallet      string `json:"wallet"`
}

type userResponse struct {
	ID                   string          `json:"id"`
	DisplayName          string          `json:"display_name"`
	Wallet               string          `json:"wallet,omitempty"`
	TotalEarnings        decimal.Decimal `json:"total_earnings"`
	TotalSettled         decimal.Decimal `json:"total_settled"`
	Unsettled            decimal.Decimal `json:"unsettled"`
	TotalInterviews      int64           `json:"total_interviews"`
	TotalInterviewPoints int64           `json:"total_interview_points"`
	CurrentStreak        int             `json:"current_streak"`
	LongestStreak        int             `json:"longest_streak"`
	Rank                 int             `json:"rank,omitempty"`
	LastActiveAt         *time.Time      `json:"last_active_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

func newUserResponse(u model.User) userResponse {
	out := userResponse{
		ID:                   u.ID,
		DisplayName:          u.DisplayName,
		TotalEarnings:        u.TotalEarnings,
		TotalSettled:         u.TotalSettled,
		Unsettled:            u.Unsettled(),
		TotalInterviews:      u.TotalInterviews,
		TotalInterviewPoints: u.TotalInterviewPoints,
		CurrentStreak:        u.CurrentStreak,
		LongestStreak:        u.LongestStreak,
		CreatedAt:            u.CreatedAt,
	}
	if u.HasWallet() {
		out.Wallet = u.Wallet.Hex()
	}
	if !u.LastActiveAt.IsZero() {
		t := u.LastActiveAt
		out.LastActiveAt = &t
	}
	return out
}

type eventResponse struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	Status      model.Status     `json:"status"`
	Score       *int64           `json:"score,omitempty"`
	Earnings    *decimal.Decimal `json:"earnings,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func newEventResponse(ev model.CompletionEvent) eventResponse {
	out := eventResponse{ID: ev.ID, UserID: ev.UserID, Status: ev.Status(), UpdatedAt: ev.UpdatedAt}
	switch st := ev.State.(type) {
	case model.Completed:
		out.Score = &st.Score
		out.Earnings = &st.Earnings
		out.CompletedAt = &st.CompletedAt
	case model.Failed:
		out.Reason = st.Reason
	}
	return out
}

type settlementResponse struct {
	EventID   string          `json:"event_id"`
	TxHash    common.Hash     `json:"tx_hash"`
	Amount    decimal.Decimal `json:"amount"`
	Requested decimal.Decimal `json:"requested"`
	Nonce     uint64          `json:"nonce"`
	SettledAt time.Time       `json:"settled_at"`
}

// handleRegisterUser handles POST /v1/users.
func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	const op = "api.RegisterUser"
	var req registerUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(r.Context(), w, apperr.Wrapf(apperr.KindInvalidArgument, op, err, "decode body"))
		return
	}
	u := model.User{ID: strings.TrimSpace(req.ID), DisplayName: strings.TrimSpace(req.DisplayName)}
	if req.Wallet != "" {
		if !common.IsHexAddress(req.Wallet) {
			s.writeError(r.Context(), w, apperr.Newf(apperr.KindInvalidArgument, op, "wallet %q is not an address", req.Wallet))
			return
		}
		u.Wallet = common.HexToAddress(req.Wallet)
	}
	created, err := s.deps.Ledger.RegisterUser(r.Context(), u)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserResponse(created))
}

// handleGetUser handles GET /v1/users/{userID}. Streaks are recomputed so
// a streak broken by an idle day reads as broken.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")
	u, err := s.deps.Ledger.User(ctx, userID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	out := newUserResponse(u)
	if st, err := s.deps.Ledger.ComputeStreak(ctx, userID); err == nil {
		out.CurrentStreak, out.LongestStreak = st.Current, st.Longest
	}
	if standing, err := s.deps.Ledger.Rank(ctx, userID); err == nil {
		out.Rank = standing.Rank
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRank handles GET /v1/users/{userID}/rank.
func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	standing, err := s.deps.Ledger.Rank(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, standing)
}

// handleEvents handles GET /v1/users/{userID}/events?status=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	const op = "api.Events"
	var status model.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := model.ParseStatus(raw)
		if err != nil {
			s.writeError(r.Context(), w, apperr.Wrap(apperr.KindInvalidArgument, op, err))
			return
		}
		status = st
	}
	evs, err := s.deps.Ledger.Events(r.Context(), chi.URLParam(r, "userID"), status)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	out := make([]eventResponse, 0, len(evs))
	for _, ev := range evs {
		out = append(out, newEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSettlements handles GET /v1/users/{userID}/settlements.
func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Ledger.Settlements(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	out := make([]settlementResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, settlementResponse{
			EventID:   rec.EventID,
			TxHash:    rec.TxHash,
			Amount:    rec.Amount,
			Requested: rec.Requested,
			Nonce:     rec.Nonce,
			SettledAt: rec.SettledAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleBalance handles GET /v1/users/{userID}/balance.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settler == nil {
		writeStatus(w, http.StatusServiceUnavailable, "misconfiguration", "settlement is not configured")
		return
	}
	userID := chi.URLParam(r, "userID")
	bal, err := s.deps.Settler.Balance(r.Context(), userID)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": bal})
}
