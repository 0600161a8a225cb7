package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/okian/rewards/internal/auth"
	"github.com/okian/rewards/internal/authz"
	"github.com/okian/rewards/internal/domain/apperr"
	"github.com/okian/rewards/internal/settlement"
	"github.com/shopspring/decimal"
)

type claimRequest struct {
	EventID string          `json:"event_id"`
	UserID  string          `json:"user_id"`
	Amount  decimal.Decimal `json:"amount"`
	Tag     string          `json:"tag"`
}

// handleClaim handles POST /v1/claims. Users claim for themselves; the
// settlement role claims on behalf of user_id.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	const op = "api.Claim"
	ctx := r.Context()
	if s.deps.Settler == nil {
		writeStatus(w, http.StatusServiceUnavailable, "misconfiguration", "settlement is not configured")
		return
	}
	var req claimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(ctx, w, apperr.Wrapf(apperr.KindInvalidArgument, op, err, "decode body"))
		return
	}

	id, _ := auth.FromContext(ctx)
	userID := strings.TrimSpace(req.UserID)
	switch {
	case id.Role == auth.RoleUser && userID != "" && userID != id.Subject:
		writeStatus(w, http.StatusForbidden, "forbidden", "not your account")
		return
	case id.Role == auth.RoleUser:
		userID = id.Subject
	case userID == "":
		s.writeError(ctx, w, apperr.New(apperr.KindInvalidArgument, op, "user_id is required"))
		return
	}

	tag, err := authz.ParseTag(req.Tag)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	res, err := s.deps.Settler.Claim(ctx, settlement.ClaimRequest{
		UserID:  userID,
		EventID: strings.TrimSpace(req.EventID),
		Amount:  req.Amount,
		Tag:     tag,
	})
	s.writeClaim(w, r, res, err)
}

// handleReconcile handles POST /v1/claims/{eventID}/reconcile.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.deps.Settler == nil {
		writeStatus(w, http.StatusServiceUnavailable, "misconfiguration", "settlement is not configured")
		return
	}
	eventID := chi.URLParam(r, "eventID")
	owner, err := s.claimOwner(r, eventID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	id, _ := auth.FromContext(ctx)
	if !id.Owns(owner) && !id.Has(auth.RoleSettlement) {
		writeStatus(w, http.StatusForbidden, "forbidden", "not your claim")
		return
	}
	res, err := s.deps.Settler.Reconcile(ctx, eventID)
	s.writeClaim(w, r, res, err)
}

func (s *Server) claimOwner(r *http.Request, eventID string) (string, error) {
	rec, err := s.deps.Ledger.Settlement(r.Context(), eventID)
	if err == nil {
		return rec.UserID, nil
	}
	if !errors.Is(err, apperr.NotFound) {
		return "", err
	}
	a, err := s.deps.Ledger.PendingClaim(r.Context(), eventID)
	if err != nil {
		return "", err
	}
	return a.UserID, nil
}

// writeClaim answers 200 for settled outcomes, 202 while pending and the
// error's status otherwise, with the claim state attached.
func (s *Server) writeClaim(w http.ResponseWriter, r *http.Request, res settlement.Result, err error) {
	switch {
	case err == nil && res.Status == settlement.StatusPending:
		writeJSON(w, http.StatusAccepted, res)
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, apperr.SettlementTimeout):
		writeJSON(w, http.StatusAccepted, res)
	default:
		kind := apperr.KindOf(err)
		status := statusFor(kind)
		if status >= http.StatusInternalServerError {
			s.writeError(r.Context(), w, err)
			return
		}
		body := errorResponse{Error: err.Error(), Code: kind.String()}
		if res.Status != "" {
			body.Claim = &res
		}
		writeJSON(w, status, body)
	}
}
