package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/okian/rewards/internal/domain/apperr"
	"github.com/okian/rewards/internal/domain/model"
	"github.com/okian/rewards/internal/ledger"
	"github.com/okian/rewards/pkg/metrics"
	"github.com/shopspring/decimal"
)

// eventRequest is one webhook delivery from the scoring pipeline.
type eventRequest struct {
	EventID     string           `json:"event_id"`
	UserID      string           `json:"user_id"`
	Status      string           `json:"status"`
	Score       int64            `json:"score"`
	Earnings    *decimal.Decimal `json:"earnings"`
	CompletedAt string           `json:"completed_at"`
	Reason      string           `json:"reason"`
}

func (e eventRequest) toEvent() (model.CompletionEvent, error) {
	const op = "api.PostEvent"
	switch {
	case strings.TrimSpace(e.EventID) == "":
		return model.CompletionEvent{}, apperr.New(apperr.KindInvalidArgument, op, "missing event_id")
	case strings.TrimSpace(e.UserID) == "":
		return model.CompletionEvent{}, apperr.New(apperr.KindInvalidArgument, op, "missing user_id")
	}
	status, err := model.ParseStatus(e.Status)
	if err != nil {
		return model.CompletionEvent{}, apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}

	var (
		earnings    decimal.Decimal
		completedAt time.Time
	)
	if status == model.StatusCompleted {
		if e.Earnings == nil {
			return model.CompletionEvent{}, apperr.New(apperr.KindInvalidArgument, op, "completed event needs earnings")
		}
		earnings = *e.Earnings
		completedAt, err = time.Parse(time.RFC3339, e.CompletedAt)
		if err != nil {
			return model.CompletionEvent{}, apperr.New(apperr.KindInvalidArgument, op, "completed_at must be RFC3339")
		}
	}
	state, err := model.StateFor(status, e.Score, earnings, completedAt, e.Reason)
	if err != nil {
		return model.CompletionEvent{}, apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}
	return model.CompletionEvent{
		ID:     strings.TrimSpace(e.EventID),
		UserID: strings.TrimSpace(e.UserID),
		State:  state,
	}, nil
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// handlePostEvent handles POST /v1/events. A delivery is keyed by event id
// and status. Keys are remembered only once the ledger accepted the
// delivery, so a concurrent replay of one still in flight goes to the
// ledger, which is idempotent on its own.
func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	const op = "api.PostEvent"
	ctx := r.Context()
	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(ctx, w, apperr.Wrapf(apperr.KindInvalidArgument, op, err, "decode body"))
		return
	}
	ev, err := req.toEvent()
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	key := ev.ID + ":" + string(ev.Status())
	if s.deps.Dedupe != nil && s.deps.Dedupe.Seen(ctx, key) {
		metrics.RecordWebhookReplay()
		writeJSON(w, http.StatusOK, ackResponse{Status: string(ledger.OutcomeDuplicate), Duplicate: true})
		return
	}

	res, err := s.deps.Ledger.RecordCompletion(ctx, ev)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if s.deps.Dedupe != nil {
		s.deps.Dedupe.Record(ctx, key)
	}
	writeJSON(w, http.StatusOK, ackResponse{
		Status:    string(res.Outcome),
		Duplicate: res.Outcome == ledger.OutcomeDuplicate,
	})
}
