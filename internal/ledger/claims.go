package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/rewards/internal/adapters/repository"
	"github.com/okian/rewards/internal/domain/apperr"
	"github.com/okian/rewards/internal/domain/model"
	"github.com/okian/rewards/pkg/logger"
	"github.com/shopspring/decimal"
)

// ClaimIntent asks the ledger to reserve a nonce for converting an event's
// earnings.
type ClaimIntent struct {
	UserID   string
	EventID  string
	Amount   decimal.Decimal
	Deadline time.Time
	// NonceFloor is the contract's counter for the user's wallet. The
	// reserved nonce is never below it.
	NonceFloor uint64
}

// BeginClaim validates the claim against the ledger and records an attempt
// holding a fresh nonce. Nonce selection is serialized per user, so two
// claims of one user never share a nonce. Conflict when the event already
// has an attempt in flight; AlreadyClaimed when it is settled.
func (l *Ledger) BeginClaim(ctx context.Context, in ClaimIntent) (model.ClaimAttempt, error) {
	const op = "ledger.BeginClaim"

	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.EventID) == "" {
		return model.ClaimAttempt{}, apperr.New(apperr.KindInvalidArgument, op, "user id and event id are required")
	}
	if !in.Amount.IsPositive() {
		return model.ClaimAttempt{}, apperr.New(apperr.KindInvalidArgument, op, "amount must be positive")
	}

	unlock := l.claims.Lock(in.UserID)
	defer unlock()

	if _, err := l.store.GetSettlement(ctx, in.EventID); err == nil {
		return model.ClaimAttempt{}, apperr.Newf(apperr.KindAlreadyClaimed, op, "event %s already settled", in.EventID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return model.ClaimAttempt{}, storeErr(op, err)
	}

	ev, err := l.store.GetEvent(ctx, in.EventID)
	if err != nil {
		return model.ClaimAttempt{}, storeErr(op, err)
	}
	if ev.UserID != in.UserID {
		return model.ClaimAttempt{}, apperr.Newf(apperr.KindInvalidArgument, op, "event %s does not belong to user %s", in.EventID, in.UserID)
	}
	c, ok := ev.Completed()
	if !ok {
		return model.ClaimAttempt{}, apperr.Newf(apperr.KindInvalidArgument, op, "event %s is %s, not completed", in.EventID, ev.Status())
	}
	if in.Amount.GreaterThan(c.Earnings) {
		return model.ClaimAttempt{}, apperr.Newf(apperr.KindInvalidArgument, op, "amount %s exceeds event earnings %s", in.Amount, c.Earnings)
	}

	next, err := l.store.NextNonce(ctx, in.UserID)
	if err != nil {
		return model.ClaimAttempt{}, storeErr(op, err)
	}
	a := model.ClaimAttempt{
		EventID:   in.EventID,
		UserID:    in.UserID,
		Nonce:     max(next, in.NonceFloor),
		Amount:    in.Amount,
		Deadline:  in.Deadline.UTC(),
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.CreateAttempt(ctx, a); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return model.ClaimAttempt{}, apperr.Newf(apperr.KindConflict, op, "a claim for event %s is already in flight", in.EventID)
		}
		return model.ClaimAttempt{}, storeErr(op, err)
	}

	l.logger.Debug(ctx, "nonce reserved",
		logger.String("event_id", a.EventID),
		logger.String("user_id", a.UserID),
		logger.Uint64("nonce", a.Nonce),
	)
	return a, nil
}

// RecordBroadcast stores the transaction hash of an attempt.
func (l *Ledger) RecordBroadcast(ctx context.Context, eventID string, tx common.Hash) error {
	if err := l.store.MarkBroadcast(ctx, eventID, tx); err != nil {
		return storeErr("ledger.RecordBroadcast", err)
	}
	return nil
}

// AbandonClaim drops an attempt whose transaction can no longer succeed,
// releasing the event for a new claim.
func (l *Ledger) AbandonClaim(ctx context.Context, eventID string) error {
	if err := l.store.DeleteAttempt(ctx, eventID); err != nil {
		return storeErr("ledger.AbandonClaim", err)
	}
	l.logger.Debug(ctx, "claim attempt released", logger.String("event_id", eventID))
	return nil
}

// PendingClaim returns the attempt in flight for an event.
func (l *Ledger) PendingClaim(ctx context.Context, eventID string) (model.ClaimAttempt, error) {
	a, err := l.store.GetAttempt(ctx, eventID)
	if err != nil {
		return model.ClaimAttempt{}, storeErr("ledger.PendingClaim", err)
	}
	return a, nil
}

// Settlement returns the record of a settled event.
func (l *Ledger) Settlement(ctx context.Context, eventID string) (model.SettlementRecord, error) {
	rec, err := l.store.GetSettlement(ctx, eventID)
	if err != nil {
		return model.SettlementRecord{}, storeErr("ledger.Settlement", err)
	}
	return rec, nil
}

// Settlements lists a user's settlement records.
func (l *Ledger) Settlements(ctx context.Context, userID string) ([]model.SettlementRecord, error) {
	const op = "ledger.Settlements"
	if _, err := l.store.GetUser(ctx, userID); err != nil {
		return nil, storeErr(op, err)
	}
	recs, err := l.store.ListSettlements(ctx, userID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return recs, nil
}

// MarkSettled writes a confirmed settlement back. It reports false, and
// changes nothing, when the event was settled before.
func (l *Ledger) MarkSettled(ctx context.Context, rec model.SettlementRecord) (bool, error) {
	const op = "ledger.MarkSettled"
	if rec.Amount.IsNegative() {
		return false, apperr.New(apperr.KindInvalidArgument, op, "settled amount must not be negative")
	}
	if rec.SettledAt.IsZero() {
		rec.SettledAt = l.now()
	}
	rec.SettledAt = rec.SettledAt.UTC()

	created, err := l.store.CompleteSettlement(ctx, rec)
	if err != nil {
		return false, storeErr(op, err)
	}
	if created {
		l.logger.Info(ctx, "settlement recorded",
			logger.String("event_id", rec.EventID),
			logger.String("user_id", rec.UserID),
			logger.String("amount", rec.Amount.String()),
			logger.String("tx", rec.TxHash.Hex()),
		)
	}
	return created, nil
}
