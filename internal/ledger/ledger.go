// Package ledger is the system of record for user earnings. It applies
// completion events to user aggregates exactly once, derives streaks and
// ranks, and keeps the claim bookkeeping the settlement client relies on.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/okian/rewards/internal/adapters/repository"
	"github.com/okian/rewards/internal/domain/apperr"
	"github.com/okian/rewards/internal/domain/model"
	"github.com/okian/rewards/pkg/logger"
	"github.com/okian/rewards/pkg/metrics"
	"github.com/shopspring/decimal"
)

// Outcome says what RecordCompletion did with an event.
type Outcome string

const (
	// OutcomeApplied: first completion of the event; aggregates changed.
	OutcomeApplied Outcome = "applied"
	// OutcomeRecorded: a non-terminal or failed state was stored.
	OutcomeRecorded Outcome = "recorded"
	// OutcomeDuplicate: nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
)

// RecordResult is the state after RecordCompletion.
type RecordResult struct {
	Outcome Outcome
	Event   model.CompletionEvent
	User    model.User
}

// Ledger owns user aggregates. Safe for concurrent use.
type Ledger struct {
	store  repository.Store
	logger logger.Logger
	now    func() time.Time
	newID  func() string
	claims keyedMutex
}

// New builds a ledger over store.
func New(store repository.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: logger.Nop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RegisterUser creates a user with zero aggregates. An empty id is replaced
// by a generated one.
func (l *Ledger) RegisterUser(ctx context.Context, u model.User) (model.User, error) {
	const op = "ledger.RegisterUser"

	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		u.ID = l.newID()
	}
	u.DisplayName = strings.TrimSpace(u.DisplayName)
	if u.DisplayName == "" {
		u.DisplayName = u.ID
	}
	created := model.User{
		ID:            u.ID,
		DisplayName:   u.DisplayName,
		Wallet:        u.Wallet,
		TotalEarnings: decimal.Zero,
		TotalSettled:  decimal.Zero,
		CreatedAt:     l.now().UTC(),
	}
	if err := l.store.CreateUser(ctx, created); err != nil {
		return model.User{}, storeErr(op, err)
	}
	if n, err := l.store.Count(ctx); err == nil {
		metrics.UpdateUsersTotal(n)
	}
	l.logger.Info(ctx, "user registered",
		logger.String("user_id", created.ID),
		logger.Bool("wallet", created.HasWallet()),
	)
	return created, nil
}

// User returns the stored aggregates of a user.
func (l *Ledger) User(ctx context.Context, userID string) (model.User, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return model.User{}, storeErr("ledger.User", err)
	}
	return u, nil
}

// Events lists a user's events; an empty status lists all of them.
func (l *Ledger) Events(ctx context.Context, userID string, status model.Status) ([]model.CompletionEvent, error) {
	const op = "ledger.Events"
	if _, err := l.store.GetUser(ctx, userID); err != nil {
		return nil, storeErr(op, err)
	}
	evs, err := l.store.ListEvents(ctx, userID, status)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return evs, nil
}

// RecordCompletion applies one event. The first transition of an event id
// to Completed updates the owner's aggregates; every later delivery of that
// id is a duplicate and changes nothing. Failed is terminal.
func (l *Ledger) RecordCompletion(ctx context.Context, ev model.CompletionEvent) (RecordResult, error) {
	const op = "ledger.RecordCompletion"

	if err := validateEvent(op, ev); err != nil {
		metrics.RecordCompletion("rejected")
		return RecordResult{}, err
	}
	if ev.State == nil {
		ev.State = model.NotStarted{}
	}

	var res RecordResult
	err := l.store.Update(ctx, ev.UserID, func(tx repository.Tx) error {
		now := l.now().UTC()
		u, err := tx.User(ctx)
		if err != nil {
			return err
		}
		res = RecordResult{Outcome: OutcomeDuplicate, User: u}

		stored, err := tx.Event(ctx, ev.ID)
		fresh := errors.Is(err, repository.ErrNotFound)
		switch {
		case fresh:
			stored = model.CompletionEvent{ID: ev.ID, UserID: ev.UserID, State: model.NotStarted{}, CreatedAt: now}
		case err != nil:
			return err
		}
		res.Event = stored

		if stored.Status() == model.StatusCompleted {
			return nil
		}
		if stored.Status() == model.StatusFailed {
			if ev.Status() == model.StatusFailed {
				return nil
			}
			return apperr.Newf(apperr.KindInvalidArgument, op, "event %s already failed", ev.ID)
		}
		if !fresh && stored.Status() == ev.Status() {
			return nil
		}

		stored.State = ev.State
		stored.UpdatedAt = now
		if err := tx.SaveEvent(ctx, stored); err != nil {
			return err
		}
		res.Event = stored
		res.Outcome = OutcomeRecorded

		c, ok := stored.Completed()
		if !ok {
			return nil
		}
		times, err := tx.CompletionTimes(ctx)
		if err != nil {
			return err
		}
		streak := ComputeStreak(times, now)

		u.TotalInterviews++
		u.TotalInterviewPoints += c.Score
		u.TotalEarnings = u.TotalEarnings.Add(c.Earnings)
		if c.CompletedAt.After(u.LastActiveAt) {
			u.LastActiveAt = c.CompletedAt
		}
		u.CurrentStreak = streak.Current
		u.LongestStreak = max(u.LongestStreak, streak.Longest)
		if err := tx.SaveUser(ctx, u); err != nil {
			return err
		}
		res.User = u
		res.Outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		metrics.RecordCompletion("rejected")
		return RecordResult{}, storeErr(op, err)
	}

	metrics.RecordCompletion(string(res.Outcome))
	switch res.Outcome {
	case OutcomeApplied:
		l.logger.Info(ctx, "completion applied",
			logger.String("event_id", ev.ID),
			logger.String("user_id", ev.UserID),
			logger.Int64("points", res.User.TotalInterviewPoints),
			logger.Int("streak", res.User.CurrentStreak),
		)
	case OutcomeDuplicate:
		l.logger.Debug(ctx, "duplicate event ignored",
			logger.String("event_id", ev.ID),
			logger.String("status", string(ev.Status())),
		)
	}
	return res, nil
}

func validateEvent(op string, ev model.CompletionEvent) error {
	if strings.TrimSpace(ev.ID) == "" {
		return apperr.New(apperr.KindInvalidArgument, op, "event id is required")
	}
	if strings.TrimSpace(ev.UserID) == "" {
		return apperr.New(apperr.KindInvalidArgument, op, "user id is required")
	}
	c, ok := ev.Completed()
	if !ok {
		return nil
	}
	switch {
	case c.Score < 0:
		return apperr.New(apperr.KindInvalidArgument, op, "score must not be negative")
	case c.Earnings.IsNegative():
		return apperr.New(apperr.KindInvalidArgument, op, "earnings must not be negative")
	case c.CompletedAt.IsZero():
		return apperr.New(apperr.KindInvalidArgument, op, "completed_at is required")
	}
	return nil
}

// ComputeStreak recomputes a user's streaks from stored completions against
// the ledger clock.
func (l *Ledger) ComputeStreak(ctx context.Context, userID string) (Streak, error) {
	const op = "ledger.ComputeStreak"
	if _, err := l.store.GetUser(ctx, userID); err != nil {
		return Streak{}, storeErr(op, err)
	}
	evs, err := l.store.ListEvents(ctx, userID, model.StatusCompleted)
	if err != nil {
		return Streak{}, storeErr(op, err)
	}
	times := make([]time.Time, 0, len(evs))
	for _, ev := range evs {
		if c, ok := ev.Completed(); ok {
			times = append(times, c.CompletedAt)
		}
	}
	return ComputeStreak(times, l.now()), nil
}

// Rank returns the user's 1-based leaderboard position.
func (l *Ledger) Rank(ctx context.Context, userID string) (model.Standing, error) {
	s, err := l.store.Rank(ctx, userID)
	if err != nil {
		return model.Standing{}, storeErr("ledger.Rank", err)
	}
	return s, nil
}

// Leaderboard returns the first limit standings.
func (l *Ledger) Leaderboard(ctx context.Context, limit int) ([]model.Standing, error) {
	const op = "ledger.Leaderboard"
	if limit < 1 {
		return nil, apperr.Newf(apperr.KindInvalidArgument, op, "limit must be positive, got %d", limit)
	}
	top, err := l.store.Top(ctx, limit)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return top, nil
}

// Count returns the number of users.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	n, err := l.store.Count(ctx)
	if err != nil {
		return 0, storeErr("ledger.Count", err)
	}
	return n, nil
}

// storeErr classifies repository errors. Errors that already carry a kind
// pass through unchanged.
func storeErr(op string, err error) error {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, op, err)
	case errors.Is(err, repository.ErrConflict):
		return apperr.Wrap(apperr.KindConflict, op, err)
	case errors.Is(err, repository.ErrInvalidLimit), errors.Is(err, repository.ErrForeignEvent):
		return apperr.Wrap(apperr.KindInvalidArgument, op, err)
	default:
		return apperr.Wrap(apperr.KindUnknown, op, err)
	}
}
