// Package repository persists the ledger: users, completion events, claim
// attempts and settlement records, plus the rank order derived from users.
// The in-memory implementation lives here; sql backends live in subpackages
// and pass the same contract tests.
package repository

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/rewards/internal/domain/model"
)

// Store provides read/write access to the ledger state.
type Store interface {
	// CreateUser inserts a new user. ErrConflict if the id exists.
	CreateUser(ctx context.Context, u model.User) error
	// GetUser returns ErrNotFound for unknown ids.
	GetUser(ctx context.Context, id string) (model.User, error)

	GetEvent(ctx context.Context, id string) (model.CompletionEvent, error)
	// ListEvents returns a user's events ordered by creation. An empty status
	// means all statuses.
	ListEvents(ctx context.Context, userID string, status model.Status) ([]model.CompletionEvent, error)

	// Update runs fn in a transaction scoped to one user. Updates for the same
	// user are serialized; fn's writes are applied only if it returns nil.
	// ErrNotFound if the user does not exist.
	Update(ctx context.Context, userID string, fn func(Tx) error) error

	// Rank returns the 1-based position of the user ordered by points desc,
	// current streak desc, user id asc.
	Rank(ctx context.Context, userID string) (model.Standing, error)
	// Top returns the first n standings in rank order.
	Top(ctx context.Context, n int) ([]model.Standing, error)
	// Count returns the number of users.
	Count(ctx context.Context) (int, error)

	GetSettlement(ctx context.Context, eventID string) (model.SettlementRecord, error)
	ListSettlements(ctx context.Context, userID string) ([]model.SettlementRecord, error)

	// NextNonce is one past the highest nonce used by the user's settled or
	// in-flight claims, or 0 when there are none.
	NextNonce(ctx context.Context, userID string) (uint64, error)
	// CreateAttempt inserts an attempt. ErrConflict if one exists for the event.
	CreateAttempt(ctx context.Context, a model.ClaimAttempt) error
	GetAttempt(ctx context.Context, eventID string) (model.ClaimAttempt, error)
	// MarkBroadcast records the transaction hash of an attempt.
	MarkBroadcast(ctx context.Context, eventID string, tx common.Hash) error
	// DeleteAttempt is a no-op for unknown events.
	DeleteAttempt(ctx context.Context, eventID string) error
	// CompleteSettlement atomically inserts rec, adds rec.Amount to the user's
	// settled total and removes the attempt. When a record for the event
	// already exists nothing changes except the attempt removal, and false
	// is returned.
	CompleteSettlement(ctx context.Context, rec model.SettlementRecord) (bool, error)

	Close() error
}

// Tx is the view of one user inside Store.Update.
type Tx interface {
	User(ctx context.Context) (model.User, error)
	SaveUser(ctx context.Context, u model.User) error
	// Event returns ErrNotFound for unknown ids and ErrForeignEvent for ids
	// owned by another user.
	Event(ctx context.Context, id string) (model.CompletionEvent, error)
	SaveEvent(ctx context.Context, e model.CompletionEvent) error
	// CompletionTimes lists CompletedAt of the user's completed events,
	// including ones saved earlier in this transaction.
	CompletionTimes(ctx context.Context) ([]time.Time, error)
}
