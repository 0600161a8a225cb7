package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/rewards/internal/domain/model"
)

// MemoryStore is a process-local Store. A single lock serializes writers,
// which trivially satisfies the per-user serialization of Update.
type MemoryStore struct {
	mu sync.RWMutex

	users       map[string]model.User
	events      map[string]model.CompletionEvent
	userEvents  map[string][]string // user id -> event ids in creation order
	attempts    map[string]model.ClaimAttempt
	settlements map[string]model.SettlementRecord
	userSettled map[string][]string // user id -> settled event ids
	index       *rankIndex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]model.User),
		events:      make(map[string]model.CompletionEvent),
		userEvents:  make(map[string][]string),
		attempts:    make(map[string]model.ClaimAttempt),
		settlements: make(map[string]model.SettlementRecord),
		userSettled: make(map[string][]string),
		index:       newRankIndex(),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	s.users[u.ID] = u
	s.index.upsert(u)
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (model.CompletionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return model.CompletionEvent{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return e, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, userID string, status model.Status) ([]model.CompletionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	out := make([]model.CompletionEvent, 0, len(s.userEvents[userID]))
	for _, id := range s.userEvents[userID] {
		e := s.events[id]
		if status == "" || e.Status() == status {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, userID string, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	tx := &memTx{store: s, user: u, staged: make(map[string]model.CompletionEvent)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, id := range tx.order {
		s.userEvents[userID] = append(s.userEvents[userID], id)
	}
	for id, e := range tx.staged {
		s.events[id] = e
	}
	if tx.userDirty {
		s.users[userID] = tx.user
		s.index.upsert(tx.user)
	}
	return nil
}

func (s *MemoryStore) Rank(_ context.Context, userID string) (model.Standing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return model.Standing{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return standingOf(u, s.index.rank(userID)), nil
}

func (s *MemoryStore) Top(_ context.Context, n int) ([]model.Standing, error) {
	if n < 1 {
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.index.top(n)
	out := make([]model.Standing, len(keys))
	for i, k := range keys {
		out[i] = standingOf(s.users[k.id], i+1)
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.len(), nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, eventID string) (model.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.settlements[eventID]
	if !ok {
		return model.SettlementRecord{}, fmt.Errorf("settlement %s: %w", eventID, ErrNotFound)
	}
	return rec, nil
}

func (s *MemoryStore) ListSettlements(_ context.Context, userID string) ([]model.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.userSettled[userID]
	out := make([]model.SettlementRecord, len(ids))
	for i, id := range ids {
		out[i] = s.settlements[id]
	}
	return out, nil
}

func (s *MemoryStore) NextNonce(_ context.Context, userID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var next uint64
	for _, id := range s.userSettled[userID] {
		next = max(next, s.settlements[id].Nonce+1)
	}
	for _, a := range s.attempts {
		if a.UserID == userID {
			next = max(next, a.Nonce+1)
		}
	}
	return next, nil
}

func (s *MemoryStore) CreateAttempt(_ context.Context, a model.ClaimAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[a.EventID]; ok {
		return fmt.Errorf("attempt %s: %w", a.EventID, ErrConflict)
	}
	s.attempts[a.EventID] = a
	return nil
}

func (s *MemoryStore) GetAttempt(_ context.Context, eventID string) (model.ClaimAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[eventID]
	if !ok {
		return model.ClaimAttempt{}, fmt.Errorf("attempt %s: %w", eventID, ErrNotFound)
	}
	return a, nil
}

func (s *MemoryStore) MarkBroadcast(_ context.Context, eventID string, tx common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[eventID]
	if !ok {
		return fmt.Errorf("attempt %s: %w", eventID, ErrNotFound)
	}
	a.TxHash = tx
	s.attempts[eventID] = a
	return nil
}

func (s *MemoryStore) DeleteAttempt(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, eventID)
	return nil
}

func (s *MemoryStore) CompleteSettlement(_ context.Context, rec model.SettlementRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attempts, rec.EventID)
	if _, ok := s.settlements[rec.EventID]; ok {
		return false, nil
	}
	u, ok := s.users[rec.UserID]
	if !ok {
		return false, fmt.Errorf("user %s: %w", rec.UserID, ErrNotFound)
	}
	u.TotalSettled = u.TotalSettled.Add(rec.Amount)
	s.users[rec.UserID] = u
	s.settlements[rec.EventID] = rec
	s.userSettled[rec.UserID] = append(s.userSettled[rec.UserID], rec.EventID)
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }

// memTx stages writes until Update commits them.
type memTx struct {
	store     *MemoryStore
	user      model.User
	userDirty bool
	staged    map[string]model.CompletionEvent
	order     []string // ids new to the store, in save order
}

func (t *memTx) User(_ context.Context) (model.User, error) {
	return t.user, nil
}

func (t *memTx) SaveUser(_ context.Context, u model.User) error {
	if u.ID != t.user.ID {
		return fmt.Errorf("save user %s inside transaction of %s", u.ID, t.user.ID)
	}
	t.user = u
	t.userDirty = true
	return nil
}

func (t *memTx) Event(_ context.Context, id string) (model.CompletionEvent, error) {
	e, ok := t.staged[id]
	if !ok {
		e, ok = t.store.events[id]
	}
	if !ok {
		return model.CompletionEvent{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if e.UserID != t.user.ID {
		return model.CompletionEvent{}, fmt.Errorf("event %s: %w", id, ErrForeignEvent)
	}
	return e, nil
}

func (t *memTx) SaveEvent(_ context.Context, e model.CompletionEvent) error {
	if e.UserID != t.user.ID {
		return fmt.Errorf("event %s: %w", e.ID, ErrForeignEvent)
	}
	if prev, ok := t.store.events[e.ID]; ok && prev.UserID != e.UserID {
		return fmt.Errorf("event %s: %w", e.ID, ErrForeignEvent)
	}
	_, stored := t.store.events[e.ID]
	_, staged := t.staged[e.ID]
	if !stored && !staged {
		t.order = append(t.order, e.ID)
	}
	t.staged[e.ID] = e
	return nil
}

func (t *memTx) CompletionTimes(_ context.Context) ([]time.Time, error) {
	var out []time.Time
	add := func(e model.CompletionEvent) {
		if c, ok := e.Completed(); ok {
			out = append(out, c.CompletedAt)
		}
	}
	for _, id := range t.store.userEvents[t.user.ID] {
		if e, ok := t.staged[id]; ok {
			add(e)
			continue
		}
		add(t.store.events[id])
	}
	for _, id := range t.order {
		add(t.staged[id])
	}
	return out, nil
}

func standingOf(u model.User, rank int) model.Standing {
	return model.Standing{
		Rank:          rank,
		UserID:        u.ID,
		DisplayName:   u.DisplayName,
		Points:        u.TotalInterviewPoints,
		CurrentStreak: u.CurrentStreak,
	}
}
