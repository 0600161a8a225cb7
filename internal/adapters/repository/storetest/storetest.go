// Package storetest is the behavioural contract every repository.Store
// implementation must satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/rewards/internal/adapters/repository"
	"github.com/okian/rewards/internal/domain/model"
	"github.com/shopspring/decimal"
)

// Factory returns an empty store. Run closes it.
type Factory func(t *testing.T) repository.Store

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, s repository.Store)
	}{
		{"Users", testUsers},
		{"UpdateCommitsEventsAndUser", testUpdateCommits},
		{"UpdateRollsBackOnError", testUpdateRollback},
		{"ForeignEvent", testForeignEvent},
		{"ListEventsByStatus", testListEvents},
		{"RankOrder", testRankOrder},
		{"Attempts", testAttempts},
		{"CompleteSettlementOnce", testCompleteSettlement},
		{"UpdateSerializesWriters", testUpdateSerializes},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			defer func() {
				if err := s.Close(); err != nil {
					t.Errorf("close: %v", err)
				}
			}()
			tc.fn(t, s)
		})
	}
}

var base = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func mustCreate(t *testing.T, s repository.Store, id string) model.User {
	t.Helper()
	u := model.User{
		ID:            id,
		DisplayName:   "user " + id,
		Wallet:        common.BytesToAddress([]byte(id)),
		TotalEarnings: decimal.Zero,
		TotalSettled:  decimal.Zero,
		CreatedAt:     base,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
	return u
}

func completed(id, userID string, score int64, earnings string, at time.Time) model.CompletionEvent {
	return model.CompletionEvent{
		ID:        id,
		UserID:    userID,
		State:     model.Completed{Score: score, Earnings: decimal.RequireFromString(earnings), CompletedAt: at},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func testUsers(t *testing.T, s repository.Store) {
	ctx := context.Background()
	u := mustCreate(t, s, "u-1")

	got, err := s.GetUser(ctx, "u-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != u.ID || got.DisplayName != u.DisplayName || got.Wallet != u.Wallet {
		t.Fatalf("got %+v, want %+v", got, u)
	}
	if !got.TotalEarnings.IsZero() || !got.LastActiveAt.IsZero() {
		t.Fatalf("new user has aggregates: %+v", got)
	}

	if err := s.CreateUser(ctx, u); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("duplicate create: %v, want ErrConflict", err)
	}
	if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing user: %v, want ErrNotFound", err)
	}
	if n, err := s.Count(ctx); err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func testUpdateCommits(t *testing.T, s repository.Store) {
	ctx := context.Background()
	mustCreate(t, s, "u-1")

	err := s.Update(ctx, "u-1", func(tx repository.Tx) error {
		if err := tx.SaveEvent(ctx, completed("ev-1", "u-1", 40, "1.5", base)); err != nil {
			return err
		}
		if err := tx.SaveEvent(ctx, completed("ev-2", "u-1", 10, "0.25", base.Add(24*time.Hour))); err != nil {
			return err
		}
		times, err := tx.CompletionTimes(ctx)
		if err != nil {
			return err
		}
		if len(times) != 2 {
			return fmt.Errorf("completion times inside tx = %v", times)
		}
		u, err := tx.User(ctx)
		if err != nil {
			return err
		}
		u.TotalInterviews = 2
		u.TotalInterviewPoints = 50
		u.TotalEarnings = decimal.RequireFromString("1.75")
		u.CurrentStreak = 2
		u.LongestStreak = 2
		u.LastActiveAt = base.Add(24 * time.Hour)
		return tx.SaveUser(ctx, u)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	u, err := s.GetUser(ctx, "u-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.TotalInterviewPoints != 50 || u.TotalInterviews != 2 || u.CurrentStreak != 2 {
		t.Fatalf("aggregates not committed: %+v", u)
	}
	if !u.TotalEarnings.Equal(decimal.RequireFromString("1.75")) {
		t.Fatalf("earnings = %s", u.TotalEarnings)
	}
	if !u.LastActiveAt.Equal(base.Add(24 * time.Hour)) {
		t.Fatalf("last active = %s", u.LastActiveAt)
	}

	ev, err := s.GetEvent(ctx, "ev-1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	c, ok := ev.Completed()
	if !ok || c.Score != 40 || !c.Earnings.Equal(decimal.RequireFromString("1.5")) || !c.CompletedAt.Equal(base) {
		t.Fatalf("event = %+v", ev)
	}

	// A second transaction sees the committed completions.
	err = s.Update(ctx, "u-1", func(tx repository.Tx) error {
		times, err := tx.CompletionTimes(ctx)
		if err != nil {
			return err
		}
		if len(times) != 2 {
			return fmt.Errorf("completion times = %v", times)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}

	if err := s.Update(ctx, "ghost", func(repository.Tx) error { return nil }); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("update unknown user: %v", err)
	}
}

func testUpdateRollback(t *testing.T, s repository.Store) {
	ctx := context.Background()
	mustCreate(t, s, "u-1")
	boom := errors.New("boom")

	err := s.Update(ctx, "u-1", func(tx repository.Tx) error {
		if err := tx.SaveEvent(ctx, completed("ev-1", "u-1", 40, "1", base)); err != nil {
			return err
		}
		u, _ := tx.User(ctx)
		u.TotalInterviewPoints = 40
		if err := tx.SaveUser(ctx, u); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("update error = %v, want boom", err)
	}
	if _, err := s.GetEvent(ctx, "ev-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("event survived rollback: %v", err)
	}
	if u, _ := s.GetUser(ctx, "u-1"); u.TotalInterviewPoints != 0 {
		t.Fatalf("user survived rollback: %+v", u)
	}
}

func testForeignEvent(t *testing.T, s repository.Store) {
	ctx := context.Background()
	mustCreate(t, s, "u-1")
	mustCreate(t, s, "u-2")

	if err := s.Update(ctx, "u-1", func(tx repository.Tx) error {
		return tx.SaveEvent(ctx, completed("ev-1", "u-1", 1, "1", base))
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := s.Update(ctx, "u-2", func(tx repository.Tx) error {
		_, err := tx.Event(ctx, "ev-1")
		return err
	})
	if !errors.Is(err, repository.ErrForeignEvent) {
		t.Fatalf("foreign read: %v", err)
	}
	err = s.Update(ctx, "u-2", func(tx repository.Tx) error {
		_, err := tx.Event(ctx, "ev-unknown")
		return err
	})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown read: %v", err)
	}
}

func testListEvents(t *testing.T, s repository.Store) {
	ctx := context.Background()
	mustCreate(t, s, "u-1")
	err := s.Update(ctx, "u-1", func(tx repository.Tx) error {
		if err := tx.SaveEvent(ctx, completed("ev-1", "u-1", 1, "1", base)); err != nil {
			return err
		}
		return tx.SaveEvent(ctx, model.CompletionEvent{
			ID: "ev-2", UserID: "u-1", State: model.Grading{},
			CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute),
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	all, err := s.ListEvents(ctx, "u-1", "")
	if err != nil || len(all) != 2 || all[0].ID != "ev-1" || all[1].ID != "ev-2" {
		t.Fatalf("all = %+v, %v", all, err)
	}
	grading, err := s.ListEvents(ctx, "u-1", model.StatusGrading)
	if err != nil || len(grading) != 1 || grading[0].ID != "ev-2" {
		t.Fatalf("grading = %+v, %v", grading, err)
	}
	if _, ok := grading[0].State.(model.Grading); !ok {
		t.Fatalf("state = %T", grading[0].State)
	}
	if _, err := s.ListEvents(ctx, "ghost", ""); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown user: %v", err)
	}
}

func testRankOrder(t *testing.T, s repository.Store) {
	ctx := context.Background()
	// points, streak
	rows := []struct {
		id     string
		points int64
		streak int
	}{
		{"carol", 300, 1},
		{"alice", 500, 2},
		{"bob", 500, 4},
		{"dave", 300, 1},
		{"erin", 0, 0},
	}
	for _, r := range rows {
		mustCreate(t, s, r.id)
		r := r
		if err := s.Update(ctx, r.id, func(tx repository.Tx) error {
			u, err := tx.User(ctx)
			if err != nil {
				return err
			}
			u.TotalInterviewPoints = r.points
			u.CurrentStreak = r.streak
			return tx.SaveUser(ctx, u)
		}); err != nil {
			t.Fatalf("update %s: %v", r.id, err)
		}
	}

	want := []string{"bob", "alice", "carol", "dave", "erin"}
	top, err := s.Top(ctx, 10)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != len(want) {
		t.Fatalf("top len = %d", len(top))
	}
	for i, id := range want {
		if top[i].UserID != id || top[i].Rank != i+1 {
			t.Fatalf("top[%d] = %+v, want %s rank %d", i, top[i], id, i+1)
		}
		st, err := s.Rank(ctx, id)
		if err != nil || st.Rank != i+1 {
			t.Fatalf("rank(%s) = %+v, %v", id, st, err)
		}
	}
	if top[0].DisplayName != "user bob" || top[0].Points != 500 || top[0].CurrentStreak != 4 {
		t.Fatalf("standing fields = %+v", top[0])
	}

	two, err := s.Top(ctx, 2)
	if err != nil || len(two) != 2 || two[1].UserID != "alice" {
		t.Fatalf("top 2 = %+v, %v", two, err)
	}
	if _, err := s.Top(ctx, 0); !errors.Is(err, repository.ErrInvalidLimit) {
		t.Fatalf("top 0: %v", err)
	}
	if _, err := s.Rank(ctx, "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("rank ghost: %v", err)
	}

	// Moving a user re-ranks everyone between.
	if err := s.Update(ctx, "erin", func(tx repository.Tx) error {
		u, _ := tx.User(ctx)
		u.TotalInterviewPoints = 1000
		return tx.SaveUser(ctx, u)
	}); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if st, _ := s.Rank(ctx, "erin"); st.Rank != 1 {
		t.Fatalf("erin rank = %d", st.Rank)
	}
	if st, _ := s.Rank(ctx, "dave"); st.Rank != 5 {
		t.Fatalf("dave rank = %d", st.Rank)
	}
}

func testAttempts(t *testing.T, s repository.Store) {
	ctx := context.Background()
	mustCreate(t, s, "u-1")

	a := model.ClaimAttempt{
		EventID:   "ev-1",
		UserID:    "u-1",
		Nonce:     3,
		Amount:    decimal.RequireFromString("2.5"),
		Deadline:  base.Add(time.Hour),
		CreatedAt: base,
	}
	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateAttempt(ctx, a); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("duplicate attempt: %v", err)
	}
	if n, err := s.NextNonce(ctx, "u-1"); err != nil || n != 4 {
		t.Fatalf("next nonce = %d, %v", n, err)
	}

	hash := common.HexToHash("0xabc")
	if err := s.MarkBroadcast(ctx, "ev-1", hash); err != nil {
		t.Fatalf("mark: %v", err)
	}
	got, err := s.GetAttempt(ctx, "ev-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TxHash != hash || got.Nonce != 3 || !got.Amount.Equal(a.Amount) || !got.Deadline.Equal(a.Deadline) {
		t.Fatalf("attempt = %+v", got)
	}
	if err := s.MarkBroadcast(ctx, "ev-x", hash); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("mark unknown: %v", err)
	}

	if err := s.DeleteAttempt(ctx, "ev-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteAttempt(ctx, "ev-1"); err != nil {
		t.Fatalf("delete twice: %v", err)
	}
	if _, err := s.GetAttempt(ctx, "ev-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("deleted attempt: %v", err)
	}
	if n, _ := s.NextNonce(ctx, "u-1"); n != 0 {
		t.Fatalf("next nonce after delete = %d", n)
	}
}

func testCompleteSettlement(t *testing.T, s repository.Store) {
	ctx := context.Background()
	mustCreate(t, s, "u-1")
	if err := s.CreateAttempt(ctx, model.ClaimAttempt{
		EventID: "ev-1", UserID: "u-1", Nonce: 7, Amount: decimal.NewFromInt(5),
		Deadline: base.Add(time.Hour), CreatedAt: base,
	}); err != nil {
		t.Fatalf("attempt: %v", err)
	}

	rec := model.SettlementRecord{
		EventID:   "ev-1",
		UserID:    "u-1",
		TxHash:    common.HexToHash("0x01"),
		Amount:    decimal.RequireFromString("4.2"),
		Requested: decimal.NewFromInt(5),
		Nonce:     7,
		SettledAt: base.Add(time.Minute),
	}
	created, err := s.CompleteSettlement(ctx, rec)
	if err != nil || !created {
		t.Fatalf("complete = %v, %v", created, err)
	}
	created, err = s.CompleteSettlement(ctx, rec)
	if err != nil || created {
		t.Fatalf("second complete = %v, %v", created, err)
	}

	u, _ := s.GetUser(ctx, "u-1")
	if !u.TotalSettled.Equal(decimal.RequireFromString("4.2")) {
		t.Fatalf("total settled = %s", u.TotalSettled)
	}
	if _, err := s.GetAttempt(ctx, "ev-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("attempt not cleared: %v", err)
	}

	got, err := s.GetSettlement(ctx, "ev-1")
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if got.TxHash != rec.TxHash || !got.Amount.Equal(rec.Amount) || !got.Requested.Equal(rec.Requested) || !got.SettledAt.Equal(rec.SettledAt) {
		t.Fatalf("record = %+v", got)
	}
	list, err := s.ListSettlements(ctx, "u-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %+v, %v", list, err)
	}
	if n, _ := s.NextNonce(ctx, "u-1"); n != 8 {
		t.Fatalf("next nonce = %d", n)
	}
	if _, err := s.GetSettlement(ctx, "ev-2"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown settlement: %v", err)
	}
}

func testUpdateSerializes(t *testing.T, s repository.Store) {
	ctx := context.Background()
	mustCreate(t, s, "u-1")

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Update(ctx, "u-1", func(tx repository.Tx) error {
				u, err := tx.User(ctx)
				if err != nil {
					return err
				}
				u.TotalInterviews++
				return tx.SaveUser(ctx, u)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	if u, _ := s.GetUser(ctx, "u-1"); u.TotalInterviews != writers {
		t.Fatalf("lost updates: total interviews = %d", u.TotalInterviews)
	}
}
