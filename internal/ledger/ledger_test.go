package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/rewards/internal/adapters/repository"
	"github.com/okian/rewards/internal/domain/apperr"
	"github.com/okian/rewards/internal/domain/model"
	"github.com/okian/rewards/internal/ledger"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

var today = time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

func newLedger() *ledger.Ledger {
	return ledger.New(repository.NewMemoryStore(),
		ledger.WithClock(func() time.Time { return today }),
	)
}

func completed(id, userID string, score int64, earnings string, at time.Time) model.CompletionEvent {
	return model.CompletionEvent{
		ID:     id,
		UserID: userID,
		State: model.Completed{
			Score:       score,
			Earnings:    decimal.RequireFromString(earnings),
			CompletedAt: at,
		},
	}
}

func register(ctx context.Context, l *ledger.Ledger, id string) model.User {
	u, err := l.RegisterUser(ctx, model.User{ID: id, Wallet: common.BytesToAddress([]byte(id))})
	So(err, ShouldBeNil)
	return u
}

func TestRegisterUser(t *testing.T) {
	Convey("Given an empty ledger", t, func() {
		ctx := context.Background()
		l := ledger.New(repository.NewMemoryStore(), ledger.WithIDGenerator(func() string { return "generated" }))

		Convey("When registering without an id", func() {
			u, err := l.RegisterUser(ctx, model.User{DisplayName: " Ada "})

			Convey("Then an id is generated and aggregates start at zero", func() {
				So(err, ShouldBeNil)
				So(u.ID, ShouldEqual, "generated")
				So(u.DisplayName, ShouldEqual, "Ada")
				So(u.TotalEarnings.IsZero(), ShouldBeTrue)
				So(u.HasWallet(), ShouldBeFalse)
			})
		})

		Convey("When registering the same id twice", func() {
			_, err := l.RegisterUser(ctx, model.User{ID: "u1"})
			So(err, ShouldBeNil)
			_, err = l.RegisterUser(ctx, model.User{ID: "u1"})

			Convey("Then the second call conflicts", func() {
				So(errors.Is(err, apperr.Conflict), ShouldBeTrue)
			})
		})

		Convey("When reading an unknown user", func() {
			_, err := l.User(ctx, "ghost")
			So(errors.Is(err, apperr.NotFound), ShouldBeTrue)
		})
	})
}

func TestRecordCompletion(t *testing.T) {
	Convey("Given a ledger with one user", t, func() {
		ctx := context.Background()
		l := newLedger()
		register(ctx, l, "alice")

		Convey("When the same completion is delivered twice", func() {
			ev := completed("ev-1", "alice", 80, "1.5", today)
			first, err1 := l.RecordCompletion(ctx, ev)
			second, err2 := l.RecordCompletion(ctx, ev)

			Convey("Then aggregates change exactly once", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(first.Outcome, ShouldEqual, ledger.OutcomeApplied)
				So(second.Outcome, ShouldEqual, ledger.OutcomeDuplicate)

				u, err := l.User(ctx, "alice")
				So(err, ShouldBeNil)
				So(u.TotalInterviews, ShouldEqual, 1)
				So(u.TotalInterviewPoints, ShouldEqual, 80)
				So(u.TotalEarnings.String(), ShouldEqual, "1.5")
				So(u.CurrentStreak, ShouldEqual, 1)
				So(u.LastActiveAt, ShouldEqual, today)
			})
		})

		Convey("When an event moves through its lifecycle", func() {
			r1, err := l.RecordCompletion(ctx, model.CompletionEvent{ID: "ev-2", UserID: "alice", State: model.InProgress{}})
			So(err, ShouldBeNil)
			r2, err := l.RecordCompletion(ctx, model.CompletionEvent{ID: "ev-2", UserID: "alice", State: model.Grading{}})
			So(err, ShouldBeNil)
			r3, err := l.RecordCompletion(ctx, completed("ev-2", "alice", 10, "2", today))
			So(err, ShouldBeNil)
			r4, err := l.RecordCompletion(ctx, model.CompletionEvent{ID: "ev-2", UserID: "alice", State: model.Grading{}})
			So(err, ShouldBeNil)

			Convey("Then only the completion touches aggregates", func() {
				So(r1.Outcome, ShouldEqual, ledger.OutcomeRecorded)
				So(r1.User.TotalInterviews, ShouldEqual, 0)
				So(r2.Outcome, ShouldEqual, ledger.OutcomeRecorded)
				So(r3.Outcome, ShouldEqual, ledger.OutcomeApplied)
				So(r3.User.TotalInterviews, ShouldEqual, 1)
				So(r4.Outcome, ShouldEqual, ledger.OutcomeDuplicate)
				So(r4.Event.Status(), ShouldEqual, model.StatusCompleted)

				evs, err := l.Events(ctx, "alice", model.StatusCompleted)
				So(err, ShouldBeNil)
				So(len(evs), ShouldEqual, 1)
			})
		})

		Convey("When a failed event is later completed", func() {
			_, err := l.RecordCompletion(ctx, model.CompletionEvent{ID: "ev-3", UserID: "alice", State: model.Failed{Reason: "timeout"}})
			So(err, ShouldBeNil)
			_, err = l.RecordCompletion(ctx, completed("ev-3", "alice", 10, "2", today))

			Convey("Then the transition is rejected", func() {
				So(errors.Is(err, apperr.InvalidArgument), ShouldBeTrue)
				u, _ := l.User(ctx, "alice")
				So(u.TotalInterviews, ShouldEqual, 0)
			})
		})

		Convey("When the event is malformed", func() {
			_, errScore := l.RecordCompletion(ctx, completed("ev-4", "alice", -1, "1", today))
			_, errEarn := l.RecordCompletion(ctx, completed("ev-4", "alice", 1, "-1", today))
			_, errTime := l.RecordCompletion(ctx, completed("ev-4", "alice", 1, "1", time.Time{}))
			_, errID := l.RecordCompletion(ctx, completed("", "alice", 1, "1", today))

			Convey("Then it is an invalid argument", func() {
				So(errors.Is(errScore, apperr.InvalidArgument), ShouldBeTrue)
				So(errors.Is(errEarn, apperr.InvalidArgument), ShouldBeTrue)
				So(errors.Is(errTime, apperr.InvalidArgument), ShouldBeTrue)
				So(errors.Is(errID, apperr.InvalidArgument), ShouldBeTrue)
			})
		})

		Convey("When the user is unknown", func() {
			_, err := l.RecordCompletion(ctx, completed("ev-5", "ghost", 1, "1", today))
			So(errors.Is(err, apperr.NotFound), ShouldBeTrue)
		})

		Convey("When another user sends an event id owned by alice", func() {
			register(ctx, l, "bob")
			_, err := l.RecordCompletion(ctx, completed("ev-6", "alice", 1, "1", today))
			So(err, ShouldBeNil)
			_, err = l.RecordCompletion(ctx, completed("ev-6", "bob", 1, "1", today))
			So(errors.Is(err, apperr.InvalidArgument), ShouldBeTrue)
		})

		Convey("When the same completion arrives concurrently", func() {
			const n = 32
			var wg sync.WaitGroup
			outcomes := make(chan ledger.Outcome, n)
			for range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					r, err := l.RecordCompletion(ctx, completed("ev-7", "alice", 5, "0.25", today))
					if err == nil {
						outcomes <- r.Outcome
					}
				}()
			}
			wg.Wait()
			close(outcomes)

			Convey("Then exactly one delivery applies", func() {
				applied := 0
				total := 0
				for o := range outcomes {
					total++
					if o == ledger.OutcomeApplied {
						applied++
					}
				}
				So(total, ShouldEqual, n)
				So(applied, ShouldEqual, 1)
				u, _ := l.User(ctx, "alice")
				So(u.TotalInterviews, ShouldEqual, 1)
				So(u.TotalEarnings.String(), ShouldEqual, "0.25")
			})
		})
	})
}

func TestLedgerStreaks(t *testing.T) {
	Convey("Given completions on consecutive days", t, func() {
		ctx := context.Background()
		l := newLedger()
		register(ctx, l, "alice")

		for i, offset := range []int{-2, -1} {
			at := today.AddDate(0, 0, offset)
			_, err := l.RecordCompletion(ctx, completed(fmt.Sprintf("ev-%d", i), "alice", 1, "1", at))
			So(err, ShouldBeNil)
		}

		Convey("When nothing was completed today", func() {
			s, err := l.ComputeStreak(ctx, "alice")

			Convey("Then the current streak is zero and the longest is two", func() {
				So(err, ShouldBeNil)
				So(s, ShouldResemble, ledger.Streak{Current: 0, Longest: 2})
				u, _ := l.User(ctx, "alice")
				So(u.CurrentStreak, ShouldEqual, 0)
				So(u.LongestStreak, ShouldEqual, 2)
			})
		})

		Convey("When today is completed too", func() {
			r, err := l.RecordCompletion(ctx, completed("ev-today", "alice", 1, "1", today))
			So(err, ShouldBeNil)

			Convey("Then both streaks are three", func() {
				So(r.User.CurrentStreak, ShouldEqual, 3)
				So(r.User.LongestStreak, ShouldEqual, 3)
				s, err := l.ComputeStreak(ctx, "alice")
				So(err, ShouldBeNil)
				So(s, ShouldResemble, ledger.Streak{Current: 3, Longest: 3})
			})
		})

		Convey("When an older completion arrives late", func() {
			r, err := l.RecordCompletion(ctx, completed("ev-old", "alice", 1, "1", today.AddDate(0, 0, -10)))
			So(err, ShouldBeNil)

			Convey("Then last activity keeps the newest time", func() {
				So(r.User.LastActiveAt, ShouldEqual, today.AddDate(0, 0, -1))
				So(r.User.LongestStreak, ShouldEqual, 2)
			})
		})

		Convey("When the user is unknown", func() {
			_, err := l.ComputeStreak(ctx, "ghost")
			So(errors.Is(err, apperr.NotFound), ShouldBeTrue)
		})
	})
}

func TestRankAndLeaderboard(t *testing.T) {
	Convey("Given users with different points", t, func() {
		ctx := context.Background()
		l := newLedger()
		for _, id := range []string{"alice", "bob", "carol"} {
			register(ctx, l, id)
		}
		scores := map[string]int64{"alice": 50, "bob": 90, "carol": 50}
		for id, score := range scores {
			_, err := l.RecordCompletion(ctx, completed("ev-"+id, id, score, "1", today))
			So(err, ShouldBeNil)
		}

		Convey("When reading ranks", func() {
			bob, err := l.Rank(ctx, "bob")
			So(err, ShouldBeNil)
			alice, _ := l.Rank(ctx, "alice")
			carol, _ := l.Rank(ctx, "carol")

			Convey("Then points order users and ids break ties", func() {
				So(bob.Rank, ShouldEqual, 1)
				So(alice.Rank, ShouldEqual, 2)
				So(carol.Rank, ShouldEqual, 3)
			})
		})

		Convey("When reading the leaderboard", func() {
			top, err := l.Leaderboard(ctx, 2)
			So(err, ShouldBeNil)
			So(len(top), ShouldEqual, 2)
			So(top[0].UserID, ShouldEqual, "bob")
			So(top[1].Points, ShouldEqual, 50)

			_, err = l.Leaderboard(ctx, 0)
			So(errors.Is(err, apperr.InvalidArgument), ShouldBeTrue)
		})

		Convey("When ranking an unknown user", func() {
			_, err := l.Rank(ctx, "ghost")
			So(errors.Is(err, apperr.NotFound), ShouldBeTrue)
		})
	})
}
