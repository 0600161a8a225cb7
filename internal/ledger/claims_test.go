package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/rewards/internal/domain/apperr"
	"github.com/okian/rewards/internal/domain/model"
	"github.com/okian/rewards/internal/ledger"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

func intent(userID, eventID, amount string) ledger.ClaimIntent {
	return ledger.ClaimIntent{
		UserID:   userID,
		EventID:  eventID,
		Amount:   decimal.RequireFromString(amount),
		Deadline: today.Add(15 * time.Minute),
	}
}

func TestBeginClaim(t *testing.T) {
	Convey("Given a user with a completed event", t, func() {
		ctx := context.Background()
		l := newLedger()
		register(ctx, l, "alice")
		_, err := l.RecordCompletion(ctx, completed("ev-1", "alice", 10, "3", today))
		So(err, ShouldBeNil)

		Convey("When claiming part of the earnings", func() {
			a, err := l.BeginClaim(ctx, intent("alice", "ev-1", "2.5"))

			Convey("Then an attempt with nonce zero is recorded", func() {
				So(err, ShouldBeNil)
				So(a.Nonce, ShouldEqual, 0)
				So(a.Broadcast(), ShouldBeFalse)

				p, err := l.PendingClaim(ctx, "ev-1")
				So(err, ShouldBeNil)
				So(p.Amount.String(), ShouldEqual, "2.5")
			})

			Convey("Then a second claim of the event conflicts", func() {
				_, err := l.BeginClaim(ctx, intent("alice", "ev-1", "1"))
				So(errors.Is(err, apperr.Conflict), ShouldBeTrue)
			})

			Convey("Then abandoning frees the event and keeps nonces monotonic", func() {
				So(l.RecordBroadcast(ctx, "ev-1", common.HexToHash("0x01")), ShouldBeNil)
				So(l.AbandonClaim(ctx, "ev-1"), ShouldBeNil)

				_, err := l.PendingClaim(ctx, "ev-1")
				So(errors.Is(err, apperr.NotFound), ShouldBeTrue)

				again, err := l.BeginClaim(ctx, intent("alice", "ev-1", "2.5"))
				So(err, ShouldBeNil)
				So(again.Nonce, ShouldEqual, 0)
			})
		})

		Convey("When the contract counter is ahead of the ledger", func() {
			in := intent("alice", "ev-1", "1")
			in.NonceFloor = 9
			a, err := l.BeginClaim(ctx, in)
			So(err, ShouldBeNil)
			So(a.Nonce, ShouldEqual, 9)
		})

		Convey("When the claim is invalid for the ledger", func() {
			_, errMore := l.BeginClaim(ctx, intent("alice", "ev-1", "3.01"))
			_, errZero := l.BeginClaim(ctx, intent("alice", "ev-1", "0"))
			_, errMissing := l.BeginClaim(ctx, intent("alice", "ev-404", "1"))

			register(ctx, l, "bob")
			_, errForeign := l.BeginClaim(ctx, intent("bob", "ev-1", "1"))

			_, err := l.RecordCompletion(ctx, model.CompletionEvent{ID: "ev-2", UserID: "alice", State: model.Grading{}})
			So(err, ShouldBeNil)
			_, errPending := l.BeginClaim(ctx, intent("alice", "ev-2", "1"))

			Convey("Then it is rejected before reserving a nonce", func() {
				So(errors.Is(errMore, apperr.InvalidArgument), ShouldBeTrue)
				So(errors.Is(errZero, apperr.InvalidArgument), ShouldBeTrue)
				So(errors.Is(errMissing, apperr.NotFound), ShouldBeTrue)
				So(errors.Is(errForeign, apperr.InvalidArgument), ShouldBeTrue)
				So(errors.Is(errPending, apperr.InvalidArgument), ShouldBeTrue)

				_, err := l.PendingClaim(ctx, "ev-1")
				So(errors.Is(err, apperr.NotFound), ShouldBeTrue)
			})
		})
	})
}

func TestConcurrentClaimsGetDistinctNonces(t *testing.T) {
	Convey("Given a user with many completed events", t, func() {
		ctx := context.Background()
		l := newLedger()
		register(ctx, l, "alice")
		const n = 20
		for i := range n {
			_, err := l.RecordCompletion(ctx, completed(fmt.Sprintf("ev-%d", i), "alice", 1, "1", today))
			So(err, ShouldBeNil)
		}

		Convey("When every event is claimed at once", func() {
			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				nonces = make(map[uint64]int)
				errs   int
			)
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					a, err := l.BeginClaim(ctx, intent("alice", fmt.Sprintf("ev-%d", i), "1"))
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs++
						return
					}
					nonces[a.Nonce]++
				}()
			}
			wg.Wait()

			Convey("Then no two attempts share a nonce", func() {
				So(errs, ShouldEqual, 0)
				So(len(nonces), ShouldEqual, n)
				for nonce := range uint64(n) {
					So(nonces[nonce], ShouldEqual, 1)
				}
			})
		})
	})
}

func TestMarkSettled(t *testing.T) {
	Convey("Given a claim in flight", t, func() {
		ctx := context.Background()
		l := newLedger()
		register(ctx, l, "alice")
		_, err := l.RecordCompletion(ctx, completed("ev-1", "alice", 10, "3", today))
		So(err, ShouldBeNil)
		a, err := l.BeginClaim(ctx, intent("alice", "ev-1", "3"))
		So(err, ShouldBeNil)

		rec := model.SettlementRecord{
			EventID:   "ev-1",
			UserID:    "alice",
			TxHash:    common.HexToHash("0xabc"),
			Amount:    decimal.RequireFromString("2.75"),
			Requested: a.Amount,
			Nonce:     a.Nonce,
		}

		Convey("When the settlement is written back twice", func() {
			first, err1 := l.MarkSettled(ctx, rec)
			second, err2 := l.MarkSettled(ctx, rec)

			Convey("Then only the first write counts", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(first, ShouldBeTrue)
				So(second, ShouldBeFalse)

				u, _ := l.User(ctx, "alice")
				So(u.TotalSettled.String(), ShouldEqual, "2.75")
				So(u.Unsettled().String(), ShouldEqual, "0.25")

				got, err := l.Settlement(ctx, "ev-1")
				So(err, ShouldBeNil)
				So(got.Amount.String(), ShouldEqual, "2.75")
				So(got.SettledAt, ShouldEqual, today)

				recs, err := l.Settlements(ctx, "alice")
				So(err, ShouldBeNil)
				So(len(recs), ShouldEqual, 1)

				_, err = l.PendingClaim(ctx, "ev-1")
				So(errors.Is(err, apperr.NotFound), ShouldBeTrue)
			})

			Convey("Then the event cannot be claimed again", func() {
				_, err := l.BeginClaim(ctx, intent("alice", "ev-1", "1"))
				So(errors.Is(err, apperr.AlreadyClaimed), ShouldBeTrue)
			})
		})

		Convey("When the settled amount is negative", func() {
			rec.Amount = decimal.RequireFromString("-1")
			_, err := l.MarkSettled(ctx, rec)
			So(errors.Is(err, apperr.InvalidArgument), ShouldBeTrue)
		})
	})
}
