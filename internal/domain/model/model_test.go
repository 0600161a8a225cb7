package model_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	model "github.com/okian/rewards/internal/domain/model"
	"github.com/shopspring/decimal"
	"github.com/smartystreets/goconvey/convey"
)

func TestCompletionEventState(t *testing.T) {
	convey.Convey("Given completion events", t, func() {
		at := time.Date(2024, 3, 9, 15, 4, 5, 0, time.FixedZone("X", 3600))

		convey.Convey("When the event is completed", func() {
			st, err := model.StateFor(model.StatusCompleted, 80, decimal.RequireFromString("12.5"), at, "")
			convey.So(err, convey.ShouldBeNil)
			ev := model.CompletionEvent{ID: "ev-1", UserID: "u-1", State: st}

			convey.Convey("Then the outcome should be reachable only through Completed", func() {
				c, ok := ev.Completed()
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(c.Score, convey.ShouldEqual, 80)
				convey.So(c.Earnings.String(), convey.ShouldEqual, "12.5")
				convey.So(c.CompletedAt.Location(), convey.ShouldEqual, time.UTC)
				convey.So(ev.Status().Terminal(), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the event is still grading", func() {
			st, err := model.StateFor(model.StatusGrading, 80, decimal.NewFromInt(1), at, "")
			convey.So(err, convey.ShouldBeNil)
			ev := model.CompletionEvent{ID: "ev-2", State: st}

			convey.Convey("Then it should carry no outcome", func() {
				_, ok := ev.Completed()
				convey.So(ok, convey.ShouldBeFalse)
				convey.So(ev.Status(), convey.ShouldEqual, model.StatusGrading)
				convey.So(ev.Status().Terminal(), convey.ShouldBeFalse)
			})
		})

		convey.Convey("When the state is missing", func() {
			convey.So(model.CompletionEvent{}.Status(), convey.ShouldEqual, model.StatusNotStarted)
		})

		convey.Convey("When parsing statuses", func() {
			st, err := model.ParseStatus(" Completed ")
			convey.So(err, convey.ShouldBeNil)
			convey.So(st, convey.ShouldEqual, model.StatusCompleted)

			_, err = model.ParseStatus("cancelled")
			convey.So(err, convey.ShouldNotBeNil)

			_, err = model.StateFor("cancelled", 0, decimal.Zero, at, "")
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}

func TestUserAndAttempt(t *testing.T) {
	convey.Convey("Given a user and a claim attempt", t, func() {
		u := model.User{
			ID:            "u-1",
			TotalEarnings: decimal.RequireFromString("10"),
			TotalSettled:  decimal.RequireFromString("7.25"),
		}
		convey.So(u.HasWallet(), convey.ShouldBeFalse)
		convey.So(u.Unsettled().String(), convey.ShouldEqual, "2.75")

		u.Wallet = common.HexToAddress("0x00000000000000000000000000000000000000a1")
		convey.So(u.HasWallet(), convey.ShouldBeTrue)

		att := model.ClaimAttempt{EventID: "ev-1"}
		convey.So(att.Broadcast(), convey.ShouldBeFalse)
		att.TxHash = common.HexToHash("0x01")
		convey.So(att.Broadcast(), convey.ShouldBeTrue)
	})
}
