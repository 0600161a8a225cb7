package tracing_test

import (
	"context"
	"testing"

	"github.com/okian/rewards/pkg/tracing"
	. "github.com/smartystreets/goconvey/convey"
)

func TestSetup(t *testing.T) {
	Convey("Given no endpoint", t, func() {
		shutdown, err := tracing.Setup(context.Background(), "rewards-test", "")

		Convey("Then tracing stays a no-op", func() {
			So(err, ShouldBeNil)
			So(shutdown(context.Background()), ShouldBeNil)
		})
	})

	Convey("Given an unreachable collector", t, func() {
		// TEST-NET-1, nothing answers there
		for _, endpoint := range []string{"http://192.0.2.1:4318", "192.0.2.1:4318"} {
			shutdown, err := tracing.Setup(context.Background(), "rewards-test", endpoint)
			So(err, ShouldBeNil)
			So(shutdown(context.Background()), ShouldBeNil)
		}
	})
}
