package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/rewards/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.StorageDriver, convey.ShouldEqual, config.DriverMemory)
			convey.So(cfg.ConfirmTimeout, convey.ShouldEqual, 120*time.Second)
			convey.So(cfg.TokenDecimals, convey.ShouldEqual, 18)
			convey.So(cfg.MaxLeaderboardLimit, convey.ShouldEqual, 100)
			convey.So(cfg.SignerDomainName, convey.ShouldEqual, "RewardLedger")
		})

		convey.Convey("Then validation should require a jwt secret", func() {
			err := cfg.Validate()
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)

			cfg.JWTSecret = "0123456789abcdef"
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})

		convey.Convey("Then sql drivers should require a dsn", func() {
			cfg.JWTSecret = "0123456789abcdef"
			cfg.StorageDriver = config.DriverSQLite
			convey.So(cfg.Validate(), convey.ShouldNotBeNil)

			cfg.StorageDSN = "ledger.db"
			convey.So(cfg.Validate(), convey.ShouldBeNil)

			cfg.StorageDriver = "mongo"
			convey.So(cfg.Validate(), convey.ShouldNotBeNil)
		})
	})
}
