package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/okian/rewards/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

const testSecret = "a-very-long-test-secret"

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()
		defer clearConfigEnvVars()

		convey.Convey("When loading config with defaults and a secret", func() {
			_ = os.Setenv("REWARDS_JWT_SECRET", testSecret)

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.JWTSecret, convey.ShouldEqual, testSecret)
				convey.So(cfg.ConfirmTimeout, convey.ShouldEqual, 120*time.Second)
			})
		})

		convey.Convey("When loading config without a secret", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should fail validation", func() {
				convey.So(cfg, convey.ShouldBeNil)
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("REWARDS_JWT_SECRET", testSecret)
			_ = os.Setenv("REWARDS_ADDR", ":8080")
			_ = os.Setenv("REWARDS_CHAIN_ID", "8453")
			_ = os.Setenv("REWARDS_CONFIRM_TIMEOUT", "45s")
			_ = os.Setenv("REWARDS_CONTRACT_ADDRESS", "0x00000000000000000000000000000000000000aa")
			_ = os.Setenv("REWARDS_ATTRIBUTION_ENABLED", "true")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.ChainID, convey.ShouldEqual, 8453)
				convey.So(cfg.ConfirmTimeout, convey.ShouldEqual, 45*time.Second)
				convey.So(cfg.ContractAddress, convey.ShouldEqual, "0x00000000000000000000000000000000000000aa")
				convey.So(cfg.AttributionEnabled, convey.ShouldBeTrue)
			})
		})

		convey.Convey("When loading config with both file and environment variables", func() {
			tmpFile := createTempConfigFile(t, `
addr: ":9090"
jwt_secret: "from-file-secret-123"
storage_driver: sqlite
storage_dsn: /tmp/ledger.db
token_decimals: 6
wallet_keys:
  - "0x01"
  - "0x02"
`)
			_ = os.Setenv("REWARDS_CONFIG", tmpFile)
			_ = os.Setenv("REWARDS_ADDR", ":8080")

			cfg, err := config.Load(ctx)

			convey.Convey("Then environment variables should override file values", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.JWTSecret, convey.ShouldEqual, "from-file-secret-123")
				convey.So(cfg.StorageDriver, convey.ShouldEqual, config.DriverSQLite)
				convey.So(cfg.TokenDecimals, convey.ShouldEqual, 6)
				convey.So(cfg.WalletKeys, convey.ShouldResemble, []string{"0x01", "0x02"})
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			tmpFile := createTempConfigFile(t, `invalid: yaml: content: [`)
			_ = os.Setenv("REWARDS_CONFIG", tmpFile)

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a load error", func() {
				convey.So(cfg, convey.ShouldBeNil)
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When loading config with non-existent file", func() {
			_ = os.Setenv("REWARDS_CONFIG", "/non/existent/file.yaml")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with empty addr", func() {
			_ = os.Setenv("REWARDS_JWT_SECRET", testSecret)
			_ = os.Setenv("REWARDS_ADDR", "")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a validation error", func() {
				convey.So(cfg, convey.ShouldBeNil)
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})
	})
}

func createTempConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearConfigEnvVars() {
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "REWARDS_") {
			_ = os.Unsetenv(key)
		}
	}
}
