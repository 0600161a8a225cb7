// Package config defines service configuration structures and loading hooks.
//
// Keys are flat so the same name works in YAML and as a REWARDS_ env var.
package config

import (
	"time"
)

// Storage drivers understood by the app wiring.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// OTelEndpoint enables OTLP/HTTP trace export when set; a URL or host:port.
	OTelEndpoint string `koanf:"otel_endpoint"`

	// StorageDriver selects the ledger backend: memory, sqlite, postgres.
	StorageDriver string `koanf:"storage_driver"`
	// StorageDSN is a file path for sqlite or a postgres:// URL.
	StorageDSN string `koanf:"storage_dsn"`

	// DedupeSize bounds the webhook replay cache; DedupeTTL expires entries.
	DedupeSize int           `koanf:"dedupe_size"`
	DedupeTTL  time.Duration `koanf:"dedupe_ttl"`

	// MaxLeaderboardLimit caps GET /v1/leaderboard?limit.
	MaxLeaderboardLimit int `koanf:"max_leaderboard_limit"`

	// JWTSecret signs and verifies API bearer tokens (HS256).
	JWTSecret string `koanf:"jwt_secret"`
	JWTIssuer string `koanf:"jwt_issuer"`

	// ClaimRatePerMinute and ClaimBurst limit claim submissions per user.
	ClaimRatePerMinute float64 `koanf:"claim_rate_per_minute"`
	ClaimBurst         int     `koanf:"claim_burst"`

	// ChainRPCURL is the JSON-RPC endpoint of the settlement chain.
	ChainRPCURL string `koanf:"chain_rpc_url"`
	ChainID     int64  `koanf:"chain_id"`
	// ContractAddress is the settlement contract and EIP-712 verifying contract.
	ContractAddress string `koanf:"contract_address"`
	// TokenDecimals converts ledger amounts to contract base units.
	TokenDecimals int32 `koanf:"token_decimals"`
	// ConfirmTimeout bounds the wait for a submitted claim to be mined.
	ConfirmTimeout      time.Duration `koanf:"confirm_timeout"`
	ConfirmPollInterval time.Duration `koanf:"confirm_poll_interval"`
	// ClaimDeadlineTTL is how long an issued authorization stays valid.
	ClaimDeadlineTTL time.Duration `koanf:"claim_deadline_ttl"`
	// WalletKeys are hex secp256k1 keys of custodial user wallets.
	WalletKeys []string `koanf:"wallet_keys"`

	// SignerPrivateKey is the hex authorization key. Leave empty and set
	// SignerRemoteURL to use a separate authorization service.
	SignerPrivateKey    string `koanf:"signer_private_key"`
	SignerDomainName    string `koanf:"signer_domain_name"`
	SignerDomainVersion string `koanf:"signer_domain_version"`
	SignerRemoteURL     string `koanf:"signer_remote_url"`
	SignerRemoteToken   string `koanf:"signer_remote_token"`

	// Attribution reporting; failures never affect settlement.
	AttributionEnabled   bool          `koanf:"attribution_enabled"`
	AttributionEndpoint  string        `koanf:"attribution_endpoint"`
	AttributionConsumer  string        `koanf:"attribution_consumer"`
	AttributionQueueSize int           `koanf:"attribution_queue_size"`
	AttributionWorkers   int           `koanf:"attribution_workers"`
	AttributionTimeout   time.Duration `koanf:"attribution_timeout"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		Addr:                 ":9080",
		StorageDriver:        DriverMemory,
		DedupeSize:           100_000,
		DedupeTTL:            24 * time.Hour,
		MaxLeaderboardLimit:  100,
		JWTIssuer:            "rewards",
		ClaimRatePerMinute:   6,
		ClaimBurst:           3,
		ChainID:              31337,
		TokenDecimals:        18,
		ConfirmTimeout:       120 * time.Second,
		ConfirmPollInterval:  2 * time.Second,
		ClaimDeadlineTTL:     15 * time.Minute,
		SignerDomainName:     "RewardLedger",
		SignerDomainVersion:  "1",
		AttributionQueueSize: 1_000,
		AttributionWorkers:   2,
		AttributionTimeout:   5 * time.Second,
	}
}
