// Package service wires the ledger, the settlement client and the HTTP API
// into one runnable process.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/rewards/internal/adapters/chain"
	"github.com/okian/rewards/internal/adapters/http/api"
	"github.com/okian/rewards/internal/adapters/http/authclient"
	repository "github.com/okian/rewards/internal/adapters/repository"
	"github.com/okian/rewards/internal/adapters/repository/postgres"
	"github.com/okian/rewards/internal/adapters/repository/sqlite"
	"github.com/okian/rewards/internal/attribution"
	"github.com/okian/rewards/internal/auth"
	"github.com/okian/rewards/internal/authz"
	"github.com/okian/rewards/internal/config"
	"github.com/okian/rewards/internal/domain/dedupe"
	"github.com/okian/rewards/internal/ledger"
	"github.com/okian/rewards/internal/settlement"
	"github.com/okian/rewards/pkg/logger"
	"github.com/okian/rewards/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

// Service owns every long-lived component.
type Service struct {
	mu sync.RWMutex

	cfg    *config.Config
	logger logger.Logger
	now    func() time.Time

	store      repository.Store
	ledger     *ledger.Ledger
	deduper    dedupe.Deduper
	tokens     *auth.Manager
	signer     *authz.Signer
	authorizer settlement.Authorizer
	chain      *chain.Client
	tagger     *attribution.Tagger
	settler    *settlement.Client
	api        *api.Server
	handler    http.Handler

	started   bool
	startedAt time.Time
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStore uses store instead of opening one from the config.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		s.store = store
	}
}

// New constructs a Service from cfg. Nothing is opened until Start.
func New(cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		logger: logger.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens storage and builds the components. Missing chain or signer
// settings do not fail startup; claims then answer Misconfiguration.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	cfg := s.cfg
	s.logger.Info(ctx, "starting rewards service...", logger.String("storage", cfg.StorageDriver))

	if s.store == nil {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		s.store = store
	}

	s.ledger = ledger.New(s.store, ledger.WithLogger(s.logger.Named("ledger")), ledger.WithClock(s.now))
	s.deduper = dedupe.NewInMemoryDeduper(
		dedupe.WithMaxSize(cfg.DedupeSize),
		dedupe.WithTTL(cfg.DedupeTTL),
	)

	tokens, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, s.now)
	if err != nil {
		s.closeStore()
		return err
	}
	s.tokens = tokens

	contract := common.Address{}
	if common.IsHexAddress(cfg.ContractAddress) {
		contract = common.HexToAddress(cfg.ContractAddress)
	} else if cfg.ContractAddress != "" {
		s.logger.Warn(ctx, "contract_address is not an address, settlement disabled")
	}

	s.buildAuthorizer(ctx, contract)
	if err := s.dialChain(ctx); err != nil {
		s.closeStore()
		return err
	}
	s.buildSettler(ctx, contract)

	s.api = api.NewServer(api.Dependencies{
		Ledger:     s.ledger,
		Settler:    s.settler,
		Authorizer: s.localAuthorizer(),
		Dedupe:     s.deduper,
		Tokens:     s.tokens,
		Stats:      s,
	},
		api.WithMaxLeaderboardLimit(cfg.MaxLeaderboardLimit),
		api.WithClaimRate(cfg.ClaimRatePerMinute, cfg.ClaimBurst),
		api.WithLogger(s.logger.Named("api")),
	)
	s.handler = s.api.Routes()

	s.started = true
	s.startedAt = s.now()
	s.logger.Info(ctx, "rewards service started",
		logger.Bool("signer", s.authorizer != nil),
		logger.Bool("chain", s.chain != nil),
		logger.Bool("attribution", s.tagger != nil),
	)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.StorageDriver {
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.StorageDSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, cfg.StorageDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		return repository.NewMemoryStore(), nil
	}
}

// buildAuthorizer prefers a local key and falls back to a remote service.
func (s *Service) buildAuthorizer(ctx context.Context, contract common.Address) {
	cfg := s.cfg
	switch {
	case cfg.SignerPrivateKey != "":
		signer, err := authz.NewSigner(authz.Domain{
			Name:              cfg.SignerDomainName,
			Version:           cfg.SignerDomainVersion,
			ChainID:           big.NewInt(cfg.ChainID),
			VerifyingContract: contract,
		}, cfg.SignerPrivateKey)
		if err != nil {
			s.logger.Warn(ctx, "signer unavailable", logger.Error(err))
			return
		}
		s.signer = signer
		s.authorizer = signer
		s.logger.Info(ctx, "local signer loaded", logger.String("address", signer.Address().Hex()))
	case cfg.SignerRemoteURL != "":
		client, err := authclient.New(cfg.SignerRemoteURL, cfg.SignerRemoteToken)
		if err != nil {
			s.logger.Warn(ctx, "remote signer unavailable", logger.Error(err))
			return
		}
		s.authorizer = client
		s.logger.Info(ctx, "using remote signer", logger.String("url", cfg.SignerRemoteURL))
	default:
		s.logger.Warn(ctx, "no signer configured, claims will be rejected")
	}
}

func (s *Service) dialChain(ctx context.Context) error {
	cfg := s.cfg
	if cfg.ChainRPCURL == "" {
		s.logger.Warn(ctx, "chain_rpc_url not set, settlement disabled")
		return nil
	}
	keys, err := chain.NewStaticKeyring(cfg.WalletKeys)
	if err != nil {
		return fmt.Errorf("wallet keys: %w", err)
	}
	c, err := chain.Dial(ctx, cfg.ChainRPCURL, big.NewInt(cfg.ChainID), keys,
		chain.WithPollInterval(cfg.ConfirmPollInterval),
		chain.WithLogger(s.logger.Named("chain")),
	)
	if err != nil {
		s.logger.Warn(ctx, "chain unavailable, settlement disabled", logger.Error(err))
		return nil
	}
	s.chain = c
	s.logger.Info(ctx, "connected to chain",
		logger.Int64("chain_id", cfg.ChainID),
		logger.Int("wallets", len(keys.Addresses())),
	)
	return nil
}

func (s *Service) buildSettler(ctx context.Context, contract common.Address) {
	cfg := s.cfg
	opts := []settlement.Option{
		settlement.WithLogger(s.logger.Named("settlement")),
		settlement.WithConfirmTimeout(cfg.ConfirmTimeout),
		settlement.WithDeadlineTTL(cfg.ClaimDeadlineTTL),
		settlement.WithTokenDecimals(cfg.TokenDecimals),
		settlement.WithClock(s.now),
	}
	if cfg.AttributionEnabled {
		consumer := common.Address{}
		if common.IsHexAddress(cfg.AttributionConsumer) {
			consumer = common.HexToAddress(cfg.AttributionConsumer)
		}
		s.tagger = attribution.New(attribution.Config{
			Consumer:  consumer,
			ChainID:   cfg.ChainID,
			Endpoint:  cfg.AttributionEndpoint,
			QueueSize: cfg.AttributionQueueSize,
			Workers:   cfg.AttributionWorkers,
			Timeout:   cfg.AttributionTimeout,
		}, s.logger.Named("attribution"))
		s.tagger.Start(ctx)
		opts = append(opts, settlement.WithTagger(s.tagger))
	}

	// typed nils would defeat the client's configuration checks
	var (
		authorizer settlement.Authorizer
		ch         settlement.Chain
	)
	if s.authorizer != nil {
		authorizer = s.authorizer
	}
	if s.chain != nil {
		ch = s.chain
	}
	s.settler = settlement.New(s.ledger, authorizer, ch, contract, opts...)
}

func (s *Service) localAuthorizer() api.Authorizer {
	if s.signer == nil {
		return nil
	}
	return s.signer
}

// Handler returns the HTTP API. Start must have been called.
func (s *Service) Handler() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

// Ledger exposes the ledger for tooling.
func (s *Service) Ledger() *ledger.Ledger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger
}

// Tokens exposes the token manager for tooling.
func (s *Service) Tokens() *auth.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// Stop gracefully shuts down the service.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping rewards service...")

	if s.api != nil {
		s.api.Stop()
	}
	if s.tagger != nil {
		sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := s.tagger.Shutdown(sctx); err != nil {
			s.logger.Warn(ctx, "attribution shutdown incomplete", logger.Error(err))
		}
		cancel()
	}
	if s.chain != nil {
		s.chain.Close()
	}
	s.closeStore()

	s.started = false
	s.logger.Info(ctx, "rewards service stopped")
}

func (s *Service) closeStore() {
	if c, ok := s.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Warn(context.Background(), "closing store", logger.Error(err))
		}
	}
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":     s.started,
		"storage":     s.cfg.StorageDriver,
		"signer":      s.authorizer != nil,
		"chain":       s.chain != nil,
		"attribution": s.tagger != nil,
	}
	if !s.started {
		return stats
	}
	stats["uptime_seconds"] = int64(s.now().Sub(s.startedAt).Seconds())
	if n, err := s.ledger.Count(ctx); err == nil {
		stats["users"] = n
		metrics.UpdateUsersTotal(n)
	} else if !errors.Is(err, context.Canceled) {
		s.logger.Warn(ctx, "counting users", logger.Error(err))
	}
	if s.signer != nil {
		stats["signer_address"] = strings.ToLower(s.signer.Address().Hex())
	}
	return stats
}
