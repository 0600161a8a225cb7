// Package api exposes the ledger, the settlement client and the
// authorization service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/okian/rewards/internal/adapters/http/swagger"
	"github.com/okian/rewards/internal/auth"
	"github.com/okian/rewards/internal/authz"
	"github.com/okian/rewards/internal/domain/dedupe"
	"github.com/okian/rewards/internal/domain/model"
	"github.com/okian/rewards/internal/ledger"
	"github.com/okian/rewards/internal/settlement"
	"github.com/okian/rewards/pkg/logger"
	"github.com/okian/rewards/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Ledger is the bookkeeping the handlers read and write.
type Ledger interface {
	RegisterUser(ctx context.Context, u model.User) (model.User, error)
	User(ctx context.Context, userID string) (model.User, error)
	Events(ctx context.Context, userID string, status model.Status) ([]model.CompletionEvent, error)
	RecordCompletion(ctx context.Context, ev model.CompletionEvent) (ledger.RecordResult, error)
	ComputeStreak(ctx context.Context, userID string) (ledger.Streak, error)
	Rank(ctx context.Context, userID string) (model.Standing, error)
	Leaderboard(ctx context.Context, limit int) ([]model.Standing, error)
	Settlement(ctx context.Context, eventID string) (model.SettlementRecord, error)
	Settlements(ctx context.Context, userID string) ([]model.SettlementRecord, error)
	PendingClaim(ctx context.Context, eventID string) (model.ClaimAttempt, error)
}

// Settler drives claims. *settlement.Client implements it.
type Settler interface {
	Claim(ctx context.Context, req settlement.ClaimRequest) (settlement.Result, error)
	Reconcile(ctx context.Context, eventID string) (settlement.Result, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Authorizer signs claim requests.
type Authorizer interface {
	Issue(ctx context.Context, req authz.Request) (authz.Signature, error)
}

// TokenVerifier resolves a bearer token to an identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Dependencies bundles what the handlers need. Settler and Authorizer may
// be nil; their routes then answer 503.
type Dependencies struct {
	Ledger     Ledger
	Settler    Settler
	Authorizer Authorizer
	Dedupe     dedupe.Deduper
	Tokens     TokenVerifier
	Stats      StatsProvider
}

// Server wires HTTP routes for the business API.
type Server struct {
	deps     Dependencies
	maxLimit int
	limiter  *RateLimiter
	logger   logger.Logger
}

// NewServer creates a server. Stop releases the rate limiter.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		deps:     deps,
		maxLimit: defaultMaxLimit,
		logger:   logger.Nop(),
	}
	cfg := rateConfig{perMinute: defaultClaimsPerMinute, burst: defaultClaimBurst}
	for _, opt := range opts {
		opt(s, &cfg)
	}
	s.limiter = NewRateLimiter(cfg.perMinute, cfg.burst, time.Now)
	return s
}

// Stop stops background cleanup.
func (s *Server) Stop() {
	s.limiter.Stop()
}

// Routes returns the router.
//
//	public:   /healthz /metrics /openapi.yaml /api-docs
//	any role: /v1/leaderboard /v1/users/{userID}/... (owner or admin)
//	roles:    POST /v1/users (admin), POST /v1/events (scoring),
//	          POST /v1/authorizations (settlement), POST /v1/claims (user)
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(MetricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	swagger.Register(r)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/stats", s.handleStats)
		r.Get("/leaderboard", s.handleLeaderboard)

		r.With(requireRole(auth.RoleAdmin)).Post("/users", s.handleRegisterUser)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Use(requireOwner)
			r.Get("/", s.handleGetUser)
			r.Get("/rank", s.handleRank)
			r.Get("/events", s.handleEvents)
			r.Get("/settlements", s.handleSettlements)
			r.Get("/balance", s.handleBalance)
		})

		r.With(requireRole(auth.RoleScoring)).Post("/events", s.handlePostEvent)

		r.Route("/claims", func(r chi.Router) {
			r.With(requireRole(auth.RoleUser, auth.RoleSettlement), s.limiter.Middleware).Post("/", s.handleClaim)
			r.Post("/{eventID}/reconcile", s.handleReconcile)
		})

		r.With(requireRole(auth.RoleSettlement)).Post("/authorizations", s.handleAuthorize)
	})
	return r
}

type errorResponse struct {
	Error string             `json:"error"`
	Code  string             `json:"code"`
	Claim *settlement.Result `json:"claim,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
