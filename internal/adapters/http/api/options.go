package api

import "github.com/okian/rewards/pkg/logger"

const (
	defaultMaxLimit        = 100
	defaultClaimsPerMinute = 6
	defaultClaimBurst      = 3
	maxBodyBytes           = 1 << 20
)

type rateConfig struct {
	perMinute float64
	burst     int
}

// Option configures a Server.
type Option func(*Server, *rateConfig)

// WithMaxLeaderboardLimit caps ?limit on the leaderboard.
func WithMaxLeaderboardLimit(n int) Option {
	return func(s *Server, _ *rateConfig) {
		if n > 0 {
			s.maxLimit = n
		}
	}
}

// WithClaimRate limits claim submissions per caller.
func WithClaimRate(perMinute float64, burst int) Option {
	return func(_ *Server, c *rateConfig) {
		if perMinute > 0 {
			c.perMinute = perMinute
		}
		if burst > 0 {
			c.burst = burst
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server, _ *rateConfig) {
		if l != nil {
			s.logger = l
		}
	}
}
