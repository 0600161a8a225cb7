package ledger

import (
	"time"

	"github.com/okian/rewards/pkg/logger"
)

// Option applies a configuration option to the Ledger.
type Option func(*Ledger)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(g *Ledger) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock replaces time.Now. Streaks are evaluated against this clock.
func WithClock(now func() time.Time) Option {
	return func(g *Ledger) {
		if now != nil {
			g.now = now
		}
	}
}

// WithIDGenerator replaces the user id generator used by RegisterUser.
func WithIDGenerator(gen func() string) Option {
	return func(g *Ledger) {
		if gen != nil {
			g.newID = gen
		}
	}
}
