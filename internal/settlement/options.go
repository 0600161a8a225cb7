package settlement

import (
	"time"

	"github.com/okian/rewards/pkg/logger"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultConfirmTimeout = 120 * time.Second
	defaultDeadlineTTL    = 15 * time.Minute
	defaultDeadlineGrace  = 2 * time.Minute
	defaultTokenDecimals  = 18
)

// Option applies a configuration option to the Client.
type Option func(*Client)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTagger enables attribution. Without it claims carry no suffix.
func WithTagger(t Tagger) Option {
	return func(c *Client) {
		c.tagger = t
	}
}

// WithConfirmTimeout bounds the wait for a mined transaction. On expiry the
// claim is reported pending.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.confirmTimeout = d
		}
	}
}

// WithDeadlineTTL sets how long a signed authorization stays redeemable.
func WithDeadlineTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.deadlineTTL = d
		}
	}
}

// WithDeadlineGrace sets how long past an authorization deadline Reconcile
// waits before releasing an unmined attempt. Block timestamps may lag the
// local clock.
func WithDeadlineGrace(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.deadlineGrace = d
		}
	}
}

// WithTokenDecimals sets the token precision used to convert amounts to
// base units.
func WithTokenDecimals(decimals int32) Option {
	return func(c *Client) {
		if decimals >= 0 {
			c.decimals = decimals
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTracerProvider sets the provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}
