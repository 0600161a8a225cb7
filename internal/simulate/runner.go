// Package simulate drives a running rewards service with generated webhook
// traffic and checks the resulting aggregates and leaderboard against what
// the traffic should have produced.
package simulate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/rewards/pkg/logger"
)

const progressInterval = time.Second

// Stats summarises a run.
type Stats struct {
	UsersRegistered int
	EventsGenerated int
	Delivered       int64
	Applied         int64
	Duplicates      int64
	Rejected        int64
	UsersChecked    int
	Mismatches      []string
	Duration        time.Duration
}

// RunOption configures Run.
type RunOption func(*runner)

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) RunOption {
	return func(r *runner) { r.hc = hc }
}

// WithLogger sets the run logger.
func WithLogger(l logger.Logger) RunOption {
	return func(r *runner) { r.log = l }
}

// WithNow fixes the plan end time.
func WithNow(now func() time.Time) RunOption {
	return func(r *runner) { r.now = now }
}

type runner struct {
	cfg    Config
	hc     *http.Client
	log    logger.Logger
	now    func() time.Time
	client *Client
	stats  Stats
}

// Run executes the whole simulation: health, generate, register, deliver,
// verify. A run whose checks fail returns its stats and an error.
func Run(ctx context.Context, cfg Config, opts ...RunOption) (*Stats, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &runner{cfg: cfg, log: logger.Get(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	client, err := NewClient(cfg, r.hc)
	if err != nil {
		return nil, fmt.Errorf("build client: %w", err)
	}
	r.client = client
	start := time.Now()

	r.log.Info(ctx, "starting rewards simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("users", cfg.Users),
		logger.Int("days", cfg.Days),
		logger.Int("workers", cfg.Workers),
		logger.Uint64("seed", cfg.Seed),
	)

	if err := r.client.Health(ctx); err != nil {
		return nil, fmt.Errorf("service health check failed: %w", err)
	}

	plan := Generate(cfg, r.now())
	r.stats.EventsGenerated = plan.Generated

	if err := r.register(ctx, plan); err != nil {
		return &r.stats, err
	}
	r.deliver(ctx, plan)
	if err := r.verify(ctx, plan); err != nil {
		return &r.stats, err
	}

	r.stats.Duration = time.Since(start)
	r.report(ctx)
	if n := len(r.stats.Mismatches); n > 0 {
		return &r.stats, fmt.Errorf("%d mismatches, first: %s", n, r.stats.Mismatches[0])
	}
	return &r.stats, nil
}

// fanOut calls fn for every id from cfg.Workers goroutines.
func (r *runner) fanOut(ctx context.Context, ids []string, fn func(string)) {
	ch := make(chan string, r.cfg.Workers*2)
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ch {
				if ctx.Err() != nil {
					continue
				}
				fn(id)
			}
		}()
	}
	go func() {
		defer close(ch)
		for _, id := range ids {
			select {
			case <-ctx.Done():
				return
			case ch <- id:
			}
		}
	}()
	wg.Wait()
}

func (r *runner) register(ctx context.Context, plan *Plan) error {
	var (
		mu   sync.Mutex
		errs []error
		ok   int64
	)
	byID := make(map[string]User, len(plan.Users))
	ids := make([]string, 0, len(plan.Users))
	for _, u := range plan.Users {
		byID[u.ID] = u
		ids = append(ids, u.ID)
	}
	r.fanOut(ctx, ids, func(id string) {
		err := r.client.Register(ctx, byID[id])
		// a rerun with the same seed finds its users already there
		if err == nil || StatusCode(err) == http.StatusConflict {
			atomic.AddInt64(&ok, 1)
			return
		}
		mu.Lock()
		errs = append(errs, fmt.Errorf("register %s: %w", id, err))
		mu.Unlock()
	})
	r.stats.UsersRegistered = int(ok)
	if len(errs) > 0 {
		return errs[0]
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.log.Info(ctx, "users registered", logger.Int("count", r.stats.UsersRegistered))
	return nil
}

// deliver replays every user's deliveries in order; users run concurrently.
func (r *runner) deliver(ctx context.Context, plan *Plan) {
	var (
		total      = 0
		lastReport atomic.Int64
	)
	for _, ds := range plan.Deliveries {
		total += len(ds)
	}
	ids := make([]string, 0, len(plan.Users))
	for _, u := range plan.Users {
		ids = append(ids, u.ID)
	}

	r.fanOut(ctx, ids, func(id string) {
		for _, d := range plan.Deliveries[id] {
			ack, err := r.client.Deliver(ctx, d)
			atomic.AddInt64(&r.stats.Delivered, 1)
			switch {
			case err != nil:
				atomic.AddInt64(&r.stats.Rejected, 1)
				r.log.Warn(ctx, "delivery rejected",
					logger.String("event_id", d.EventID),
					logger.String("status", d.Status),
					logger.Error(err),
				)
			case ack.Duplicate:
				atomic.AddInt64(&r.stats.Duplicates, 1)
			case ack.Status == "applied":
				atomic.AddInt64(&r.stats.Applied, 1)
			}

			now := time.Now().UnixNano()
			last := lastReport.Load()
			if now-last >= int64(progressInterval) && lastReport.CompareAndSwap(last, now) {
				r.log.Info(ctx, "delivery progress",
					logger.Int64("delivered", atomic.LoadInt64(&r.stats.Delivered)),
					logger.Int("total", total),
				)
			}
		}
	})
}

func (r *runner) report(ctx context.Context) {
	var perSecond float64
	if r.stats.Duration > 0 {
		perSecond = float64(r.stats.Delivered) / r.stats.Duration.Seconds()
	}
	r.log.Info(ctx, "final statistics",
		logger.Int("usersRegistered", r.stats.UsersRegistered),
		logger.Int("eventsGenerated", r.stats.EventsGenerated),
		logger.Int64("delivered", r.stats.Delivered),
		logger.Int64("applied", r.stats.Applied),
		logger.Int64("duplicates", r.stats.Duplicates),
		logger.Int64("rejected", r.stats.Rejected),
		logger.Int("usersChecked", r.stats.UsersChecked),
		logger.Int("mismatches", len(r.stats.Mismatches)),
		logger.Duration("duration", r.stats.Duration),
		logger.Float64("deliveriesPerSecond", perSecond),
	)
}
