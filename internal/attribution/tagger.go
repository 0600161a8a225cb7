// Package attribution marks settlement transactions with a consumer tag and
// reports them to an attribution service. Everything here is best-effort:
// failures are logged and counted, never returned to the settlement path.
package attribution

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/rewards/internal/adapters/mq/queue"
	"github.com/okian/rewards/internal/adapters/mq/worker"
	"github.com/okian/rewards/internal/domain/apperr"
	"github.com/okian/rewards/pkg/logger"
	"github.com/okian/rewards/pkg/metrics"
)

const (
	suffixVersion = 0x01
	suffixMarker  = "attr"
	// SuffixLen is the byte length of the calldata suffix.
	SuffixLen = 1 + common.AddressLength + len(suffixMarker)
)

// Config describes the attribution setup.
type Config struct {
	Consumer  common.Address
	ChainID   int64
	Endpoint  string
	QueueSize int
	Workers   int
	Timeout   time.Duration
	Tries     uint
}

// Tagger builds calldata suffixes and reports confirmed transactions.
type Tagger struct {
	cfg    Config
	queue  *queue.InMemoryQueue[Submission]
	pool   *worker.Pool[Submission]
	logger logger.Logger
}

// New builds a tagger. Reports are only sent when an endpoint is set.
func New(cfg Config, log logger.Logger) *Tagger {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Tries == 0 {
		cfg.Tries = 3
	}
	t := &Tagger{cfg: cfg, logger: log}
	if cfg.Endpoint != "" {
		client := NewClient(cfg.Endpoint, cfg.Timeout, cfg.Tries)
		t.queue = queue.NewInMemoryQueue[Submission](queue.WithCapacity(cfg.QueueSize))
		t.pool = worker.NewPool[Submission](cfg.Workers, t.queue, &reporter{client: client, logger: log}, worker.WithLogger(log))
	}
	return t
}

// Start launches the report workers.
func (t *Tagger) Start(ctx context.Context) {
	if t.pool != nil {
		t.pool.Start(ctx)
	}
}

// Shutdown stops accepting reports and drains the queue.
func (t *Tagger) Shutdown(ctx context.Context) error {
	if t.pool == nil {
		return nil
	}
	return t.pool.Shutdown(ctx)
}

// Suffix returns 0x01 ‖ consumer ‖ "attr". Contracts ignore trailing
// calldata, so the suffix does not change execution.
func (t *Tagger) Suffix(_ context.Context, _ common.Address) ([]byte, error) {
	if t.cfg.Consumer == (common.Address{}) {
		return nil, apperr.New(apperr.KindAttributionFailed, "attribution.Suffix", "consumer address is not configured")
	}
	out := make([]byte, 0, SuffixLen)
	out = append(out, suffixVersion)
	out = append(out, t.cfg.Consumer.Bytes()...)
	return append(out, suffixMarker...), nil
}

// Report queues a confirmed transaction for submission. It never blocks.
func (t *Tagger) Report(ctx context.Context, tx common.Hash, user common.Address) {
	if t.queue == nil {
		return
	}
	s := Submission{ChainID: t.cfg.ChainID, TxHash: tx.Hex()}
	if !t.queue.Enqueue(context.WithoutCancel(ctx), s) {
		metrics.RecordAttribution("report", "dropped")
		t.logger.Warn(ctx, "attribution report dropped",
			logger.String("tx", s.TxHash),
			logger.String("user", user.Hex()),
		)
	}
}

// ParseSuffix extracts the consumer from calldata carrying a suffix.
func ParseSuffix(data []byte) (common.Address, bool) {
	if len(data) < SuffixLen {
		return common.Address{}, false
	}
	tail := data[len(data)-SuffixLen:]
	if tail[0] != suffixVersion || string(tail[1+common.AddressLength:]) != suffixMarker {
		return common.Address{}, false
	}
	return common.BytesToAddress(tail[1 : 1+common.AddressLength]), true
}

type reporter struct {
	client *Client
	logger logger.Logger
}

func (r *reporter) Handle(ctx context.Context, s Submission) error {
	if err := r.client.Post(ctx, s); err != nil {
		metrics.RecordAttribution("report", "failed")
		r.logger.Warn(ctx, "attribution report failed",
			logger.String("tx", s.TxHash),
			logger.Error(err),
		)
		return nil
	}
	metrics.RecordAttribution("report", "ok")
	r.logger.Debug(ctx, "attribution reported", logger.String("tx", s.TxHash))
	return nil
}
