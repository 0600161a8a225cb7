// Package dedupe short-circuits replayed webhook deliveries before they reach
// the ledger. The ledger stays the authority on idempotency; this cache only
// saves the round trip for deliveries it has seen recently.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Deduper remembers delivery keys that reached the ledger.
type Deduper interface {
	// Seen reports whether key was recorded and has not expired.
	Seen(ctx context.Context, key string) bool

	// Record remembers key. It returns false if key was already recorded.
	Record(ctx context.Context, key string) bool

	Size() int64
}

type entry struct {
	key     string
	expires time.Time
}

// inMemoryDeduper keeps keys in insertion order; the oldest entry is evicted
// first when the cache is full or expired.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // front = oldest
	maxSize int        // <= 0 means unbounded
	ttl     time.Duration
	now     func() time.Time
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: 50_000,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]*list.Element)
	d.order = list.New()
	return d
}

func (d *inMemoryDeduper) Seen(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.expireLocked(d.now())
	_, ok := d.seen[key]
	return ok
}

func (d *inMemoryDeduper) Record(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.expireLocked(now)

	if _, ok := d.seen[key]; ok {
		return false
	}

	if d.maxSize > 0 && len(d.seen) >= d.maxSize {
		d.removeLocked(d.order.Front())
	}

	var expires time.Time
	if d.ttl > 0 {
		expires = now.Add(d.ttl)
	}
	d.seen[key] = d.order.PushBack(&entry{key: key, expires: expires})
	d.size.Add(1)
	return true
}

func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}

// expireLocked drops expired entries from the front. Entries are pushed with
// monotonically increasing expiry, so the scan stops at the first live one.
func (d *inMemoryDeduper) expireLocked(now time.Time) {
	if d.ttl <= 0 {
		return
	}
	for el := d.order.Front(); el != nil; el = d.order.Front() {
		if now.Before(el.Value.(*entry).expires) {
			return
		}
		d.removeLocked(el)
	}
}

func (d *inMemoryDeduper) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	e := d.order.Remove(el).(*entry)
	delete(d.seen, e.key)
	d.size.Add(-1)
}
