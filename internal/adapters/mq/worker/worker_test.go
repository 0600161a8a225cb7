package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	queue "github.com/okian/rewards/internal/adapters/mq/queue"
	worker "github.com/okian/rewards/internal/adapters/mq/worker"
	"github.com/smartystreets/goconvey/convey"
)

type job struct {
	id   string
	fail bool
}

type recordingHandler struct {
	mu      sync.Mutex
	handled []string
	delay   time.Duration
}

func (h *recordingHandler) Handle(ctx context.Context, j job) error {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	if j.fail {
		return errors.New("handler failed for " + j.id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, j.id)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a worker over a queue", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		q := queue.NewInMemoryQueue[job](queue.WithCapacity(10))
		h := &recordingHandler{}
		w := worker.NewInMemoryWorker[job](q, h, worker.WithName("reporter"))
		go w.Run(ctx)

		convey.Convey("When items are queued", func() {
			q.Enqueue(ctx, job{id: "a"})
			q.Enqueue(ctx, job{id: "boom", fail: true})
			q.Enqueue(ctx, job{id: "b"})

			convey.Convey("Then successful items are handled and failures do not stop the loop", func() {
				convey.So(waitFor(func() bool { return h.count() == 2 }), convey.ShouldBeTrue)
				convey.So(w.Shutdown(context.Background()), convey.ShouldBeNil)
			})
		})

		convey.Convey("When the queue closes", func() {
			convey.So(q.Close(), convey.ShouldBeNil)

			convey.Convey("Then the worker exits on its own", func() {
				sctx, scancel := context.WithTimeout(context.Background(), time.Second)
				defer scancel()
				convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
			})
		})
	})

	convey.Convey("Given a worker stuck in a slow handler", t, func() {
		q := queue.NewInMemoryQueue[job](queue.WithCapacity(1))
		h := &recordingHandler{delay: 200 * time.Millisecond}
		w := worker.NewInMemoryWorker[job](q, h)
		go w.Run(context.Background())
		q.Enqueue(context.Background(), job{id: "slow"})
		time.Sleep(20 * time.Millisecond)

		convey.Convey("When shutdown has a short deadline", func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()
			err := w.Shutdown(sctx)

			convey.Convey("Then it reports the timeout", func() {
				convey.So(errors.Is(err, context.DeadlineExceeded), convey.ShouldBeTrue)
			})
		})
	})
}

func TestPool(t *testing.T) {
	convey.Convey("Given a pool of workers", t, func() {
		q := queue.NewInMemoryQueue[job](queue.WithCapacity(500))
		h := &recordingHandler{}
		p := worker.NewPool[job](4, q, h)
		convey.So(p.Size(), convey.ShouldEqual, 4)
		p.Start(context.Background())

		convey.Convey("When many items are queued and the pool shuts down", func() {
			for i := range 300 {
				convey.So(q.Enqueue(context.Background(), job{id: fmt.Sprintf("j-%d", i)}), convey.ShouldBeTrue)
			}
			err := p.Shutdown(context.Background())

			convey.Convey("Then every queued item is handled before the workers exit", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(h.count(), convey.ShouldEqual, 300)
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
			})
		})
	})

	convey.Convey("Given a pool with no worker count", t, func() {
		q := queue.NewInMemoryQueue[job]()
		p := worker.NewPool[job](0, q, worker.HandlerFunc[job](func(context.Context, job) error { return nil }))
		convey.So(p.Size(), convey.ShouldEqual, 2)
	})
}
