package concurrency

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/outboxkit/pgoutbox/message"
	"github.com/outboxkit/pgoutbox/metrics"
)

// weighted is a Controller backed by golang.org/x/sync/semaphore.Weighted,
// used for both Mutex (weight 1) and Semaphore(N). Cancel() aborts every
// waiter by cancelling an internal context all in-flight Acquire calls are
// racing against, then swaps in a fresh one so later Acquire calls work
// normally (spec.md §4.2 cancellation semantics).
type weighted struct {
	sem      *semaphore.Weighted
	capacity int64
	kind     string
	metrics  *metrics.Registry

	mu        sync.Mutex
	cancelCtx context.Context
	cancel    context.CancelFunc
	gen       uint64
}

func newWeighted(n int64, kind string, reg *metrics.Registry) *weighted {
	if reg == nil {
		reg = metrics.Noop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &weighted{
		sem:       semaphore.NewWeighted(n),
		capacity:  n,
		kind:      kind,
		metrics:   reg,
		cancelCtx: ctx,
		cancel:    cancel,
	}
}

// NewMutex creates a controller that strictly serialises all messages
// (spec.md §4.2 "mutex").
func NewMutex(reg *metrics.Registry) Controller {
	return newWeighted(1, "mutex", reg)
}

// NewSemaphore creates a controller allowing at most n concurrent holders
// (spec.md §4.2 "semaphore(N)").
func NewSemaphore(n int64, reg *metrics.Registry) Controller {
	return newWeighted(n, "semaphore", reg)
}

func (w *weighted) Acquire(ctx context.Context, m *message.Transactional) (Release, error) {
	start := time.Now()
	defer func() { observe(w.metrics, w.kind, start) }()

	w.mu.Lock()
	cancelCtx := w.cancelCtx
	myGen := w.gen
	w.mu.Unlock()

	merged, stop := mergeContexts(ctx, cancelCtx)
	defer stop()

	if err := w.sem.Acquire(merged, 1); err != nil {
		if cancelCtx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			w.mu.Lock()
			stillCurrentGen := w.gen == myGen
			w.mu.Unlock()
			if stillCurrentGen {
				w.sem.Release(1)
			}
		})
	}
	return release, nil
}

// Cancel aborts every waiter with ErrCancelled and resets the semaphore for
// future use, per spec.md §4.2.
func (w *weighted) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancel()
	ctx, cancel := context.WithCancel(context.Background())
	w.cancelCtx = ctx
	w.cancel = cancel
	w.gen++
	// A fresh semaphore avoids double-releasing tokens held by waiters
	// whose release() is now stale (guarded above by the generation check).
	w.sem = semaphore.NewWeighted(w.capacity)
}

func (w *weighted) Kind() string { return w.kind }

// mergeContexts returns a context cancelled when either a or b is done, and
// a stop func to release the watcher goroutine once the caller is done with
// the merged context.
func mergeContexts(a, b context.Context) (context.Context, func()) {
	merged, cancel := context.WithCancel(a)
	stopped := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(stopped) })
		cancel()
	}

	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-merged.Done():
		case <-stopped:
		}
	}()

	return merged, stop
}
