package concurrency

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/outboxkit/pgoutbox/message"
	"github.com/outboxkit/pgoutbox/metrics"
)

// KeyFunc extracts the discriminator key from a message: messages sharing a
// key are serialised, distinct keys run in parallel (spec.md §4.2).
type KeyFunc func(m *message.Transactional) string

// discriminatingEntry pairs a per-key mutex with a reference count so the
// idle-key reaper never evicts a key that still has a holder or waiter.
type discriminatingEntry struct {
	lock *weighted
	refs int
}

// DiscriminatingMutex maintains one mutex per discriminator key, created
// lazily. Idle keys (zero references) are tracked in a bounded LRU so the
// key table doesn't grow without bound in a long-running process (spec.md
// §9's "may be garbage-collected when no waiters hold the mutex").
type DiscriminatingMutex struct {
	keyFn   KeyFunc
	metrics *metrics.Registry

	mu      sync.Mutex
	entries map[string]*discriminatingEntry
	idle    *lru.Cache[string, struct{}]
}

// idleCacheSize bounds how many zero-reference keys are retained for reuse
// before the least-recently-idle one is dropped entirely.
const idleCacheSize = 4096

// NewDiscriminatingMutex creates a controller keyed by keyFn. keyFn may be
// nil; in that case Acquire always fails with ErrConfig (spec.md §4.2: "if
// discriminating-mutex is selected but no key function is configured").
func NewDiscriminatingMutex(keyFn KeyFunc, reg *metrics.Registry) *DiscriminatingMutex {
	if reg == nil {
		reg = metrics.Noop()
	}
	d := &DiscriminatingMutex{
		keyFn:   keyFn,
		metrics: reg,
		entries: make(map[string]*discriminatingEntry),
	}
	// The eviction callback runs synchronously inside idle.Add, Remove and
	// Purge, and every such call is made with d.mu already held, so the
	// callback does not lock d.mu itself.
	idle, _ := lru.NewWithEvict[string, struct{}](idleCacheSize, func(key string, _ struct{}) {
		if e, ok := d.entries[key]; ok && e.refs == 0 {
			delete(d.entries, key)
		}
	})
	d.idle = idle
	return d
}

func (d *DiscriminatingMutex) Acquire(ctx context.Context, m *message.Transactional) (Release, error) {
	if d.keyFn == nil {
		return nil, ErrConfig
	}
	key := d.keyFn(m)

	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok {
		e = &discriminatingEntry{lock: newWeighted(1, "discriminating-mutex", d.metrics)}
		d.entries[key] = e
	}
	e.refs++
	d.idle.Remove(key)
	d.mu.Unlock()

	release, err := e.lock.Acquire(ctx, m)
	if err != nil {
		d.releaseRef(key)
		return nil, err
	}

	var once sync.Once
	wrapped := func() {
		once.Do(func() {
			release()
			d.releaseRef(key)
		})
	}
	return wrapped, nil
}

func (d *DiscriminatingMutex) releaseRef(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		d.idle.Add(key, struct{}{})
	}
}

// Cancel aborts every waiter across every key and clears the key table
// entirely (spec.md §4.2).
func (d *DiscriminatingMutex) Cancel() {
	d.mu.Lock()
	entries := d.entries
	d.entries = make(map[string]*discriminatingEntry)
	d.idle.Purge()
	d.mu.Unlock()

	for _, e := range entries {
		e.lock.Cancel()
	}
}

func (d *DiscriminatingMutex) Kind() string { return "discriminating-mutex" }
