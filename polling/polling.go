// Package polling implements the alternative outbox/inbox source of
// spec.md §4.5: a ticker invokes the server-side next-batch function and
// dispatches each returned row through the shared pipeline. There is no LSN
// and no acknowledge manager; the row's soft lease (locked_until) and
// finished_attempts give at-most-one-active-worker and progress tracking
// instead.
package polling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/outboxkit/pgoutbox/message"
	"github.com/outboxkit/pgoutbox/pipeline"
	"github.com/outboxkit/pgoutbox/storage"
)

// Config names the batch function and polling tunables (spec.md §6.3).
type Config struct {
	Batch storage.BatchConfig

	// BatchSize is the max rows fetched per poll.
	BatchSize int
	// Interval is the poll cadence.
	Interval time.Duration
	// LeaseMs is the soft row lease duration, in milliseconds, applied by
	// the next-batch function.
	LeaseMs int64
}

const (
	// DefaultBatchSize is spec.md §6.3's nextMessagesBatchSize default.
	DefaultBatchSize = 5
	// DefaultInterval is spec.md §6.3's nextMessagesPollingIntervalInMs default.
	DefaultInterval = 500 * time.Millisecond
)

// WithDefaults fills zero-valued tunables with spec.md §6.3's defaults.
func (c Config) WithDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// Listener polls storage.Store.NextBatch on a fixed interval and dispatches
// each row through pipeline.Pipeline.ProcessPolled.
type Listener struct {
	cfg   Config
	pool  storage.RowQuerier
	store *storage.Store
	pipe  *pipeline.Pipeline
	log   *slog.Logger

	wg sync.WaitGroup
}

// New builds a polling Listener. log may be nil, in which case
// slog.Default() is used.
func New(cfg Config, pool storage.RowQuerier, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{cfg: cfg.WithDefaults(), pool: pool, store: store, pipe: pipe, log: log}
}

// Run blocks, polling and dispatching until ctx is cancelled. It waits for
// in-flight row tasks spawned by the last poll before returning, so a
// caller shutting down the listener doesn't race a handler still holding a
// transaction.
func (l *Listener) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			l.pollOnce(ctx)
		}
	}
}

// pollOnce fetches one batch and spawns a task per row rather than
// processing the batch inline, so the configured concurrency controller -
// not this loop - is what bounds how many rows run at once (spec.md §5:
// "the same concurrency controllers apply" as replication).
//
// Acquiring the batch is retried with a bounded exponential backoff before
// this poll gives up: a transient pool/connection error here shouldn't cost
// a full tick, but the retry must never run long enough to overlap the next
// one, so MaxElapsedTime is capped at the poll interval itself.
func (l *Listener) pollOnce(ctx context.Context) {
	var rows []*message.Transactional
	fetch := func() error {
		var err error
		rows, err = l.store.NextBatch(ctx, l.pool, l.cfg.Batch, l.cfg.BatchSize, l.cfg.LeaseMs)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = l.cfg.Interval
	if err := backoff.Retry(fetch, backoff.WithContext(bo, ctx)); err != nil {
		l.log.Error("polling: next batch failed", slog.Any("error", err))
		return
	}
	for _, m := range rows {
		l.wg.Add(1)
		go func(m *message.Transactional) {
			defer l.wg.Done()
			l.dispatch(ctx, m)
		}(m)
	}
}

func (l *Listener) dispatch(ctx context.Context, m *message.Transactional) {
	if err := l.pipe.ProcessPolled(ctx, m); err != nil {
		l.log.Error("polling: processing message failed", slog.String("id", m.ID), slog.Any("error", err))
	}
}
