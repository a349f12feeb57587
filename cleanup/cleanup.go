// Package cleanup runs the scheduled deletion of terminal outbox/inbox rows
// (spec.md §3 lifecycle, §6.3 retention), grounded on the teacher's
// kv/postgres.go cleanupLoop: a ticker-driven loop on its own connection
// pool, stopped by context cancellation.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/outboxkit/pgoutbox/storage"
)

// Task deletes rows whose processed_at or abandoned_at is older than
// retention, on a fixed interval.
type Task struct {
	store     *storage.Store
	pool      storage.Querier
	interval  time.Duration
	retention time.Duration
	log       *slog.Logger
}

// NewTask builds a cleanup task. log may be nil, in which case
// slog.Default() is used.
func NewTask(store *storage.Store, pool storage.Querier, interval, retention time.Duration, log *slog.Logger) *Task {
	if log == nil {
		log = slog.Default()
	}
	return &Task{store: store, pool: pool, interval: interval, retention: retention, log: log}
}

// Run blocks, deleting expired rows every interval until ctx is cancelled.
func (t *Task) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.runOnce(ctx)
		}
	}
}

func (t *Task) runOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-t.retention)
	n, err := t.store.DeleteProcessedBefore(ctx, t.pool, cutoff)
	if err != nil {
		t.log.Error("cleanup: delete processed rows failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		t.log.Debug("cleanup: deleted processed rows", slog.Int64("count", n))
	}
}
