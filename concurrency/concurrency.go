// Package concurrency implements the four interchangeable concurrency
// controllers of spec.md §4.2 (full-concurrency, mutex, semaphore,
// discriminating-mutex) behind one interface, plus a selector that
// dispatches per message to whichever kind a user strategy names.
package concurrency

import (
	"context"
	"errors"
	"time"

	"github.com/outboxkit/pgoutbox/message"
	"github.com/outboxkit/pgoutbox/metrics"
)

// ErrCancelled is returned by Acquire when Cancel() has aborted waiters.
var ErrCancelled = errors.New("concurrency: cancelled")

// ErrConfig is returned when discriminating-mutex is selected without a key
// function configured.
var ErrConfig = errors.New("concurrency: discriminating-mutex selected without a key function")

// Release ends the hold acquired by a successful Acquire call. It is
// idempotent: calling it more than once is a no-op.
type Release func()

// Controller gates how many messages may be processed concurrently.
type Controller interface {
	// Acquire suspends until the message may run, returning a release
	// function. It returns ErrCancelled if Cancel() fires while waiting.
	Acquire(ctx context.Context, m *message.Transactional) (Release, error)
	// Cancel aborts every currently suspended Acquire with ErrCancelled and
	// clears internal state; subsequent Acquire calls function normally.
	Cancel()
	// Kind names this controller for metrics labeling.
	Kind() string
}

// noopRelease is shared by controllers whose release is a true no-op.
func noopRelease() {}

func observe(reg *metrics.Registry, kind string, start time.Time) {
	if reg == nil {
		return
	}
	reg.ControllerWait.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
