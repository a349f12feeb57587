package concurrency

import (
	"context"

	"github.com/outboxkit/pgoutbox/message"
)

// FullConcurrency imposes no limit: Acquire returns immediately and Release
// is a no-op (spec.md §4.2).
type FullConcurrency struct{}

// NewFullConcurrency creates a controller with unbounded parallelism.
func NewFullConcurrency() *FullConcurrency {
	return &FullConcurrency{}
}

func (c *FullConcurrency) Acquire(ctx context.Context, m *message.Transactional) (Release, error) {
	return noopRelease, nil
}

// Cancel is a no-op: FullConcurrency never suspends a caller.
func (c *FullConcurrency) Cancel() {}

func (c *FullConcurrency) Kind() string { return "full-concurrency" }
