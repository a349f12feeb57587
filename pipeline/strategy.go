// Package pipeline implements the per-message processing pipeline shared by
// both the replication and polling listeners (spec.md §4.6): the
// poisonous-message guard, lock-and-verify, handler dispatch, and error
// resolution, plus the strategy interfaces and transactional executor they
// run inside.
package pipeline

import (
	"time"

	"github.com/outboxkit/pgoutbox/message"
)

// IsolationLevel names a PostgreSQL transaction isolation level
// (spec.md §4.6 executeTransaction).
type IsolationLevel string

const (
	ReadCommitted  IsolationLevel = "READ COMMITTED"
	RepeatableRead IsolationLevel = "REPEATABLE READ"
	Serializable   IsolationLevel = "SERIALIZABLE"
)

// RetryStrategy decides whether a message that has already failed at least
// once should be retried (spec.md §4.6 messageRetryStrategy).
type RetryStrategy func(m *message.Transactional) bool

// PoisonousRetryStrategy decides whether a message whose started/finished
// gap indicates a prior crash should still be retried (spec.md §4.1's
// poisonousMessageRetryStrategy).
type PoisonousRetryStrategy func(m *message.Transactional) bool

// TimeoutStrategy returns the hard deadline for one handler invocation
// (spec.md §5).
type TimeoutStrategy func(m *message.Transactional) time.Duration

// Config bundles the strategies and tunables of spec.md §6.3.
type Config struct {
	Isolation IsolationLevel

	MessageRetry    RetryStrategy
	PoisonousRetry  PoisonousRetryStrategy
	ProcessingTimeout TimeoutStrategy

	MaxAttempts                      int
	MaxPoisonousAttempts             int
	EnablePoisonousMessageProtection bool
}

// DefaultMaxAttempts is spec.md §6.3's default for messageRetryStrategy.
const DefaultMaxAttempts = 5

// DefaultMaxPoisonousAttempts is spec.md §6.3's default poisonous-gap
// threshold.
const DefaultMaxPoisonousAttempts = 3

// DefaultProcessingTimeout is spec.md §6.3's default per-message deadline.
const DefaultProcessingTimeout = 15 * time.Second

// DefaultRetryStrategy retries iff finishedAttempts < maxAttempts
// (spec.md §4.6 Phase 2 default).
func DefaultRetryStrategy(maxAttempts int) RetryStrategy {
	return func(m *message.Transactional) bool {
		return m.FinishedAttempts < maxAttempts
	}
}

// DefaultPoisonousRetryStrategy retries iff the started/finished gap is at
// most maxPoisonousAttempts (spec.md §4.6 Phase 1 default).
func DefaultPoisonousRetryStrategy(maxPoisonousAttempts int) PoisonousRetryStrategy {
	return func(m *message.Transactional) bool {
		return m.AttemptGap() <= maxPoisonousAttempts
	}
}

// DefaultProcessingTimeoutStrategy always returns the same fixed duration.
func DefaultProcessingTimeoutStrategy(d time.Duration) TimeoutStrategy {
	return func(m *message.Transactional) time.Duration { return d }
}

// DefaultConfig returns a Config populated with spec.md §6.3's default
// values. MessageRetry and PoisonousRetry stay nil, so the pipeline applies
// the default strategies built from MaxAttempts and MaxPoisonousAttempts,
// including any values the caller sets on the returned Config.
func DefaultConfig() Config {
	return Config{
		Isolation:                        ReadCommitted,
		ProcessingTimeout:                DefaultProcessingTimeoutStrategy(DefaultProcessingTimeout),
		MaxAttempts:                      DefaultMaxAttempts,
		MaxPoisonousAttempts:             DefaultMaxPoisonousAttempts,
		EnablePoisonousMessageProtection: true,
	}
}
