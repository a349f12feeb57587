// Package message defines the canonical shape of an outbox/inbox row as it
// flows through the listener engine: the fields a producer writes, the
// attempt/lease bookkeeping the engine maintains, and the small enums that
// drive batch selection for the polling listener.
//
// The core treats payload and metadata as opaque JSON; it never interprets
// them beyond passing them to a user handler.
package message

import (
	"encoding/json"
	"time"
)

// Concurrency controls how the polling listener's next-batch function
// selects a row relative to others sharing its segment.
type Concurrency string

const (
	// ConcurrencySequential means only the oldest unprocessed row per
	// segment is eligible; later rows in the same segment wait.
	ConcurrencySequential Concurrency = "sequential"
	// ConcurrencyParallel means the row may be selected alongside others
	// regardless of segment ordering.
	ConcurrencyParallel Concurrency = "parallel"
)

// Transactional is the canonical message record, populated from either a
// WAL insert event (replication) or a next-batch row (polling).
type Transactional struct {
	ID            string
	AggregateType string
	AggregateID   string
	MessageType   string
	Payload       json.RawMessage
	Metadata      json.RawMessage
	CreatedAt     time.Time

	// StartedAttempts and FinishedAttempts mirror the stored counters.
	// The pipeline updates these in memory as it increments the stored
	// values so strategies can make decisions without a re-read.
	StartedAttempts  int
	FinishedAttempts int

	ProcessedAt *time.Time

	// Segment and MessageConcurrency are populated from the row by both
	// listeners; only polling uses them for ordering (the WAL itself is
	// already ordered).
	Segment            string
	MessageConcurrency Concurrency

	// LockedUntil is the polling lease expiry; zero value for replication.
	LockedUntil time.Time

	AbandonedAt *time.Time
}

// Key identifies the handler registry entry for this message:
// aggregateType@messageType (spec.md §4.6, §9).
func (m *Transactional) Key() string {
	return m.AggregateType + "@" + m.MessageType
}

// AttemptGap is StartedAttempts-FinishedAttempts: the poisonous-message
// signal. A gap greater than 1 after a fresh increment means some earlier
// attempt started but never finished (spec.md §3 invariant 1).
func (m *Transactional) AttemptGap() int {
	return m.StartedAttempts - m.FinishedAttempts
}

// IsProcessed reports whether the row is already terminal.
func (m *Transactional) IsProcessed() bool {
	return m.ProcessedAt != nil
}
