// Package storage implements the small set of SQL operations the listener
// engine performs against an outbox/inbox table (spec.md §4.3). Every
// operation is parametrized by the schema/table pair in Config. The
// per-message operations run inside an open transaction that callers get
// from pipeline's executeTransaction helper, never from storage itself;
// NextBatch and DeleteProcessedBefore also accept a pool.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/outboxkit/pgoutbox/message"
)

// Outcome is the tagged result of a storage operation, replacing the
// thrown-exception shape of the source system per spec.md §9.
type Outcome int

const (
	// OK means the operation completed and the row was affected/returned.
	OK Outcome = iota
	// NotFound means no row with the given id exists.
	NotFound
	// AlreadyProcessed means the row exists but ProcessedAt is already set.
	AlreadyProcessed
	// Locked means another transaction holds the row (FOR UPDATE NOWAIT
	// raised lock_not_available); this is a transient condition.
	Locked
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "OK"
	case NotFound:
		return "NotFound"
	case AlreadyProcessed:
		return "AlreadyProcessed"
	case Locked:
		return "Locked"
	default:
		return "Unknown"
	}
}

// Config names the table storage operations target.
type Config struct {
	Schema string
	Table  string
}

func (c Config) qualifiedTable() string {
	return pgx.Identifier{c.Schema, c.Table}.Sanitize()
}

// Querier is the subset of pgx.Tx storage needs; satisfied by pgx.Tx and
// trivially fakeable in tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store performs the outbox/inbox SQL operations for one table.
type Store struct {
	cfg Config
}

// New creates a Store bound to the given schema/table.
func New(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// NewMessageID generates a fresh idempotency key for a new message.
func NewMessageID() string {
	return uuid.NewString()
}

// lockNotAvailable is the SQLSTATE FOR UPDATE NOWAIT raises when another
// transaction holds the row (spec.md §4.3 initiateProcessing).
const lockNotAvailable = "55P03"

// Insert writes a new message row with ON CONFLICT(id) DO NOTHING, per
// spec.md §3 invariant: a second arrival with the same id is rejected at
// INSERT. Returns inserted=false when the id already existed.
func (s *Store) Insert(ctx context.Context, q Querier, m *message.Transactional) (inserted bool, err error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, aggregate_type, aggregate_id, message_type, segment,
			concurrency, payload, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, s.cfg.qualifiedTable())

	concurrency := m.MessageConcurrency
	if concurrency == "" {
		concurrency = message.ConcurrencySequential
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var segment any
	if m.Segment != "" {
		segment = m.Segment
	}

	tag, err := q.Exec(ctx, query, m.ID, m.AggregateType, m.AggregateID, m.MessageType,
		segment, string(concurrency), m.Payload, nullableJSON(m.Metadata), createdAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// StartedAttemptsIncrement increments started_attempts and reports the
// post-increment counters so the poisonous-message guard can compute the
// gap (spec.md §4.3, §4.6 Phase 1).
func (s *Store) StartedAttemptsIncrement(ctx context.Context, q Querier, m *message.Transactional) (Outcome, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET started_attempts = started_attempts + 1
		WHERE id = $1
		RETURNING started_attempts, finished_attempts, processed_at
	`, s.cfg.qualifiedTable())

	var started, finished int
	var processedAt *time.Time
	err := q.QueryRow(ctx, query, m.ID).Scan(&started, &finished, &processedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFound, nil
	}
	if err != nil {
		return OK, err
	}
	if processedAt != nil {
		return AlreadyProcessed, nil
	}

	m.StartedAttempts = started
	m.FinishedAttempts = finished
	return OK, nil
}

// InitiateProcessing locks the row FOR UPDATE NOWAIT and populates the
// in-memory attempt counters. A lock_not_available error surfaces as Locked,
// a transient condition the caller should retry rather than treat as fatal
// (spec.md §4.3, §7).
func (s *Store) InitiateProcessing(ctx context.Context, q Querier, m *message.Transactional) (Outcome, error) {
	query := fmt.Sprintf(`
		SELECT started_attempts, finished_attempts, processed_at
		FROM %s WHERE id = $1 FOR UPDATE NOWAIT
	`, s.cfg.qualifiedTable())

	var started, finished int
	var processedAt *time.Time
	err := q.QueryRow(ctx, query, m.ID).Scan(&started, &finished, &processedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFound, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
		return Locked, nil
	}
	if err != nil {
		return OK, err
	}
	if processedAt != nil {
		return AlreadyProcessed, nil
	}

	m.StartedAttempts = started
	m.FinishedAttempts = finished
	return OK, nil
}

// MarkCompleted sets processed_at and increments finished_attempts,
// committing the row to its terminal state (spec.md §3 invariant 2).
func (s *Store) MarkCompleted(ctx context.Context, q Querier, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET processed_at = now(), finished_attempts = finished_attempts + 1
		WHERE id = $1
	`, s.cfg.qualifiedTable())
	_, err := q.Exec(ctx, query, id)
	return err
}

// IncreaseFinishedAttempts either increments finished_attempts by one (no
// value given) or forces it to an explicit value (used to force a give-up
// to maxAttempts, spec.md §4.6 Phase 3).
func (s *Store) IncreaseFinishedAttempts(ctx context.Context, q Querier, id string, value *int) error {
	table := s.cfg.qualifiedTable()
	if value != nil {
		query := fmt.Sprintf(`UPDATE %s SET finished_attempts = $2 WHERE id = $1`, table)
		_, err := q.Exec(ctx, query, id, *value)
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET finished_attempts = finished_attempts + 1 WHERE id = $1`, table)
	_, err := q.Exec(ctx, query, id)
	return err
}

// MarkAbandoned sets abandoned_at, used when the poisonous guard or a
// give-up decision forces a row out of contention without a normal
// handler-driven completion.
func (s *Store) MarkAbandoned(ctx context.Context, q Querier, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET abandoned_at = now() WHERE id = $1`, s.cfg.qualifiedTable())
	_, err := q.Exec(ctx, query, id)
	return err
}

// DeleteProcessedBefore removes rows whose processed_at or abandoned_at is
// older than the given cutoff (spec.md §3 lifecycle, cleanup task).
func (s *Store) DeleteProcessedBefore(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE (processed_at IS NOT NULL AND processed_at < $1)
		   OR (abandoned_at IS NOT NULL AND abandoned_at < $1)
	`, s.cfg.qualifiedTable())
	tag, err := q.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
