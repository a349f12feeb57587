package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/outboxkit/pgoutbox/message"
)

// RowQuerier is the subset of pgxpool.Pool (or pgx.Conn) nextBatch needs.
// pgx.Rows is pgx's own row-iteration interface; using it directly (rather
// than a locally redeclared lookalike) lets *pgxpool.Pool and *pgx.Conn
// satisfy RowQuerier without any adapter.
type RowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// BatchConfig names the server-side batch-selection function (spec.md §4.5,
// §6.1).
type BatchConfig struct {
	FunctionSchema string
	FunctionName   string
}

func (c BatchConfig) qualifiedFunction() string {
	schema := c.FunctionSchema
	if schema == "" {
		schema = "public"
	}
	return fmt.Sprintf("%s.%s", schema, c.FunctionName)
}

// NextBatch invokes the server-side next-messages function, which
// atomically selects up to maxSize eligible rows, applies a soft lease of
// leaseMs, and increments started_attempts (spec.md §4.3, §4.5).
func (s *Store) NextBatch(ctx context.Context, q RowQuerier, batch BatchConfig, maxSize int, leaseMs int64) ([]*message.Transactional, error) {
	query := fmt.Sprintf(`SELECT * FROM %s($1, $2)`, batch.qualifiedFunction())

	rows, err := q.Query(ctx, query, maxSize, leaseMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*message.Transactional
	for rows.Next() {
		m := &message.Transactional{}
		var segment *string
		var concurrency string
		var payload, metadata json.RawMessage
		var processedAt, abandonedAt *time.Time

		err := rows.Scan(
			&m.ID, &m.AggregateType, &m.AggregateID, &m.MessageType,
			&segment, &concurrency, &payload, &metadata,
			&m.LockedUntil, &m.CreatedAt, &processedAt, &abandonedAt,
			&m.StartedAttempts, &m.FinishedAttempts,
		)
		if err != nil {
			return nil, err
		}

		if segment != nil {
			m.Segment = *segment
		}
		m.MessageConcurrency = message.Concurrency(concurrency)
		m.Payload = payload
		m.Metadata = metadata
		m.ProcessedAt = processedAt
		m.AbandonedAt = abandonedAt

		out = append(out, m)
	}
	return out, rows.Err()
}
