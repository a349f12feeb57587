package storage

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// BuildTableDDL returns the CREATE TABLE/INDEX statements for one
// outbox/inbox table per spec.md §6.1. The server-side DDL generator that
// produces a full setup script is out of core scope (spec.md §1); this is
// the thin emitter integration tests and cmd/outboxdemo use to stand up
// real infrastructure, grounded on flow-catalyst's PostgresRepository.CreateSchema.
func (c Config) BuildTableDDL() []string {
	table := c.qualifiedTable()
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{c.Schema}.Sanitize()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id uuid PRIMARY KEY,
				aggregate_type TEXT NOT NULL,
				aggregate_id TEXT NOT NULL,
				message_type TEXT NOT NULL,
				segment TEXT,
				concurrency TEXT NOT NULL DEFAULT 'sequential'
					CHECK (concurrency IN ('sequential','parallel')),
				payload JSONB NOT NULL,
				metadata JSONB,
				locked_until TIMESTAMPTZ NOT NULL DEFAULT to_timestamp(0),
				created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
				processed_at TIMESTAMPTZ,
				abandoned_at TIMESTAMPTZ,
				started_attempts SMALLINT NOT NULL DEFAULT 0,
				finished_attempts SMALLINT NOT NULL DEFAULT 0
			)
		`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_segment_idx ON %s (segment)`, c.Table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_created_at_idx ON %s (created_at)`, c.Table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_processed_at_idx ON %s (processed_at)`, c.Table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_abandoned_at_idx ON %s (abandoned_at)`, c.Table, table),
	}
}

// BuildReplicationDDL returns the publication and logical replication slot
// statements for this table (spec.md §6.1 Replication path).
func (c Config) BuildReplicationDDL(publication, slot string) []string {
	return []string{
		fmt.Sprintf(`CREATE PUBLICATION %s FOR TABLE %s WITH (publish = 'insert')`,
			pgx.Identifier{publication}.Sanitize(), c.qualifiedTable()),
		fmt.Sprintf(`SELECT pg_create_logical_replication_slot('%s', 'pgoutput')`, slot),
	}
}

// BuildNextBatchFunctionDDL returns the server-side polling batch function
// implementing the two-phase algorithm of spec.md §4.5: Group A is the
// oldest unprocessed row per segment (sequential ordering), Group B fills
// remaining room with the oldest parallel-concurrency rows globally. Both
// groups skip rows currently leased (locked_until > now()) and rows another
// worker already holds (FOR NO KEY UPDATE SKIP LOCKED). A segment whose
// oldest unprocessed row is leased or held contributes no row to Group A.
func (c Config) BuildNextBatchFunctionDDL(batch BatchConfig) string {
	table := c.qualifiedTable()
	fn := batch.qualifiedFunction()
	return fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %s(max_size INT, lease_ms BIGINT)
RETURNS SETOF %s AS $$
DECLARE
	picked uuid[];
BEGIN
	IF max_size < 1 THEN
		RAISE EXCEPTION 'max_size must be >= 1' USING ERRCODE = 'MAXNR';
	END IF;

	WITH group_a AS (
		SELECT id
		FROM %s
		WHERE id IN (
			SELECT DISTINCT ON (segment) id
			FROM %s
			WHERE processed_at IS NULL
			  AND abandoned_at IS NULL
			  AND segment IS NOT NULL
			ORDER BY segment, created_at
		)
		  AND locked_until <= now()
		FOR NO KEY UPDATE SKIP LOCKED
	),
	remaining AS (
		SELECT max_size - (SELECT count(*) FROM group_a) AS n
	),
	group_b AS (
		SELECT id
		FROM %s
		WHERE processed_at IS NULL
		  AND abandoned_at IS NULL
		  AND concurrency = 'parallel'
		  AND locked_until <= now()
		  AND id NOT IN (SELECT id FROM group_a)
		ORDER BY created_at
		FOR NO KEY UPDATE SKIP LOCKED
		LIMIT GREATEST((SELECT n FROM remaining), 0)
	),
	selected AS (
		SELECT id FROM group_a
		UNION ALL
		SELECT id FROM group_b
	)
	SELECT array_agg(id) INTO picked FROM selected;

	RETURN QUERY
	UPDATE %s t
	SET locked_until = now() + (lease_ms || ' milliseconds')::interval,
	    started_attempts = started_attempts + 1
	WHERE t.id = ANY(picked)
	RETURNING t.*;
END;
$$ LANGUAGE plpgsql;
`, fn, table, table, table, table, table)
}

