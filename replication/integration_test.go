//go:build integration

package replication_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/sync/errgroup"

	"github.com/outboxkit/pgoutbox/ack"
	"github.com/outboxkit/pgoutbox/concurrency"
	"github.com/outboxkit/pgoutbox/message"
	"github.com/outboxkit/pgoutbox/metrics"
	"github.com/outboxkit/pgoutbox/pipeline"
	"github.com/outboxkit/pgoutbox/replication"
	"github.com/outboxkit/pgoutbox/storage"
)

type recordingHandler struct {
	seen chan string
}

func (h *recordingHandler) Handle(ctx context.Context, m *message.Transactional, tx pgx.Tx) error {
	h.seen <- m.ID
	return nil
}

// TestListenerDeliversInsertedRow exercises spec.md §8 scenario 1 end to
// end through the real replication protocol: an inserted row is decoded off
// the WAL and reaches the handler exactly once.
func TestListenerDeliversInsertedRow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("outbox"),
		postgres.WithUsername("outbox"),
		postgres.WithPassword("outbox"),
		postgres.WithSQLDriver("pgx"),
		postgres.BasicWaitStrategies(),
		postgres.WithCmdArgs("-c", "wal_level=logical", "-c", "max_replication_slots=4", "-c", "max_wal_senders=4"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	cfg := storage.Config{Schema: "public", Table: "outbox"}
	for _, stmt := range cfg.BuildTableDDL() {
		_, err := pool.Exec(ctx, stmt)
		require.NoError(t, err)
	}
	for _, stmt := range cfg.BuildReplicationDDL("outbox_pub", "outbox_slot") {
		_, err := pool.Exec(ctx, stmt)
		require.NoError(t, err)
	}

	store := storage.New(cfg)
	handler := &recordingHandler{seen: make(chan string, 1)}
	registry := pipeline.NewRegistry()
	require.NoError(t, registry.Register("order", "created", handler))

	pipe := pipeline.New(pool, store, concurrency.NewFullConcurrency(), registry, pipeline.DefaultConfig(), metrics.Noop(), nil)
	ackMgr := ack.NewManager(metrics.Noop())

	repCfg := replication.Config{
		Schema: "public", Table: "outbox",
		Publication: "outbox_pub", Slot: "outbox_slot",
	}
	listener := replication.New(repCfg, dsn, nil, pipe, ackMgr, nil)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return listener.Run(gctx) })

	m := &message.Transactional{
		ID: storage.NewMessageID(), AggregateType: "order", AggregateID: "ord-1",
		MessageType: "created", Payload: json.RawMessage(`{"amount":100}`), CreatedAt: time.Now().UTC(),
	}
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	_, err = store.Insert(ctx, tx, m)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	select {
	case id := <-handler.seen:
		require.Equal(t, m.ID, id)
	case <-time.After(30 * time.Second):
		t.Fatal("handler was never invoked for the inserted row")
	}

	listener.Stop()
	cancel()
	_ = group.Wait()
}
