// Command outboxdemo wires the listener engine end to end: a
// replication.Listener (or, with UsePolling, a polling.Listener) drives the
// shared pipeline, and the general handler from dispatcher.New forwards
// messages to a pubsub topic. produceExample shows how outbox rows are
// inserted; main itself inserts none. It is a runnable reference, not a
// library entry point.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/outboxkit/pgoutbox/ack"
	"github.com/outboxkit/pgoutbox/cfgx"
	"github.com/outboxkit/pgoutbox/cleanup"
	"github.com/outboxkit/pgoutbox/concurrency"
	"github.com/outboxkit/pgoutbox/examples/dispatcher"
	"github.com/outboxkit/pgoutbox/message"
	"github.com/outboxkit/pgoutbox/metrics"
	"github.com/outboxkit/pgoutbox/pipeline"
	"github.com/outboxkit/pgoutbox/polling"
	"github.com/outboxkit/pgoutbox/pubsub"
	"github.com/outboxkit/pgoutbox/replication"
	"github.com/outboxkit/pgoutbox/storage"
)

// AppConfig is populated by cfgx.Parse from (in precedence order) CLI flags,
// environment variables, and these struct-tag defaults.
type AppConfig struct {
	ListenerDatabaseURL string `env:"DATABASE_URL_LISTENER" required:"true" desc:"DSN for the dedicated replication connection"`
	HandlerDatabaseURL  string `env:"DATABASE_URL_HANDLER" required:"true" desc:"DSN for the handler/cleanup connection pool"`

	Schema      string `default:"public"`
	Table       string `default:"outbox"`
	Publication string `default:"outbox_pub"`
	Slot        string `default:"outbox_slot"`

	UsePolling            bool `default:"false" optional:"true" desc:"Use the polling listener instead of replication"`
	NextBatchFunctionName string `default:"outbox_next_batch"`
	PollingIntervalMs     int  `default:"500"`
	PollingBatchSize      int  `default:"5"`
	PollingLeaseMs        int  `default:"5000"`

	RetentionMinutes int `default:"1440" desc:"Delete processed/abandoned rows older than this"`
}

func main() {
	_ = godotenv.Load()

	var cfg AppConfig
	if err := cfgx.Parse(&cfg, cfgx.DefaultConfigOptions); err != nil {
		log.Fatalf("outboxdemo: config: %v", err)
	}

	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handlerPool, err := pgxpool.New(ctx, cfg.HandlerDatabaseURL)
	if err != nil {
		log.Fatalf("outboxdemo: connecting handler pool: %v", err)
	}
	defer handlerPool.Close()

	storeCfg := storage.Config{Schema: cfg.Schema, Table: cfg.Table}
	store := storage.New(storeCfg)
	reg := metrics.Noop()

	broker := pubsub.NewPostgres(handlerPool)
	defer broker.Close()

	registry := pipeline.NewRegistry()
	registry.RegisterGeneral(dispatcher.New(broker))

	controller := concurrency.NewMutex(reg)
	pipe := pipeline.New(handlerPool, store, controller, registry, pipeline.DefaultConfig(), reg, logger)

	cleanupTask := cleanup.NewTask(store, handlerPool,
		10*time.Minute, time.Duration(cfg.RetentionMinutes)*time.Minute, logger)

	if cfg.UsePolling {
		runPolling(ctx, cfg, handlerPool, store, pipe, cleanupTask, logger)
		return
	}
	runReplication(ctx, cfg, store, pipe, cleanupTask, logger)
}

func runReplication(ctx context.Context, cfg AppConfig, store *storage.Store, pipe *pipeline.Pipeline, cleanupTask *cleanup.Task, logger *slog.Logger) {
	ackMgr := ack.NewManager(metrics.Noop())
	repCfg := replication.Config{
		Schema: cfg.Schema, Table: cfg.Table,
		Publication: cfg.Publication, Slot: cfg.Slot,
		CreateSlotIfMissing: true,
	}
	listener := replication.New(repCfg, cfg.ListenerDatabaseURL, cleanupTask, pipe, ackMgr, logger)

	if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("outboxdemo: replication listener exited", slog.Any("error", err))
	}
}

func runPolling(ctx context.Context, cfg AppConfig, pool *pgxpool.Pool, store *storage.Store, pipe *pipeline.Pipeline, cleanupTask *cleanup.Task, logger *slog.Logger) {
	go func() {
		if err := cleanupTask.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outboxdemo: cleanup task exited", slog.Any("error", err))
		}
	}()

	pollCfg := polling.Config{
		Batch:     storage.BatchConfig{FunctionSchema: cfg.Schema, FunctionName: cfg.NextBatchFunctionName},
		BatchSize: cfg.PollingBatchSize,
		Interval:  time.Duration(cfg.PollingIntervalMs) * time.Millisecond,
		LeaseMs:   int64(cfg.PollingLeaseMs),
	}
	listener := polling.New(pollCfg, pool, store, pipe, logger)

	if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("outboxdemo: polling listener exited", slog.Any("error", err))
	}
}

// produceExample inserts one outbox row in its own transaction; it exists to
// document the one invariant callers must uphold (spec.md §3): business
// writes and the outbox insert share a transaction. Not called by main - a
// real producer is whatever part of the application creates domain events -
// but it's exercised directly by TestProduceExample in main_test.go.
func produceExample(ctx context.Context, pool *pgxpool.Pool, store *storage.Store, aggregateType, aggregateID, messageType string, payload []byte) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	m := &message.Transactional{
		ID:            storage.NewMessageID(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		MessageType:   messageType,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
	if _, err := store.Insert(ctx, tx, m); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
