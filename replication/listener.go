package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"golang.org/x/sync/errgroup"

	"github.com/outboxkit/pgoutbox/ack"
	"github.com/outboxkit/pgoutbox/cleanup"
	"github.com/outboxkit/pgoutbox/message"
	"github.com/outboxkit/pgoutbox/pipeline"
)

// State is a position in the replication listener's lifecycle state machine
// (spec.md §4.4: Stopped -> Connecting -> Subscribed -> Stopped).
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "stopped"
	}
}

// Listener drives the shared pipeline from a PostgreSQL logical replication
// slot. One Listener owns exactly one replication connection; the slot
// itself enforces single-active-consumer (spec.md §5).
type Listener struct {
	cfg        Config
	connString string

	cleanupTask *cleanup.Task

	pipe   *pipeline.Pipeline
	ackMgr *ack.Manager
	log    *slog.Logger

	state   atomic.Int32
	stopped atomic.Bool

	// sendMu serialises writes to the replication connection: per-message
	// tasks (spawned one per WAL insert, spec.md §5) and the keepalive
	// handler both call sendAck concurrently with copyDataLoop's reads, and
	// pgconn's Frontend() does not itself arbitrate concurrent senders.
	sendMu sync.Mutex
}

// New builds a replication Listener. The connection is a dedicated
// replication connection (spec.md §4.4 "Open a dedicated connection with
// replication=database"); connect adds that runtime parameter to connString
// itself.
// cleanupTask runs concurrently with the copyData loop on an ordinary pool.
func New(cfg Config, connString string, cleanupTask *cleanup.Task, pipe *pipeline.Pipeline, ackMgr *ack.Manager, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		cfg:         cfg.WithDefaults(),
		connString:  connString,
		cleanupTask: cleanupTask,
		pipe:        pipe,
		ackMgr:      ackMgr,
		log:         log,
	}
}

// State reports the listener's current lifecycle position.
func (l *Listener) State() State { return State(l.state.Load()) }

func (l *Listener) setState(s State) { l.state.Store(int32(s)) }

// Stop requests a graceful shutdown; Run returns once the current attempt
// unwinds. Stop does not itself cancel Run's context — callers should also
// cancel the context passed to Run.
func (l *Listener) Stop() { l.stopped.Store(true) }

// Run drives the lifecycle state machine until ctx is cancelled or Stop is
// called: connect, subscribe, consume copyData, and on any error, restart
// after the policy-selected delay (spec.md §4.4 restart policy).
func (l *Listener) Run(ctx context.Context) error {
	for {
		if l.stopped.Load() {
			l.setState(StateStopped)
			return nil
		}
		if err := ctx.Err(); err != nil {
			l.setState(StateStopped)
			return err
		}

		err := l.runOnce(ctx)
		l.setState(StateStopped)

		if err == nil || l.stopped.Load() {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		delay := l.restartDelay(ctx, err)
		l.log.Warn("replication: listener restarting", slog.Any("error", err), slog.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce performs one full connect-subscribe-consume attempt.
func (l *Listener) runOnce(ctx context.Context) error {
	l.setState(StateConnecting)

	conn, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("replication: connect: %w", err)
	}
	defer conn.Close(context.Background())

	if err := l.startReplication(ctx, conn); err != nil {
		return fmt.Errorf("replication: start replication: %w", err)
	}
	// A fresh subscription means any LSN this Manager still thinks is
	// "processing" belongs to a goroutine that is gone; the WAL will
	// redeliver it from the last acknowledged position, so stale state must
	// not reject that redelivery (spec.md §4.4 restart policy, §4.1).
	l.ackMgr.Reset()
	l.setState(StateSubscribed)
	l.log.Info("replication: subscribed", slog.String("slot", l.cfg.Slot), slog.String("publication", l.cfg.Publication))

	group, gctx := errgroup.WithContext(ctx)
	if l.cleanupTask != nil {
		group.Go(func() error {
			err := l.cleanupTask.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	group.Go(func() error { return l.copyDataLoop(gctx, conn, group) })
	return group.Wait()
}

// connect opens a dedicated connection with replication=database, retrying
// at a fixed interval until it succeeds or ctx is cancelled (spec.md §4.4
// step 1). Grounded on the connect/retry shape of corbaltcode pgutils'
// listener, expressed with cenkalti/backoff's constant policy instead of a
// hand-rolled retry loop.
func (l *Listener) connect(ctx context.Context) (*pgconn.PgConn, error) {
	connCfg, err := pgconn.ParseConfig(l.connString)
	if err != nil {
		return nil, err
	}
	if connCfg.RuntimeParams == nil {
		connCfg.RuntimeParams = map[string]string{}
	}
	connCfg.RuntimeParams["replication"] = "database"

	var conn *pgconn.PgConn
	policy := backoff.WithContext(backoff.NewConstantBackOff(l.cfg.RestartDelay), ctx)
	operation := func() error {
		c, dialErr := pgconn.ConnectConfig(ctx, connCfg)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return conn, nil
}

// startReplication issues START_REPLICATION on the given connection at LSN
// 0/0; PostgreSQL resumes from the slot's own stored position rather than
// replaying from the literal start of WAL (spec.md §4.4 step 2).
func (l *Listener) startReplication(ctx context.Context, conn *pgconn.PgConn) error {
	query := fmt.Sprintf(
		"START_REPLICATION SLOT %s LOGICAL 0/0 (proto_version '1', publication_names %s)",
		pgx.Identifier{l.cfg.Slot}.Sanitize(), quoteLiteral(l.cfg.Publication),
	)
	_, err := conn.Exec(ctx, query).ReadAll()
	return err
}

// copyDataLoop reads frames off the replication connection until ctx is
// cancelled or a fatal error occurs (spec.md §4.4 "copyData frame
// handling"). Each WAL insert is dispatched to its own task on group rather
// than processed inline, so that the configured concurrency controller -
// not the single reader goroutine - is what bounds how many messages run at
// once (spec.md §5: "for each message, a new task is spawned to run the
// pipeline"). A fatal error from any task cancels gctx via group, which
// unwinds this loop's next ReceiveMessage call too.
func (l *Listener) copyDataLoop(ctx context.Context, conn *pgconn.PgConn, group *errgroup.Group) error {
	relations := newRelationCache()
	for {
		if l.stopped.Load() {
			return nil
		}
		msg, err := conn.ReceiveMessage(ctx)
		if err != nil {
			return fmt.Errorf("replication: receive message: %w", err)
		}
		cd, ok := msg.(*pgproto3.CopyData)
		if !ok || len(cd.Data) == 0 {
			continue
		}

		switch cd.Data[0] {
		case frameXLogData:
			if err := l.handleXLogData(ctx, conn, relations, cd.Data, group); err != nil {
				return err
			}
		case frameKeepalive:
			if err := l.handleKeepalive(ctx, conn, cd.Data); err != nil {
				return err
			}
		default:
			l.log.Warn("replication: unknown copyData frame byte", slog.Int("byte", int(cd.Data[0])))
		}
	}
}

// handleXLogData decodes one "w" frame and, for a matching insert, spawns a
// task on group to run it through the pipeline. Decode/filter errors are
// logged and dropped per spec.md §4.4; only the per-message task's eventual
// error (an operational failure or pipeline.ErrRetryScheduled) is fatal, and
// that happens on group's own goroutine, not here.
func (l *Listener) handleXLogData(ctx context.Context, conn *pgconn.PgConn, relations *relationCache, frame []byte, group *errgroup.Group) error {
	x, err := decodeXLogData(frame)
	if err != nil {
		l.log.Warn("replication: failed to decode XLogData frame", slog.Any("error", err))
		return nil
	}
	if len(x.payload) == 0 {
		return nil
	}

	if x.payload[0] == pgoutputRelation {
		if err := relations.decodeRelation(x.payload); err != nil {
			l.log.Warn("replication: failed to decode Relation message", slog.Any("error", err))
		}
		return nil
	}
	if x.payload[0] != pgoutputInsert {
		return nil
	}

	cols, ok, err := relations.decodeInsert(x.payload, l.cfg.Schema, l.cfg.Table)
	if err != nil {
		l.log.Warn("replication: failed to decode Insert message", slog.Any("error", err))
		return nil
	}
	if !ok {
		return nil
	}

	m, err := rowToMessage(cols)
	if err != nil {
		l.log.Warn("replication: dropping row with invalid columns", slog.Any("error", err))
		return nil
	}

	lsn := x.lsn
	group.Go(func() error { return l.processMessage(ctx, conn, m, lsn) })
	return nil
}

// processMessage runs one WAL-sourced message through the shared pipeline
// and, once it reaches a terminal outcome, sends the resulting acknowledge
// frame. It is the unit of concurrency the controller gates (spec.md §5).
func (l *Listener) processMessage(ctx context.Context, conn *pgconn.PgConn, m *message.Transactional, lsn uint64) error {
	ackUpTo, shouldAck, err := l.pipe.ProcessReplicated(ctx, m, lsn, l.ackMgr)
	if err != nil {
		if errors.Is(err, pipeline.ErrRetryScheduled) {
			return err
		}
		return fmt.Errorf("replication: processing message %s: %w", m.ID, err)
	}
	if shouldAck {
		return l.sendAck(conn, nextLSN(ackUpTo))
	}
	return nil
}

func (l *Listener) handleKeepalive(ctx context.Context, conn *pgconn.PgConn, frame []byte) error {
	k, err := decodeKeepalive(frame)
	if err != nil {
		l.log.Warn("replication: failed to decode keepalive frame", slog.Any("error", err))
		return nil
	}
	if !k.replyRequested {
		return nil
	}

	if err := l.ackMgr.StartProcessing(k.lsn); err != nil {
		if errors.Is(err, ack.ErrAlreadyProcessing) {
			return nil
		}
		return err
	}
	ackUpTo, ok, err := l.ackMgr.FinishProcessing(k.lsn)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return l.sendAck(conn, nextLSN(ackUpTo))
}

func (l *Listener) sendAck(conn *pgconn.PgConn, ackLSN uint64) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	frame := encodeStandbyStatusUpdate(ackLSN)
	if err := conn.Frontend().Send(&pgproto3.CopyData{Data: frame}); err != nil {
		return fmt.Errorf("replication: send standby status update: %w", err)
	}
	return conn.Frontend().Flush()
}

// replicationSlotAcquireRoutine is the Postgres server routine name spec.md
// §4.4/§7 requires 55006/42704 to originate from before they're treated as
// slot contention/missing rather than an unrelated error that happens to
// share a SQLSTATE.
const replicationSlotAcquireRoutine = "ReplicationSlotAcquire"

// restartDelay classifies err per spec.md §4.4's restart policy and returns
// how long to wait before the next attempt, best-effort creating the slot
// first when it is missing.
func (l *Listener) restartDelay(ctx context.Context, err error) time.Duration {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.RoutineName == replicationSlotAcquireRoutine {
		switch pgErr.Code {
		case "55006": // object_in_use: another consumer holds the slot
			return l.cfg.RestartDelaySlotInUse
		case "42704": // undefined_object: slot missing, likely after failover
			if l.cfg.CreateSlotIfMissing {
				l.createSlot(ctx)
			}
			return l.cfg.RestartDelay
		}
	}
	return l.cfg.RestartDelay
}

// createSlot best-effort creates the replication slot via
// pg_create_logical_replication_slot on a transient, ordinary (non-
// replication) connection (spec.md §4.4, §7 "Slot missing"). This is
// deliberately not the CREATE_REPLICATION_SLOT replication-protocol command:
// the spec names the SQL function explicitly, and a plain connection means
// the slot can be created without ever setting replication=database on it.
func (l *Listener) createSlot(ctx context.Context) {
	conn, err := pgconn.Connect(ctx, l.connString)
	if err != nil {
		l.log.Warn("replication: failed to open transient connection to create slot", slog.Any("error", err))
		return
	}
	defer conn.Close(context.Background())

	query := fmt.Sprintf("SELECT pg_create_logical_replication_slot(%s, 'pgoutput')", quoteLiteral(l.cfg.Slot))
	if _, err := conn.Exec(ctx, query).ReadAll(); err != nil {
		l.log.Warn("replication: failed to create missing slot", slog.String("slot", l.cfg.Slot), slog.Any("error", err))
		return
	}
	l.log.Info("replication: created missing slot", slog.String("slot", l.cfg.Slot))
}

// quoteLiteral renders s as a single-quoted SQL string literal, doubling any
// embedded quote characters.
func quoteLiteral(s string) string {
	escaped := ""
	for _, r := range s {
		if r == '\'' {
			escaped += "''"
		} else {
			escaped += string(r)
		}
	}
	return "'" + escaped + "'"
}
