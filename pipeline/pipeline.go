package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/outboxkit/pgoutbox/ack"
	"github.com/outboxkit/pgoutbox/concurrency"
	"github.com/outboxkit/pgoutbox/message"
	"github.com/outboxkit/pgoutbox/metrics"
	"github.com/outboxkit/pgoutbox/storage"
)

// ErrLocked is returned by ProcessPolled and ProcessReplicated when the row is currently held by
// another transaction (storage.Locked). Callers should back off and retry;
// it is not a handler failure and never reaches Phase 3.
var ErrLocked = errors.New("pipeline: message row is locked")

// Pool is the subset of *pgxpool.Pool the pipeline needs to open the
// transactions each phase runs inside (spec.md §4.6 executeTransaction).
type Pool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Pipeline runs the three-phase per-message algorithm shared by the
// replication and polling listeners (spec.md §4.6):
//
//  1. Poisonous-message guard — increment started_attempts, bail out if the
//     row is already gone/processed or the attempt gap trips the poisonous
//     threshold.
//  2. Lock, verify, dispatch — lock the row FOR UPDATE NOWAIT inside a fresh
//     transaction, re-verify it is still eligible, resolve and invoke the
//     handler, commit.
//  3. Error resolution — on handler failure, decide whether to retry or give
//     up, record the outcome, and invoke the handler's optional error hook.
type Pipeline struct {
	pool       Pool
	store      *storage.Store
	controller concurrency.Controller
	registry   *Registry
	cfg        Config
	metrics    *metrics.Registry
	log        *slog.Logger
}

// New builds a Pipeline. reg and log may be nil; sensible no-op defaults are
// substituted.
func New(pool Pool, store *storage.Store, controller concurrency.Controller, registry *Registry, cfg Config, reg *metrics.Registry, log *slog.Logger) *Pipeline {
	if reg == nil {
		reg = metrics.Noop()
	}
	if log == nil {
		log = slog.Default()
	}
	if controller == nil {
		controller = concurrency.NewFullConcurrency()
	}
	return &Pipeline{
		pool:       pool,
		store:      store,
		controller: controller,
		registry:   registry,
		cfg:        cfg,
		metrics:    reg,
		log:        log,
	}
}

// txIsoLevel maps the pipeline's IsolationLevel onto pgx's.
func txIsoLevel(l IsolationLevel) pgx.TxIsoLevel {
	switch l {
	case RepeatableRead:
		return pgx.RepeatableRead
	case Serializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

// executeTransaction opens a transaction at the configured isolation level,
// runs fn, and commits on success or rolls back on error/panic (spec.md
// §4.6).
func (p *Pipeline) executeTransaction(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: txIsoLevel(p.cfg.Isolation)})
	if err != nil {
		return fmt.Errorf("pipeline: begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			p.log.Warn("pipeline: rollback failed", slog.Any("error", rbErr))
		}
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("pipeline: commit transaction: %w", err)
	}
	return nil
}

// ErrRetryScheduled is returned by ProcessReplicated when a handler failure
// was resolved as "retry" rather than "give up". Per spec.md §4.4, a retry
// decision must never be acknowledged: the caller should treat this as a
// fatal error so the listener restarts and the WAL redelivers the same LSN
// untouched on the next subscription.
var ErrRetryScheduled = errors.New("pipeline: message scheduled for retry, lsn withheld from acknowledgement")

// ProcessPolled runs the pipeline for a message sourced from the polling
// listener's next-batch function. There is no WAL LSN to acknowledge; retry
// vs give-up is implicit in finished_attempts and lease expiration
// (spec.md §4.5), so the retry signal process returns is simply discarded.
func (p *Pipeline) ProcessPolled(ctx context.Context, m *message.Transactional) error {
	_, err := p.process(ctx, m)
	return err
}

// ProcessReplicated runs the pipeline for a message decoded from the
// replication stream at the given LSN, coordinating with mgr so the caller
// only sees an ack once every earlier in-flight LSN has also finished
// (spec.md §4.1, §4.6). finishProcessingLSN is only called when the message
// reached a terminal outcome (success, skip, poisonous-abandon, or
// give-up); a retry decision withholds the LSN and returns ErrRetryScheduled
// instead (spec.md §4.4 "if retry, throw out of the pipeline so the
// listener restarts").
func (p *Pipeline) ProcessReplicated(ctx context.Context, m *message.Transactional, lsn uint64, mgr *ack.Manager) (ackUpTo uint64, ok bool, err error) {
	if startErr := mgr.StartProcessing(lsn); startErr != nil {
		return 0, false, startErr
	}

	retryScheduled, procErr := p.process(ctx, m)
	if procErr != nil {
		return 0, false, procErr
	}
	if retryScheduled {
		return 0, false, ErrRetryScheduled
	}

	return mgr.FinishProcessing(lsn)
}

// process runs the three phases. retryScheduled is true only when a handler
// failure was resolved as "retry": the row remains unacknowledged/unleased
// for redelivery and no other field of the return value is meaningful to a
// replication caller. err non-nil means an operational failure (not a
// handler failure) that the caller should propagate; ErrLocked means the
// caller should try again later without counting it as a handler failure.
func (p *Pipeline) process(ctx context.Context, m *message.Transactional) (retryScheduled bool, err error) {
	skip, err := p.guardPoisonous(ctx, m)
	if err != nil || skip {
		return false, err
	}

	handlerErr, dispatched, err := p.lockVerifyDispatch(ctx, m)
	if err != nil {
		return false, err
	}
	if !dispatched {
		return false, nil
	}
	if handlerErr == nil {
		p.metrics.MessagesFinished.WithLabelValues("success").Inc()
		return false, nil
	}

	return p.resolveError(ctx, m, handlerErr)
}

// guardPoisonous is Phase 1: increment started_attempts and decide whether
// processing should continue at all (spec.md §4.6 Phase 1, §4.1's
// poisonousMessageRetryStrategy).
func (p *Pipeline) guardPoisonous(ctx context.Context, m *message.Transactional) (skip bool, err error) {
	var outcome storage.Outcome
	err = p.executeTransaction(ctx, func(tx pgx.Tx) error {
		var txErr error
		outcome, txErr = p.store.StartedAttemptsIncrement(ctx, tx, m)
		return txErr
	})
	if err != nil {
		return true, err
	}

	switch outcome {
	case storage.NotFound, storage.AlreadyProcessed:
		return true, nil
	}

	if p.cfg.EnablePoisonousMessageProtection {
		retry := p.cfg.PoisonousRetry
		if retry == nil {
			retry = DefaultPoisonousRetryStrategy(p.cfg.MaxPoisonousAttempts)
		}
		if !retry(m) {
			p.metrics.PoisonousDetected.Inc()
			abandonErr := p.executeTransaction(ctx, func(tx pgx.Tx) error {
				return p.store.MarkAbandoned(ctx, tx, m.ID)
			})
			if abandonErr != nil {
				p.log.Error("pipeline: failed to mark poisonous message abandoned",
					slog.String("id", m.ID), slog.Any("error", abandonErr))
				return true, abandonErr
			}
			p.log.Warn("pipeline: abandoned poisonous message",
				slog.String("id", m.ID), slog.Int("attempt_gap", m.AttemptGap()))
			return true, nil
		}
	}

	return false, nil
}

// lockVerifyDispatch is Phase 2: acquire the concurrency controller, lock
// the row, re-verify eligibility, and invoke the handler (spec.md §4.6
// Phase 2). dispatched is false when the row was skipped (not found,
// already processed, or locked by another worker) rather than handled.
func (p *Pipeline) lockVerifyDispatch(ctx context.Context, m *message.Transactional) (handlerErr error, dispatched bool, err error) {
	release, err := p.controller.Acquire(ctx, m)
	if err != nil {
		return nil, false, err
	}
	defer release()

	handler := p.registry.Resolve(m)
	if handler == nil {
		p.log.Debug("pipeline: no handler registered", slog.String("key", m.Key()))
		return nil, false, nil
	}

	timeoutFn := p.cfg.ProcessingTimeout
	if timeoutFn == nil {
		timeoutFn = DefaultProcessingTimeoutStrategy(DefaultProcessingTimeout)
	}

	var outcome storage.Outcome
	var skippedByRetryStrategy bool
	err = p.executeTransaction(ctx, func(tx pgx.Tx) error {
		var txErr error
		outcome, txErr = p.store.InitiateProcessing(ctx, tx, m)
		if txErr != nil {
			return txErr
		}
		if outcome != storage.OK {
			return nil
		}

		// spec.md §4.6 Phase 2: a message that has already failed at least
		// once is re-checked against the retry strategy before the handler
		// runs again, independent of Phase 3's post-failure check.
		if m.FinishedAttempts > 0 {
			retryFn := p.cfg.MessageRetry
			if retryFn == nil {
				retryFn = DefaultRetryStrategy(p.cfg.MaxAttempts)
			}
			if !retryFn(m) {
				skippedByRetryStrategy = true
				return nil
			}
		}

		hctx, cancel := context.WithTimeout(ctx, timeoutFn(m))
		defer cancel()

		p.metrics.MessagesStarted.WithLabelValues(m.AggregateType, m.MessageType).Inc()
		start := time.Now()
		handlerErr = handler.Handle(hctx, m, tx)
		p.metrics.ProcessingDuration.WithLabelValues(m.AggregateType, m.MessageType).Observe(time.Since(start).Seconds())
		if handlerErr != nil {
			return handlerErr
		}
		return p.store.MarkCompleted(ctx, tx, m.ID)
	})

	switch outcome {
	case storage.Locked:
		return nil, false, ErrLocked
	case storage.NotFound, storage.AlreadyProcessed:
		p.log.Warn("pipeline: message not found or already processed",
			slog.String("id", m.ID), slog.String("outcome", outcome.String()))
		return nil, false, nil
	}

	if skippedByRetryStrategy {
		p.log.Warn("pipeline: message retry strategy declined further attempts",
			slog.String("id", m.ID), slog.Int("finished_attempts", m.FinishedAttempts))
		return nil, false, nil
	}

	if handlerErr != nil {
		// err above is the rolled-back transaction's error, which is
		// handlerErr itself; Phase 3 handles it, not the caller.
		return handlerErr, true, nil
	}
	if err != nil {
		return nil, true, err
	}
	return nil, true, nil
}

// resolveError is Phase 3: decide whether to retry, record the outcome, and
// invoke the handler's optional error hook (spec.md §4.6 Phase 3).
func (p *Pipeline) resolveError(ctx context.Context, m *message.Transactional, cause error) (retryScheduled bool, err error) {
	retryFn := p.cfg.MessageRetry
	if retryFn == nil {
		retryFn = DefaultRetryStrategy(p.cfg.MaxAttempts)
	}
	// spec.md §4.6 Phase 3: the in-memory counter is bumped before the retry
	// decision so the strategy sees the count this failed attempt produces,
	// not the count the row had going in.
	m.FinishedAttempts++
	shouldRetry := retryFn(m)

	label := "retry"
	err = p.executeTransaction(ctx, func(tx pgx.Tx) error {
		if shouldRetry {
			if incErr := p.store.IncreaseFinishedAttempts(ctx, tx, m.ID, nil); incErr != nil {
				return incErr
			}
		} else {
			maxAttempts := p.cfg.MaxAttempts
			if incErr := p.store.IncreaseFinishedAttempts(ctx, tx, m.ID, &maxAttempts); incErr != nil {
				return incErr
			}
			if abErr := p.store.MarkAbandoned(ctx, tx, m.ID); abErr != nil {
				return abErr
			}
		}

		if eh, ok := p.registry.Resolve(m).(ErrorHandler); ok {
			if hookErr := eh.HandleError(ctx, cause, m, tx, shouldRetry); hookErr != nil {
				p.log.Error("pipeline: handler's error hook failed",
					slog.String("id", m.ID), slog.Any("error", hookErr))
			}
		}
		return nil
	})

	if !shouldRetry {
		label = "giveup"
	}
	if err != nil {
		p.log.Error("pipeline: failed to record error resolution",
			slog.String("id", m.ID), slog.Any("error", err))
		return false, err
	}

	p.metrics.MessagesFinished.WithLabelValues(label).Inc()
	p.log.Warn("pipeline: handler failed",
		slog.String("id", m.ID), slog.Bool("retry", shouldRetry), slog.Any("cause", cause))
	return shouldRetry, nil
}
