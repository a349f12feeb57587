package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/outboxkit/pgoutbox/message"
)

// Handler processes one message's business side effect inside the same
// transaction that will mark it completed. HandleError is optional: a nil
// HandleError is treated as "nothing extra to do" (spec.md §9's
// callback-flavoured handler interface, expressed as a two-method Go
// interface).
type Handler interface {
	// Handle runs the business side effect for m using tx. Returning an
	// error rolls back the transaction and routes to Phase 3 error
	// resolution (spec.md §4.6).
	Handle(ctx context.Context, m *message.Transactional, tx pgx.Tx) error
}

// ErrorHandler is the optional second method of spec.md §9's handler
// interface. It MUST NOT return an error that itself fails: the pipeline
// logs and attempts a best-effort finished-attempts increment if it does
// (spec.md §4.6 Phase 3).
type ErrorHandler interface {
	HandleError(ctx context.Context, cause error, m *message.Transactional, tx pgx.Tx, shouldRetry bool) error
}

// Registry resolves a Handler for a message by (aggregateType, messageType),
// or falls back to a single general handler if one is registered
// (spec.md §4.6, §9).
type Registry struct {
	mu       sync.RWMutex
	byKey    map[string]Handler
	general  Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]Handler)}
}

// Register binds a handler to (aggregateType, messageType). It returns a
// configuration error if that pair already has a handler (spec.md §3
// invariant 3, §7 Configuration errors).
func (r *Registry) Register(aggregateType, messageType string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := aggregateType + "@" + messageType
	if _, exists := r.byKey[key]; exists {
		return fmt.Errorf("pipeline: handler already registered for %s", key)
	}
	r.byKey[key] = h
	return nil
}

// RegisterGeneral sets a single handler invoked for every message
// regardless of (aggregateType, messageType). It is mutually exclusive in
// practice with per-key handlers; Resolve prefers a per-key match first.
func (r *Registry) RegisterGeneral(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.general = h
}

// Resolve finds the handler for m, or nil if none is registered (the
// pipeline logs at debug and skips, per spec.md §4.6 Phase 2).
func (r *Registry) Resolve(m *message.Transactional) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.byKey[m.Key()]; ok {
		return h
	}
	return r.general
}
