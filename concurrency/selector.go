package concurrency

import (
	"context"

	"github.com/outboxkit/pgoutbox/message"
)

// Kind names a concurrency controller variant a StrategyFunc may select.
type Kind string

const (
	KindFullConcurrency     Kind = "full-concurrency"
	KindMutex               Kind = "mutex"
	KindSemaphore           Kind = "semaphore"
	KindDiscriminatingMutex Kind = "discriminating-mutex"
)

// StrategyFunc picks which controller kind handles a given message
// (spec.md §4.2: "selected per-message by a user strategy(message) -> kind").
type StrategyFunc func(m *message.Transactional) Kind

// Selector composes all four controller kinds and forwards Acquire/Cancel
// calls to whichever one StrategyFunc names.
type Selector struct {
	strategy StrategyFunc
	byKind   map[Kind]Controller
}

// NewSelector builds a Selector from a strategy function and the concrete
// controllers backing each kind. Controllers for kinds the strategy never
// returns may be nil.
func NewSelector(strategy StrategyFunc, controllers map[Kind]Controller) *Selector {
	return &Selector{strategy: strategy, byKind: controllers}
}

func (s *Selector) Acquire(ctx context.Context, m *message.Transactional) (Release, error) {
	kind := s.strategy(m)
	c, ok := s.byKind[kind]
	if !ok || c == nil {
		return nil, ErrConfig
	}
	return c.Acquire(ctx, m)
}

// Cancel cancels every configured controller.
func (s *Selector) Cancel() {
	for _, c := range s.byKind {
		if c != nil {
			c.Cancel()
		}
	}
}

func (s *Selector) Kind() string { return "selector" }
