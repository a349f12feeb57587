// Package ack implements the acknowledge manager (spec.md §4.1): it orders
// PostgreSQL WAL acknowledgements so the server is only told "up to LSN X"
// once every LSN <= X has finished processing, even when handlers for later
// LSNs finish before earlier ones.
package ack

import (
	"errors"
	"sort"
	"sync"

	"github.com/outboxkit/pgoutbox/metrics"
)

// ErrAlreadyProcessing is returned by StartProcessing when the same LSN is
// already registered as in-flight.
var ErrAlreadyProcessing = errors.New("ack: lsn already processing")

// ErrNotRegistered is returned by FinishProcessing when the LSN was never
// started.
var ErrNotRegistered = errors.New("ack: lsn not registered")

// Manager tracks in-flight and finished LSNs and decides, on each finish,
// the largest LSN that is now safe to acknowledge (spec.md §4.1 algorithm).
type Manager struct {
	mu         sync.Mutex
	processing map[uint64]struct{}
	pending    map[uint64]struct{}
	metrics    *metrics.Registry
}

// NewManager creates an empty acknowledge manager.
func NewManager(reg *metrics.Registry) *Manager {
	if reg == nil {
		reg = metrics.Noop()
	}
	return &Manager{
		processing: make(map[uint64]struct{}),
		pending:    make(map[uint64]struct{}),
		metrics:    reg,
	}
}

// StartProcessing registers lsn as in-flight.
func (m *Manager) StartProcessing(lsn uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.processing[lsn]; ok {
		return ErrAlreadyProcessing
	}
	m.processing[lsn] = struct{}{}
	return nil
}

// FinishProcessing marks lsn done and returns the largest LSN that is now
// safe to acknowledge, and whether any LSN is safe to acknowledge at all.
//
// Algorithm (spec.md §4.1): move lsn from processing to pending; let m be
// the minimum remaining processing LSN (or +inf if none); acknowledge and
// remove from pending every LSN < m, in ascending order, and report the
// largest one (a single ack covers all earlier LSNs).
func (m *Manager) FinishProcessing(lsn uint64) (ackUpTo uint64, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, started := m.processing[lsn]; !started {
		return 0, false, ErrNotRegistered
	}
	delete(m.processing, lsn)
	m.pending[lsn] = struct{}{}

	floor := minKey(m.processing) // +inf (represented by ok=false) if empty

	var safe []uint64
	for p := range m.pending {
		if !hasFloor(m.processing) || p < floor {
			safe = append(safe, p)
		}
	}
	if len(safe) == 0 {
		m.metrics.AckPendingDepth.Set(float64(len(m.pending)))
		return 0, false, nil
	}

	sort.Slice(safe, func(i, j int) bool { return safe[i] < safe[j] })
	for _, p := range safe {
		delete(m.pending, p)
	}
	m.metrics.AckPendingDepth.Set(float64(len(m.pending)))

	return safe[len(safe)-1], true, nil
}

// Reset clears all in-flight and pending bookkeeping. Callers must use this
// between replication subscriptions (spec.md §4.4 restart policy): a
// listener restart means previously "processing" LSNs will never finish in
// this Manager's lifetime (their goroutines are gone), and the WAL will
// redeliver them fresh on reconnect, so stale entries must not linger and
// reject the redelivered StartProcessing call.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processing = make(map[uint64]struct{})
	m.pending = make(map[uint64]struct{})
	m.metrics.AckPendingDepth.Set(0)
}

func hasFloor(processing map[uint64]struct{}) bool {
	return len(processing) > 0
}

func minKey(s map[uint64]struct{}) uint64 {
	var min uint64
	first := true
	for k := range s {
		if first || k < min {
			min = k
			first = false
		}
	}
	return min
}
