// Package kv provides the key-value store a pipeline.Handler uses for its
// own business-state side effects - the state spec.md §1 draws as the
// boundary the core never owns: the core's only transactional promise is
// that a message's processed_at commits once Handle returns, not anything
// Handle itself chooses to read or write. A handler can use this package
// to keep a running balance per aggregate, or to leave a needs-review
// marker behind once a message is abandoned (see Example_reviewLog).
//
// The store works with raw []byte values; callers serialize their own
// domain types.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found in the store.
	ErrNotFound = errors.New("key not found")
)

// Store is a key-value store interface that works with raw bytes.
// Users should build their own adapters for type-safe operations and serialization.
type Store interface {
	// Get retrieves a value by key. Returns ErrNotFound if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given key.
	// If ttl is 0, the value never expires (if backend supports expiration).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Update atomically reads, modifies, and writes a value.
	// The function receives the current value (or nil if key doesn't exist/expired).
	// If the function returns an error, the update is aborted and no changes are made.
	// If successful, the new value is stored with the given TTL (0 = no expiration).
	// This operation is atomic - no other operations can modify the key during the update.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error

	// SetMany stores multiple key-value pairs under one shared TTL in a
	// single call, for handlers that touch several aggregates per message.
	SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	// Delete removes a value by key. Returns nil if the key doesn't exist.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys matching the given prefix.
	// If prefix is empty, returns all keys (excluding expired entries).
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close closes the store and releases any resources.
	Close() error
}

// AggregateKey builds the store key a handler should use for state scoped
// to one aggregate under a given namespace, e.g. AggregateKey("balance",
// m.AggregateID). Handlers aren't required to use it - Store takes any
// string key - but sharing the convention keeps namespaces from colliding
// when a store is reused across several message types.
func AggregateKey(namespace, aggregateID string) string {
	return fmt.Sprintf("%s:%s", namespace, aggregateID)
}
