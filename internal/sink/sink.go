// Package sink implements the object-store abstraction the replication
// pipeline is built on: put, get, list-by-prefix, and bulk delete, with a
// strongly-consistent read-your-write contract and a NotFound sentinel
// distinguishing "absent" from a transport failure.
package sink

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist. A
// client-error response (404/403) from the object store is translated to
// this sentinel; any other error is a transient or fatal failure.
var ErrNotFound = errors.New("sink: object not found")

// Store is the minimal contract the replication pipeline needs from an
// object store. Implementations must provide strongly consistent
// read-your-write semantics: a Get immediately following a Put for the
// same key must observe the new value.
type Store interface {
	// Put writes or replaces the object at key.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the object at key, or ErrNotFound if it does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns every key under prefix, in no particular order. Pagination
	// against the backing store, if any, is handled internally.
	List(ctx context.Context, prefix string) ([]string, error)

	// DeleteMany idempotently deletes every given key. Deleting a key that
	// does not exist is not an error.
	DeleteMany(ctx context.Context, keys []string) error
}
