// Package kvstore is the local durable key-value storage behind the action queue.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("kvstore: key not found")

// Entry is a single key/value pair
type Entry struct {
	Key   string
	Value []byte
}

// Store defines the key-value persistence used by the action queue
type Store interface {
	// Get returns the value stored under key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// ListByPrefix returns every entry whose key starts with prefix, ordered by key
	ListByPrefix(ctx context.Context, prefix string) ([]Entry, error)
}
