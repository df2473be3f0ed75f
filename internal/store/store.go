// Package store defines the key-value persistence interface for the
// portfolio engine. Implementations include SQLite (local default),
// PostgreSQL (server deployments), Redis (standalone or as a read-through
// cache) and in-memory (for testing).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("store: key not found")

	// ErrQuotaExceeded is returned when a write would exceed the store's
	// capacity.
	ErrQuotaExceeded = errors.New("store: quota exceeded")
)

// PersistenceError reports a write the durable store rejected. It is never
// retried automatically.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is a string-keyed blob store. Keys are namespaced by convention
// (investment collection, migration backups, price cache entries).
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys lists every key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// GetJSON decodes the JSON value stored under key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v as JSON and stores it under key. Write failures are
// reported as *PersistenceError.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.Set(ctx, key, data); err != nil {
		return asPersistenceError("set", key, err)
	}
	return nil
}

func asPersistenceError(op, key string, err error) error {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Key: key, Err: err}
}
