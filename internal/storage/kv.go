// Package storage provides the durable key-value store the engine uses
// for snapshots, entity state, and the crash-detection heartbeat.
package storage

import "errors"

// KV is a flat durable key-value store.
type KV interface {
	// Get retrieves a value. Returns ErrKeyNotFound for missing keys.
	Get(key string) ([]byte, error)

	// Set stores a value, overwriting any existing one.
	Set(key string, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key string) error

	// List returns all keys with the given prefix, sorted.
	List(prefix string) ([]string, error)

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrStoreClosed   = errors.New("store is closed")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)
