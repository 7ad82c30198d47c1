// Package kv provides key-value storage with SQLite persistence and in-memory options.
package kv

// Bucket is the interface for key-value storage operations.
type Bucket interface {
	// Name returns the bucket name.
	Name() string

	// IsPersistent returns true if the bucket is backed by SQLite.
	IsPersistent() bool

	// Store saves a value with the given key.
	// The value can be a string, number, boolean, or map.
	Store(key string, value any) error

	// Get retrieves a value by key.
	// Returns nil if the key doesn't exist.
	Get(key string) (any, error)

	// Exists returns true if the key exists.
	Exists(key string) (bool, error)

	// Delete removes a key from the bucket.
	// Returns true if the key existed.
	Delete(key string) (bool, error)

	// Keys returns all keys in the bucket.
	Keys() ([]string, error)

	// Clear removes all keys from the bucket.
	Clear() error
}
