package repo

import "context"

// KVStore is the local durable key-value store interface
// Responsible for offline persistence (SQLite)
type KVStore interface {
	// Get returns the value for key, or nil with no error when absent
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key; removing an absent key is not an error
	Remove(ctx context.Context, key string) error
}
