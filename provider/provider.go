// Package provider defines the byte store behind the record cache.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly the
// same []byte that was previously passed to Set for a key (no prepended/appended
// metadata, no re-encoding, no mutation). The store frames every value itself
// (generation, fetch time, payload) and treats anything else as corruption.
//
// Important: the keyspace "rec:<ns>:" is owned by syncstore. External code
// MUST NOT write values under that prefix.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs.
// Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL (ttl <= 0 means no expiry).
	// May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort). Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Clearer is implemented by providers that can drop every entry at once.
// Only in-process providers implement it; a shared store (Redis) must not be
// wiped by one client.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Lister is implemented by providers that can enumerate their keys. The store
// uses it so InvalidateAll also reaches entries written by other processes.
type Lister interface {
	// KeysWithPrefix returns the live keys starting with prefix, in any order.
	KeysWithPrefix(ctx context.Context, prefix string) ([]string, error)
}
