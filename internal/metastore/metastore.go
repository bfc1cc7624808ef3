// Package metastore provides the key-value metadata store used for upload
// sessions, chunk records, progress snapshots, and artifact records. Keys
// are independent; writes are last-write-wins except for the conditional
// and counter primitives. No multi-key transactions.
package metastore

import (
	"context"
	"fmt"

	"github.com/stowage-io/stowage/internal/config"
)

// Store is the metadata port. Implementations must classify backend
// failures into fault kinds: missing keys are KindNotFound, network and
// server failures are KindTransient.
type Store interface {
	// Get returns the value at key, or a not-found fault.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value at key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// PutIfAbsent writes value only if key does not exist. Returns true
	// if this call created the key.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)

	// Incr atomically adds delta to the integer at key, creating it at
	// zero if absent, and returns the new value.
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	// Scan returns all keys with the given prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// New constructs a store for the configured backend.
func New(cfg config.MetastoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg)
	default:
		return nil, fmt.Errorf("metastore: unknown backend %q", cfg.Backend)
	}
}
