// ABOUTME: Store interface shared by the durable key-value backends.
// ABOUTME: Open selects a backend by name from configuration.

package kvstore

import (
	"context"
	"errors"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

var (
	// ErrUnknownBackend is returned by Open for an unrecognised backend name.
	ErrUnknownBackend = errors.New("unknown storage backend")

	// ErrInvalidKey is returned for empty keys or keys a backend cannot hold.
	ErrInvalidKey = errors.New("invalid key")
)

// Store is a durable string-keyed byte store.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Open returns the backend named backend rooted at path. path is the database
// file for sqlite, the directory for file, and ignored for memory.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLite(path)
	case BackendFile:
		return NewFile(path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
