// Package statestore keeps small client-local values (the last active session id) across process
// restarts. Backends: in-memory, a YAML file, or SQLite.
package statestore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// KeyCurrentSession holds the id of the last active session.
const KeyCurrentSession = "currentSessionId"

// Store is a string key/value store scoped to one client instance.
type Store interface {
	// Get returns the value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	KindMemory = "memory"
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Open builds a store from a kind name and, for the persistent kinds, a path.
func Open(kind string, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindFile:
		return NewFileStore(path)
	case KindSQLite:
		dsn, err := SQLiteDSNForFile(path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(dsn)
	default:
		return nil, errors.Errorf("unknown state store kind %q", kind)
	}
}
