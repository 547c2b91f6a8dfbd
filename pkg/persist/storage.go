// Package persist keeps the part of each pipeline store that must survive a restart: the
// last input, the last result, the history and the active tab. Stores serialize that state
// themselves; a Storage only moves opaque documents keyed by scope and store name.
package persist

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when nothing was saved for the key.
var ErrNotFound = errors.New("persisted state not found")

// Storage is a keyed document store. Implementations must be safe for concurrent use.
type Storage interface {
	// Load returns the document saved for scope and name, or ErrNotFound.
	Load(ctx context.Context, scope, name string) ([]byte, error)

	// Save replaces the document saved for scope and name.
	Save(ctx context.Context, scope, name string, state []byte) error

	// Delete removes the document saved for scope and name. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, scope, name string) error

	// Names lists the store names that have a document in scope, sorted.
	Names(ctx context.Context, scope string) ([]string, error)

	Close()
}
