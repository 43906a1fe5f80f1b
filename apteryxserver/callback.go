// Package apteryxserver implements the operation engine. It composes
// the path tree (store), the callback registry (registry), and the
// watcher dispatcher (dispatch) into the set/get/search/prune/traverse/
// query/find operations with validate -> apply -> watch ordering, and
// implements rpc.Handler so it can sit directly behind the wire
// transport.
package apteryxserver

import (
	"context"

	"github.com/apteryxio/apteryxd/wire"
)

// ValidateFunc vetoes or approves a pending write; a non-zero status
// aborts the mutation before it reaches the tree.
type ValidateFunc func(ctx context.Context, path string, value []byte) wire.Status

// WatchFunc observes a single leaf change after it has been applied and
// is visible to readers.
type WatchFunc func(ctx context.Context, path string, value []byte) error

// WatchTreeFunc observes a whole batch of removals from one prune as a
// single event.
type WatchTreeFunc func(ctx context.Context, root string, removed []Removed) error

// Removed mirrors store.Removed at the callback boundary so this
// package's public API does not leak the store package's internal type
// identity into registered callback signatures.
type Removed struct {
	Path  string
	Prior []byte
}

// ProvideFunc synthesizes a value for path when the tree holds none.
type ProvideFunc func(ctx context.Context, path string) (value []byte, ok bool)

// RefreshFunc repopulates a stale subtree by calling back into Set; it
// returns the TTL (microseconds) the result should be considered fresh
// for, or an error to leave the entry expired.
type RefreshFunc func(ctx context.Context, prefix string) (ttlUs uint64, err error)

// IndexFunc enumerates the dynamic children of prefix.
type IndexFunc func(ctx context.Context, prefix string) ([]string, error)
