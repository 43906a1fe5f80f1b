// Package rpc implements the length-delimited binary transport that
// carries set/get/search/prune/... across processes and sockets, atop
// the framing and codec in package wire.
package rpc

import (
	"context"

	"github.com/apteryxio/apteryxd/id"
	"github.com/apteryxio/apteryxd/wire"
)

// SetOp is one (path, value, timestamp) triple from a SET request body.
type SetOp struct {
	Path  string
	Value []byte
	Ts    uint64
}

// Handler is implemented by the operation engine and invoked by
// the RPC server for each decoded request. orig identifies the peer
// connection that issued the call, used by the dispatcher for watcher
// ordering and reentrancy detection.
type Handler interface {
	Set(ctx context.Context, orig id.Originator, ops []SetOp, expectedTs uint64) wire.Status
	Get(ctx context.Context, orig id.Originator, path string) (value []byte, found bool)
	Search(ctx context.Context, orig id.Originator, prefix string) []string
	Traverse(ctx context.Context, orig id.Originator, path string) []wire.Leaf
	Prune(ctx context.Context, orig id.Originator, path string, expectedTs uint64) wire.Status
	Timestamp(ctx context.Context, orig id.Originator, path string) uint64
	Find(ctx context.Context, orig id.Originator, pattern string, filters []wire.Leaf) []string
	Query(ctx context.Context, orig id.Originator, template []wire.Leaf) []wire.Leaf
	Memuse(ctx context.Context, orig id.Originator, path string) uint64
}
