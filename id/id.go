// Package id mints the opaque identities the registry and dispatcher
// need: monotonic callback handles and per-connection originator
// identities.
package id

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	tsLen     = 5 * 8
	cntLen    = 8
	suffixLen = tsLen + cntLen
)

// HandleGenerator mints process-unique 64-bit callback handles. A
// closure has no stable address to embed in a GUID, so registrations
// are handed an opaque handle from this generator instead and the
// handle table keeps the handle -> closure mapping.
type HandleGenerator struct {
	prefix uint64
	suffix uint64
}

// NewHandleGenerator seeds the generator with a small process-distinguishing
// prefix (e.g. a truncated PID) so handles minted by different processes
// sharing one registry still cannot collide.
func NewHandleGenerator(processTag uint16, now time.Time) *HandleGenerator {
	prefix := uint64(processTag) << suffixLen
	unixMilli := uint64(now.UnixNano()) / uint64(time.Millisecond/time.Nanosecond)
	suffix := lowbit(unixMilli, tsLen) << cntLen
	return &HandleGenerator{prefix: prefix, suffix: suffix}
}

// Next returns the next handle, safe for concurrent use.
func (g *HandleGenerator) Next() uint64 {
	suffix := atomic.AddUint64(&g.suffix, 1)
	return g.prefix | lowbit(suffix, suffixLen)
}

func lowbit(x uint64, n uint) uint64 {
	return x & (^uint64(0) >> (64 - n))
}

// Originator identifies the caller that initiated an operation: the
// local process for in-process calls, or a minted peer identity for a
// remote RPC connection. The dispatcher uses it to serialize watcher
// delivery FIFO per originator and to detect reentrant sets.
type Originator string

// LocalOriginator is used for calls made directly against the engine,
// not arriving over RPC.
const LocalOriginator Originator = "local"

// NewPeerOriginator mints a fresh originator identity for an accepted
// RPC connection.
func NewPeerOriginator() Originator {
	return Originator(uuid.NewString())
}
