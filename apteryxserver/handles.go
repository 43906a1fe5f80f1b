package apteryxserver

import (
	"sync"

	"github.com/apteryxio/apteryxd/id"
)

// Handles is the callback handle table: the GUID written to a
// /apteryx/<kind>s/<guid> path embeds an opaque 64-bit handle.
// Registrants park the closure here and the self-configuration surface
// resolves handle -> closure when the registry record is constructed.
type Handles struct {
	gen *id.HandleGenerator

	mu sync.RWMutex
	m  map[uint64]interface{}
}

// NewHandles creates an empty handle table minting handles from gen.
func NewHandles(gen *id.HandleGenerator) *Handles {
	return &Handles{gen: gen, m: make(map[uint64]interface{})}
}

// Put parks fn and returns the handle to embed in a GUID. fn's concrete
// type must match the callback kind it will be registered under
// (WatchFunc, ValidateFunc, ProvideFunc, RefreshFunc, IndexFunc or
// WatchTreeFunc).
func (h *Handles) Put(fn interface{}) uint64 {
	handle := h.gen.Next()
	h.mu.Lock()
	h.m[handle] = fn
	h.mu.Unlock()
	return handle
}

// Resolve returns the closure parked under handle, or nil if the
// handle is unknown (a registration from a peer process this daemon
// holds no closure for).
func (h *Handles) Resolve(handle uint64) interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.m[handle]
}

// Delete drops the closure once its registration is destroyed.
func (h *Handles) Delete(handle uint64) {
	h.mu.Lock()
	delete(h.m, handle)
	h.mu.Unlock()
}
