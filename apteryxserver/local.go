package apteryxserver

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/apteryxio/apteryxd/id"
	"github.com/apteryxio/apteryxd/registry"
	"github.com/apteryxio/apteryxd/rpc"
	"github.com/apteryxio/apteryxd/wire"
)

// Local registers in-process callbacks the same way a remote client
// would: the closure is parked in the handle table, then the pattern is
// written to the matching /apteryx/<kind>s/<guid> path. The write is an
// ordinary store mutation, so the registration is itself observable by
// watchers.
type Local struct {
	e       *Engine
	handles *Handles
	pid     uint64
}

// NewLocal wraps e for in-process registrations.
func NewLocal(e *Engine, handles *Handles) *Local {
	return &Local{e: e, handles: handles, pid: uint64(os.Getpid())}
}

// Engine returns the wrapped engine, for callers that registered
// through Local and now want to issue operations.
func (l *Local) Engine() *Engine { return l.e }

func (l *Local) register(ctx context.Context, base, pattern string, fn interface{}) (string, error) {
	handle := l.handles.Put(fn)
	guid := registry.MakeGUID(l.pid, handle, HashPattern(pattern))
	path := base + "/" + guid
	status := l.e.Set(ctx, id.LocalOriginator, []rpc.SetOp{{Path: path, Value: []byte(pattern)}}, wire.TSAny)
	if status != wire.StatusOK {
		l.handles.Delete(handle)
		return "", fmt.Errorf("register %s %q: %w", base, pattern, status)
	}
	return guid, nil
}

func (l *Local) deregister(ctx context.Context, base, guid string) error {
	var handle uint64
	var pid, hash uint64
	if _, err := fmt.Sscanf(guid, "%x-%x-%x", &pid, &handle, &hash); err == nil {
		l.handles.Delete(handle)
	}
	status := l.e.Set(ctx, id.LocalOriginator, []rpc.SetOp{{Path: base + "/" + guid, Value: nil}}, wire.TSAny)
	if status != wire.StatusOK {
		return fmt.Errorf("deregister %s %s: %w", base, guid, status)
	}
	return nil
}

// Watch registers fn for every change matching pattern. The returned
// GUID deregisters it via Unwatch.
func (l *Local) Watch(ctx context.Context, pattern string, fn WatchFunc) (string, error) {
	return l.register(ctx, WatchersPath, pattern, fn)
}

// Unwatch destroys a watcher registration.
func (l *Local) Unwatch(ctx context.Context, guid string) error {
	return l.deregister(ctx, WatchersPath, guid)
}

// Validate registers fn to veto or approve writes matching pattern.
func (l *Local) Validate(ctx context.Context, pattern string, fn ValidateFunc) (string, error) {
	return l.register(ctx, ValidatorsPath, pattern, fn)
}

// Unvalidate destroys a validator registration.
func (l *Local) Unvalidate(ctx context.Context, guid string) error {
	return l.deregister(ctx, ValidatorsPath, guid)
}

// Provide registers fn to synthesize values for reads below pattern.
func (l *Local) Provide(ctx context.Context, pattern string, fn ProvideFunc) (string, error) {
	return l.register(ctx, ProvidersPath, pattern, fn)
}

// Unprovide destroys a provider registration.
func (l *Local) Unprovide(ctx context.Context, guid string) error {
	return l.deregister(ctx, ProvidersPath, guid)
}

// Refresh registers fn to repopulate stale subtrees below pattern.
func (l *Local) Refresh(ctx context.Context, pattern string, fn RefreshFunc) (string, error) {
	return l.register(ctx, RefreshersPath, pattern, fn)
}

// Unrefresh destroys a refresher registration.
func (l *Local) Unrefresh(ctx context.Context, guid string) error {
	return l.deregister(ctx, RefreshersPath, guid)
}

// Index registers fn to enumerate dynamic children below pattern.
func (l *Local) Index(ctx context.Context, pattern string, fn IndexFunc) (string, error) {
	return l.register(ctx, IndexersPath, pattern, fn)
}

// Unindex destroys an indexer registration.
func (l *Local) Unindex(ctx context.Context, guid string) error {
	return l.deregister(ctx, IndexersPath, guid)
}

// Proxy forwards the subtree matching pattern to the remote at uri
// ("unix://..." or "tcp://..."). The registry value is the URI with the
// pattern appended after the final colon, mirroring how remote clients
// encode proxies.
func (l *Local) Proxy(ctx context.Context, pattern, uri string) (string, error) {
	return l.register(ctx, ProxiesPath, uri+":"+pattern, nil)
}

// Unproxy destroys a proxy registration.
func (l *Local) Unproxy(ctx context.Context, guid string) error {
	return l.deregister(ctx, ProxiesPath, guid)
}

// WatchTree registers fn to receive prune events below pattern as a
// single tree-shaped event.
func (l *Local) WatchTree(ctx context.Context, pattern string, fn WatchTreeFunc) (string, error) {
	return l.register(ctx, WatchTreesPath, pattern, fn)
}

// UnwatchTree destroys a watch_tree registration.
func (l *Local) UnwatchTree(ctx context.Context, guid string) error {
	return l.deregister(ctx, WatchTreesPath, guid)
}

// HashPattern hashes a registration pattern for the third field of a
// GUID.
func HashPattern(pattern string) uint64 {
	h := fnv.New32a()
	h.Write([]byte(pattern))
	return uint64(h.Sum32())
}
