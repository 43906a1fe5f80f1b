package apteryxserver

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/apteryxio/apteryxd/dispatch"
	"github.com/apteryxio/apteryxd/id"
	"github.com/apteryxio/apteryxd/registry"
	"github.com/apteryxio/apteryxd/rpc"
	"github.com/apteryxio/apteryxd/store"
	"github.com/apteryxio/apteryxd/wire"
)

// Set implements rpc.Handler.Set: a single (path, value) write when
// len(ops) == 1, or an atomic multi-path set_tree when there are more,
// with an optional compare-and-swap against expectedTs. The returned
// status is visible to the caller as soon as the mutation is; queued
// watchers run asynchronously (use SetWait to block on them).
func (e *Engine) Set(ctx context.Context, orig id.Originator, ops []rpc.SetOp, expectedTs uint64) wire.Status {
	status, batch := e.setOps(ctx, orig, ops, expectedTs)
	if status == wire.StatusOK && batch != nil && anyConfigPath(ops) {
		// Writes under /apteryx/ reconfigure the daemon itself; the
		// reply must not race the registry update they trigger, so the
		// internal watcher backlog is drained before acknowledging.
		if err := batch.Wait(ctx); err != nil {
			return wire.StatusETIMEDOUT
		}
	}
	return status
}

func anyConfigPath(ops []rpc.SetOp) bool {
	for _, op := range ops {
		if strings.HasPrefix(op.Path, "/apteryx/") {
			return true
		}
	}
	return false
}

// SetWait is the library-level counterpart to Set used by in-process
// callers that must observe watcher completion before returning. The
// wire protocol's SET opcode carries no such flag, so only Go callers
// reach this entry point. A watcher issuing SetWait attributed to its
// own originator would deadlock on its own backlog; the reentrancy
// marker detects that and the call fails with timed out instead.
func (e *Engine) SetWait(ctx context.Context, orig id.Originator, ops []rpc.SetOp, expectedTs uint64) wire.Status {
	if dispatch.IsReentrant(ctx, orig) {
		return wire.StatusETIMEDOUT
	}
	status, batch := e.setOps(ctx, orig, ops, expectedTs)
	if status != wire.StatusOK {
		return status
	}
	if err := batch.Wait(ctx); err != nil {
		return wire.StatusETIMEDOUT
	}
	return wire.StatusOK
}

// setOps runs the full validate -> apply -> watch pipeline. Validators
// run first over every path; any veto aborts the whole batch before a
// single leaf is visible. All leaves are then applied under one hold of
// the tree's write lock so observers see either the prior state or the
// full post-state. Watchers are enqueued after the lock is released, in
// leaf order, on the originator's FIFO queue.
func (e *Engine) setOps(ctx context.Context, orig id.Originator, ops []rpc.SetOp, expectedTs uint64) (wire.Status, *dispatch.Batch) {
	if e.counters != nil {
		e.counters.Set.Inc()
	}
	if len(ops) == 0 {
		return wire.StatusOK, e.disp.Enqueue(orig, nil)
	}

	if len(ops) == 1 {
		if uri, ok := e.proxiedURI(ops[0].Path); ok {
			if e.counters != nil {
				e.counters.Proxied.Inc()
			}
			status, err := e.proxy.Set(ctx, uri, ops[0].Path, ops[0].Value, expectedTs)
			if err == nil {
				return status, e.disp.Enqueue(orig, nil)
			}
			e.lg.Warn("proxy set failed, falling through to local tree",
				zap.String("uri", uri), zap.Error(err))
		}
	}

	for _, op := range ops {
		if !validPath(op.Path) {
			if e.counters != nil {
				e.counters.SetInvalid.Inc()
			}
			return wire.StatusEINVAL, nil
		}
	}

	for _, op := range ops {
		if status := e.runValidators(ctx, op.Path, op.Value); status != wire.StatusOK {
			if e.counters != nil {
				e.counters.SetInvalid.Inc()
			}
			return status, nil
		}
	}

	status := wire.StatusOK
	now := e.nowUs()
	e.tree.WithWriteLock(func(m *store.Mutator) {
		if expectedTs != wire.TSAny {
			root := commonRoot(ops)
			if actual := m.Timestamp(root); actual != expectedTs {
				status = wire.StatusEBUSY
				return
			}
		}
		ts := m.NextStamp(now)
		for _, op := range ops {
			m.Add(op.Path, op.Value, ts)
		}
	})
	if status != wire.StatusOK {
		return status, nil
	}

	var tasks []dispatch.Task
	for _, op := range ops {
		tasks = append(tasks, e.watcherTasks(op.Path, op.Value)...)
	}
	return wire.StatusOK, e.disp.Enqueue(orig, tasks)
}

// Prune implements rpc.Handler.Prune: remove the subtree, stamp the
// ancestors, then deliver one watcher event per removed leaf (value
// empty to signal deletion) and a single tree-shaped watch_tree event.
// The CAS compare and the removal happen under one hold of the write
// lock, so a concurrent search sees either the full pre-prune listing
// or nothing.
func (e *Engine) Prune(ctx context.Context, orig id.Originator, path string, expectedTs uint64) wire.Status {
	if e.counters != nil {
		e.counters.Prune.Inc()
	}
	if uri, ok := e.proxiedURI(path); ok {
		if e.counters != nil {
			e.counters.Proxied.Inc()
		}
		status, err := e.proxy.Prune(ctx, uri, path, expectedTs)
		if err == nil {
			return status
		}
		e.lg.Warn("proxy prune failed, falling through to local tree",
			zap.String("uri", uri), zap.Error(err))
	}
	if !validPath(path) {
		return wire.StatusEINVAL
	}

	status := wire.StatusOK
	var removed []store.Removed
	now := e.nowUs()
	e.tree.WithWriteLock(func(m *store.Mutator) {
		if expectedTs != 0 && expectedTs != wire.TSAny {
			if actual := m.Timestamp(path); actual != expectedTs {
				status = wire.StatusEBUSY
				return
			}
		}
		removed = m.Prune(path, m.NextStamp(now))
	})
	if status != wire.StatusOK {
		return status
	}

	var tasks []dispatch.Task
	for _, r := range removed {
		tasks = append(tasks, e.watcherTasks(r.Path, nil)...)
	}
	tasks = append(tasks, e.watchTreeTasks(path, removed)...)
	e.disp.Enqueue(orig, tasks)
	return wire.StatusOK
}

// proxiedURI returns the URI of the most-specific enabled proxy
// covering path, if any. A proxy's trailing-* pattern captures the
// whole subtree below its boundary, so every ancestor prefix of path is
// tried, deepest first. Proxy forwarding requires a dialing client to
// have been installed.
func (e *Engine) proxiedURI(path string) (string, bool) {
	if e.proxy == nil || !e.reg.Exists(registry.Proxy, firstSegmentPrefix(path)) {
		return "", false
	}
	prefixes := ancestorPrefixes(path)
	for i := len(prefixes) - 1; i >= 0; i-- {
		recs := e.reg.Match(registry.Proxy, prefixes[i])
		uri := ""
		if len(recs) > 0 {
			uri = recs[0].URI
		}
		releaseAll(recs)
		if uri != "" {
			return uri, true
		}
	}
	return "", false
}

// validPath refuses relative paths, empty segments and trailing
// slashes; concrete operation paths never carry the registry's pattern
// syntax.
func validPath(path string) bool {
	if len(path) < 2 || path[0] != '/' {
		return false
	}
	if strings.HasSuffix(path, "/") {
		return false
	}
	return !strings.Contains(path, "//")
}

// commonRoot returns the longest common path prefix of every op's path,
// used as the CAS comparison point for a multi-path set_tree (the
// timestamp of the document's root path).
func commonRoot(ops []rpc.SetOp) string {
	if len(ops) == 0 {
		return "/"
	}
	segs := pathSegments(ops[0].Path)
	for _, op := range ops[1:] {
		other := pathSegments(op.Path)
		n := 0
		for n < len(segs) && n < len(other) && segs[n] == other[n] {
			n++
		}
		segs = segs[:n]
	}
	if len(segs) == 0 {
		return "/"
	}
	return "/" + strings.Join(segs, "/")
}

func pathSegments(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
