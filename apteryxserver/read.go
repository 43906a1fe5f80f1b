package apteryxserver

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/apteryxio/apteryxd/id"
	"github.com/apteryxio/apteryxd/registry"
	"github.com/apteryxio/apteryxd/store"
	"github.com/apteryxio/apteryxd/wire"
)

// Get implements rpc.Handler.Get: the composed read. Refreshers
// covering the path run first (bounded by the refresh cache's TTL
// ledger), then the tree is consulted, and only if the tree holds no
// value is the most-specific provider invoked. A stored value shadows a
// provider for the same path.
func (e *Engine) Get(ctx context.Context, orig id.Originator, path string) ([]byte, bool) {
	if e.counters != nil {
		e.counters.Get.Inc()
	}
	if uri, ok := e.proxiedURI(path); ok {
		if e.counters != nil {
			e.counters.Proxied.Inc()
		}
		value, found, err := e.proxy.Get(ctx, uri, path)
		if err == nil {
			return value, found
		}
		e.lg.Warn("proxy get failed, falling through to local tree",
			zap.String("uri", uri), zap.Error(err))
	}
	if !validPath(path) {
		return nil, false
	}

	e.runRefreshers(ctx, path)

	if value, ok := e.tree.Get(path); ok {
		return value, true
	}

	if value, ok := e.provide(ctx, path); ok {
		return value, true
	}
	if e.counters != nil {
		e.counters.GetInvalid.Inc()
	}
	return nil, false
}

// provide invokes the most-specific provider registered for path, if
// any. Providers that fail or time out are treated as "no data from
// this source"; there is no fallback to less-specific providers once
// one has been chosen.
func (e *Engine) provide(ctx context.Context, path string) ([]byte, bool) {
	recs := e.reg.Match(registry.Provide, path)
	defer releaseAll(recs)

	for _, rec := range recs {
		fn, ok := rec.Fn.(ProvideFunc)
		if !ok {
			continue
		}
		if e.counters != nil {
			e.counters.Provided.Inc()
		}
		cctx, cancel := context.WithTimeout(ctx, e.callbackTimeout)
		start := time.Now()
		type result struct {
			value []byte
			ok    bool
		}
		resultC := make(chan result, 1)
		go func() {
			v, ok := fn(cctx, path)
			resultC <- result{v, ok}
		}()
		select {
		case r := <-resultC:
			cancel()
			rec.Stats.Observe(uint64(time.Since(start).Microseconds()))
			return r.value, r.ok
		case <-cctx.Done():
			cancel()
			e.lg.Warn("provider timed out", zap.String("guid", rec.GUID), zap.String("path", path))
			return nil, false
		}
	}
	return nil, false
}

// runRefreshers finds every refresher whose pattern matches path or one
// of its ancestor prefixes (a trailing-* pattern covers reads below its
// boundary) and invokes each stale one through the TTL ledger. The
// refresher writes back into the tree via Set under its own originator
// before the read proceeds.
func (e *Engine) runRefreshers(ctx context.Context, path string) {
	if !e.reg.Exists(registry.Refresh, firstSegmentPrefix(path)) {
		return
	}

	seen := make(map[string]bool)
	for _, prefix := range ancestorPrefixes(path) {
		recs := e.reg.Match(registry.Refresh, prefix)
		for _, rec := range recs {
			if seen[rec.GUID] {
				rec.Release()
				continue
			}
			seen[rec.GUID] = true
			e.invokeRefresher(ctx, rec, prefix)
			rec.Release()
		}
	}
}

// invokeRefresher runs one refresher for prefix if the (pattern,
// prefix) ledger entry is stale, recording the TTL it returns.
func (e *Engine) invokeRefresher(ctx context.Context, rec *registry.Record, prefix string) {
	fn, ok := rec.Fn.(RefreshFunc)
	if !ok {
		return
	}
	err := e.reg.Refresh().Invoke(rec.Pattern, prefix, e.nowUs(), func() (uint64, error) {
		if e.counters != nil {
			e.counters.Refreshed.Inc()
		}
		cctx, cancel := context.WithTimeout(ctx, e.callbackTimeout)
		defer cancel()

		type result struct {
			ttl uint64
			err error
		}
		resultC := make(chan result, 1)
		start := time.Now()
		go func() {
			ttl, err := fn(cctx, prefix)
			resultC <- result{ttl, err}
		}()
		select {
		case r := <-resultC:
			rec.Stats.Observe(uint64(time.Since(start).Microseconds()))
			return r.ttl, r.err
		case <-cctx.Done():
			return 0, cctx.Err()
		}
	})
	if err != nil {
		e.lg.Warn("refresher failed", zap.String("guid", rec.GUID),
			zap.String("prefix", prefix), zap.Error(err))
	}
}

// Search implements rpc.Handler.Search: merge the tree's immediate
// children of prefix with the paths emitted by matching indexers,
// deduplicated on full path and ordered by segment. Providers are not
// walked; their leaf paths appear only if previously stored.
func (e *Engine) Search(ctx context.Context, orig id.Originator, prefix string) []string {
	if e.counters != nil {
		e.counters.Search.Inc()
	}
	if uri, ok := e.proxiedURI(prefix); ok {
		if e.counters != nil {
			e.counters.Proxied.Inc()
		}
		paths, err := e.proxy.Search(ctx, uri, prefix)
		if err == nil {
			return paths
		}
		e.lg.Warn("proxy search failed, falling through to local tree",
			zap.String("uri", uri), zap.Error(err))
	}

	clean := strings.TrimSuffix(prefix, "/")
	if clean == "" {
		clean = "/"
	}

	e.runRefreshers(ctx, clean)

	merged := make(map[string]bool)
	for _, p := range e.tree.Search(clean) {
		merged[p] = true
	}
	for _, p := range e.indexedChildren(ctx, clean) {
		merged[p] = true
	}

	out := make([]string, 0, len(merged))
	for p := range merged {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// indexedChildren collects child paths from indexers registered at
// prefix (wildcard-expanded) or one level below it, keeping only
// immediate children of prefix.
func (e *Engine) indexedChildren(ctx context.Context, prefix string) []string {
	if !e.reg.Exists(registry.Index, firstSegmentPrefix(prefix)) {
		return nil
	}

	recs := e.reg.Match(registry.Index, prefix)
	recs = append(recs, e.reg.Search(registry.Index, prefix)...)

	seen := make(map[string]bool)
	var out []string
	for _, rec := range recs {
		if seen[rec.GUID] {
			rec.Release()
			continue
		}
		seen[rec.GUID] = true
		fn, ok := rec.Fn.(IndexFunc)
		if !ok {
			rec.Release()
			continue
		}
		if e.counters != nil {
			e.counters.Indexed.Inc()
		}
		start := time.Now()
		paths, err := fn(ctx, prefix)
		rec.Stats.Observe(uint64(time.Since(start).Microseconds()))
		rec.Release()
		if err != nil {
			e.lg.Warn("indexer failed", zap.String("guid", rec.GUID), zap.Error(err))
			continue
		}
		for _, p := range paths {
			if isImmediateChild(prefix, p) {
				out = append(out, p)
			}
		}
	}
	return out
}

func isImmediateChild(prefix, path string) bool {
	base := prefix
	if base != "/" {
		base += "/"
	}
	if !strings.HasPrefix(path, base) {
		return false
	}
	rest := path[len(base):]
	return rest != "" && !strings.Contains(rest, "/")
}

// Traverse implements rpc.Handler.Traverse: the entire value-bearing
// subtree at path as wire leaves, after running every refresher whose
// pattern falls at or below the traversal root.
func (e *Engine) Traverse(ctx context.Context, orig id.Originator, path string) []wire.Leaf {
	if e.counters != nil {
		e.counters.Traverse.Inc()
	}
	clean := strings.TrimSuffix(path, "/")
	if clean == "" {
		clean = "/"
	}

	e.runRefreshers(ctx, clean)
	for _, rec := range e.reg.Under(registry.Refresh, clean) {
		prefix := concretePrefix(rec.Pattern)
		e.invokeRefresher(ctx, rec, prefix)
		rec.Release()
	}

	root := e.tree.Traverse(clean)
	if root == nil {
		return nil
	}
	var leaves []wire.Leaf
	flattenTree(root, &leaves)
	return leaves
}

func flattenTree(n *store.TreeNode, out *[]wire.Leaf) {
	if n.Value != nil {
		*out = append(*out, wire.Leaf{Path: n.Path, Value: n.Value})
	}
	for _, c := range n.Children {
		flattenTree(c, out)
	}
}

// concretePrefix truncates a pattern at its first wildcard segment,
// yielding the deepest concrete path the pattern covers.
func concretePrefix(pattern string) string {
	segs := strings.Split(strings.Trim(pattern, "/"), "/")
	var kept []string
	for _, s := range segs {
		if s == "*" || s == "" {
			break
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return "/"
	}
	return "/" + strings.Join(kept, "/")
}

// Query implements rpc.Handler.Query: a server-side batch of get/search
// calls described by a template. Each template leaf path may contain *
// segments; a trailing * selects the whole subtree below each
// expansion.
func (e *Engine) Query(ctx context.Context, orig id.Originator, template []wire.Leaf) []wire.Leaf {
	if e.counters != nil {
		e.counters.Query.Inc()
	}
	seen := make(map[string]bool)
	var out []wire.Leaf
	for _, tmpl := range template {
		if strings.HasSuffix(tmpl.Path, "/*") {
			base := strings.TrimSuffix(tmpl.Path, "/*")
			for _, root := range e.expandPattern(ctx, orig, base) {
				for _, leaf := range e.Traverse(ctx, orig, root) {
					if !seen[leaf.Path] {
						seen[leaf.Path] = true
						out = append(out, leaf)
					}
				}
			}
			continue
		}
		for _, concrete := range e.expandPattern(ctx, orig, tmpl.Path) {
			if seen[concrete] {
				continue
			}
			if value, ok := e.Get(ctx, orig, concrete); ok {
				seen[concrete] = true
				out = append(out, wire.Leaf{Path: concrete, Value: value})
			}
		}
	}
	return out
}

// Find implements rpc.Handler.Find: pattern names candidate roots (its
// * segments are expanded via search); each filter is a leaf path
// relative to a candidate root plus the value it must hold. A root
// matches when every filter leaf reads back equal; filters AND
// together (find_tree's multi-leaf form, with the single-leaf find
// being the one-filter case).
func (e *Engine) Find(ctx context.Context, orig id.Originator, pattern string, filters []wire.Leaf) []string {
	if e.counters != nil {
		e.counters.Find.Inc()
	}
	var out []string
	for _, root := range e.expandPattern(ctx, orig, pattern) {
		matched := true
		for _, f := range filters {
			leafPath := root
			if f.Path != "" {
				leafPath = root + "/" + strings.TrimPrefix(f.Path, "/")
			}
			value, ok := e.Get(ctx, orig, leafPath)
			if !ok || !bytes.Equal(value, f.Value) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, root)
		}
	}
	if len(out) == 0 && e.counters != nil {
		e.counters.FindInvalid.Inc()
	}
	sort.Strings(out)
	return out
}

// expandPattern resolves the * segments of pattern into concrete paths
// using the composed Search (so indexer-emitted children participate in
// matching).
func (e *Engine) expandPattern(ctx context.Context, orig id.Originator, pattern string) []string {
	segs := strings.Split(strings.Trim(pattern, "/"), "/")
	paths := []string{""}
	for _, seg := range segs {
		if seg == "" {
			continue
		}
		var next []string
		for _, base := range paths {
			if seg == "*" {
				prefix := base
				if prefix == "" {
					prefix = "/"
				}
				next = append(next, e.Search(ctx, orig, prefix)...)
			} else {
				next = append(next, base+"/"+seg)
			}
		}
		paths = next
	}
	out := paths[:0]
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Timestamp implements rpc.Handler.Timestamp.
func (e *Engine) Timestamp(ctx context.Context, orig id.Originator, path string) uint64 {
	if e.counters != nil {
		e.counters.Timestamp.Inc()
	}
	if uri, ok := e.proxiedURI(path); ok {
		if e.counters != nil {
			e.counters.Proxied.Inc()
		}
		ts, err := e.proxy.Timestamp(ctx, uri, path)
		if err == nil {
			return ts
		}
		e.lg.Warn("proxy timestamp failed, falling through to local tree",
			zap.String("uri", uri), zap.Error(err))
	}
	return e.tree.Timestamp(path)
}

// Memuse implements rpc.Handler.Memuse.
func (e *Engine) Memuse(ctx context.Context, orig id.Originator, path string) uint64 {
	if e.counters != nil {
		e.counters.Memuse.Inc()
	}
	return e.tree.Memuse(path)
}

// ancestorPrefixes returns every prefix of path from the first segment
// down to path itself: /a, /a/b, /a/b/c for /a/b/c.
func ancestorPrefixes(path string) []string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	out := make([]string, 0, len(segs))
	cur := ""
	for _, s := range segs {
		if s == "" {
			continue
		}
		cur += "/" + s
		out = append(out, cur)
	}
	return out
}

// firstSegmentPrefix returns path's first segment ("/test" for
// /test/a/b), the cheapest prefix for an Exists probe.
func firstSegmentPrefix(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return "/" + trimmed
}
