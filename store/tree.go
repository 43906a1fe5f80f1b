package store

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Removed is one (path, prior value) pair yielded by a Prune, in
// pre-order, so callers can build watcher/watch_tree payloads.
type Removed struct {
	Path  string
	Prior []byte
}

// TreeNode is a deep-copied, value-bearing view of a subtree returned by
// Traverse. Children are sorted by segment.
type TreeNode struct {
	Path     string
	Value    []byte
	Children []*TreeNode
}

// Tree is the path tree. A single reader/writer lock guards the
// whole structure: reads take the read lock, mutations take the write
// lock, and multi-path mutations (through WithWriteLock) hold the write
// lock for their entire duration so observers never see a partial overlay.
type Tree struct {
	mu   sync.RWMutex
	root *node
	lg   *zap.Logger

	// lastStamp is the most recently issued timestamp, used to bump
	// colliding writes by 1us so distinct writes are strictly ordered.
	lastStamp uint64
}

// New creates an empty path tree.
func New(lg *zap.Logger) *Tree {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Tree{root: newNode("", nil), lg: lg}
}

// NextStamp returns a timestamp usable for the next mutation: max(now,
// lastStamp+1). The tree keeps track of the last stamp it issued so that
// two mutations arriving within the same microsecond still get strictly
// increasing timestamps.
func (t *Tree) NextStamp(now uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextStampLocked(now)
}

func (t *Tree) nextStampLocked(now uint64) uint64 {
	if now <= t.lastStamp {
		now = t.lastStamp + 1
	}
	t.lastStamp = now
	return now
}

// walk descends existing nodes along segs, returning the deepest node
// found and the index of the first missing segment (== len(segs) if the
// full path exists).
func (t *Tree) walk(segs []string) (*node, int) {
	cur := t.root
	for i, s := range segs {
		next, ok := cur.children[s]
		if !ok {
			return cur, i
		}
		cur = next
	}
	return cur, len(segs)
}

// Add creates intermediate nodes as needed and sets the leaf value,
// stamping the leaf and every ancestor with ts. If path already exists
// with a stamp at or past ts, the write is stamped with the next free
// stamp after it instead, so distinct writes to one path are strictly
// ordered. A write of the empty byte string deletes the leaf unless it
// still has descendants with values, in which case it becomes a pure
// branch. Returns the prior value (nil if none) for watcher payload
// construction.
func (t *Tree) Add(path string, value []byte, ts uint64) (prior []byte, changed bool) {
	segs := splitPath(path)

	t.mu.Lock()
	defer t.mu.Unlock()
	if n, depth := t.walk(segs); depth == len(segs) && ts <= n.modified {
		ts = t.nextStampLocked(n.modified + 1)
	}
	return t.addLocked(segs, value, ts)
}

func (t *Tree) addLocked(segs []string, value []byte, ts uint64) (prior []byte, changed bool) {
	cur := t.root
	for _, s := range segs {
		if cur.children == nil {
			cur.children = make(map[string]*node)
		}
		next, ok := cur.children[s]
		if !ok {
			next = newNode(s, cur)
			cur.children[s] = next
		}
		cur = next
	}

	prior = cur.value
	isDelete := len(value) == 0

	if isDelete {
		cur.value = nil
		t.pruneEmptyLocked(cur)
	} else {
		cur.value = append([]byte(nil), value...)
	}

	t.stampAncestorsLocked(cur, ts)
	return prior, true
}

// pruneEmptyLocked removes n and any now-empty ancestor that has
// neither a value nor remaining children, stopping at root.
func (t *Tree) pruneEmptyLocked(n *node) {
	for n.parent != nil && !n.hasValue() && len(n.children) == 0 {
		parent := n.parent
		delete(parent.children, n.segment)
		n = parent
	}
}

// stampAncestorsLocked restamps n and every ancestor up to root with
// max(existing, ts).
func (t *Tree) stampAncestorsLocked(n *node, ts uint64) {
	for cur := n; cur != nil; cur = cur.parent {
		if ts > cur.modified {
			cur.modified = ts
		}
	}
}

// Get performs an exact lookup.
func (t *Tree) Get(path string) (value []byte, ok bool) {
	segs := splitPath(path)

	t.mu.RLock()
	defer t.mu.RUnlock()
	n, depth := t.walk(segs)
	if depth != len(segs) || !n.hasValue() {
		return nil, false
	}
	return append([]byte(nil), n.value...), true
}

// Search returns the sorted, immediate children of prefix that either
// carry a value or have a value-bearing descendant.
func (t *Tree) Search(prefix string) []string {
	segs := splitPath(prefix)

	t.mu.RLock()
	defer t.mu.RUnlock()
	n, depth := t.walk(segs)
	if depth != len(segs) {
		return nil
	}
	return t.childPathsLocked(n)
}

func (t *Tree) childPathsLocked(n *node) []string {
	names := make([]string, 0, len(n.children))
	for name, c := range n.children {
		if c.hasValue() || len(c.children) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	base := n.path()
	out := make([]string, len(names))
	for i, name := range names {
		if base == "/" {
			out[i] = "/" + name
		} else {
			out[i] = base + "/" + name
		}
	}
	return out
}

// Prune removes the subtree rooted at path, stamps the ancestor chain,
// and returns the (path, prior value) pairs removed in pre-order.
func (t *Tree) Prune(path string, ts uint64) []Removed {
	segs := splitPath(path)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked(segs, ts)
}

func (t *Tree) pruneLocked(segs []string, ts uint64) []Removed {
	n, depth := t.walk(segs)
	if depth != len(segs) {
		return nil
	}

	var removed []Removed
	collectPreorder(n, &removed)
	if len(removed) == 0 {
		return nil
	}

	if n.parent == nil {
		n.children = nil
		n.value = nil
	} else {
		delete(n.parent.children, n.segment)
		t.stampAncestorsLocked(n.parent, ts)
	}
	return removed
}

func collectPreorder(n *node, out *[]Removed) {
	if n.hasValue() {
		*out = append(*out, Removed{Path: n.path(), Prior: append([]byte(nil), n.value...)})
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		collectPreorder(n.children[name], out)
	}
}

// Traverse returns a deep copy of every value-bearing descendant of
// path, including path itself if it has a value.
func (t *Tree) Traverse(path string) *TreeNode {
	segs := splitPath(path)

	t.mu.RLock()
	defer t.mu.RUnlock()
	n, depth := t.walk(segs)
	if depth != len(segs) {
		return nil
	}
	tn := copyTree(n)
	if tn == nil {
		return nil
	}
	return tn
}

func copyTree(n *node) *TreeNode {
	if !n.hasValue() && len(n.children) == 0 {
		return nil
	}
	tn := &TreeNode{Path: n.path()}
	if n.hasValue() {
		tn.Value = append([]byte(nil), n.value...)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if c := copyTree(n.children[name]); c != nil {
			tn.Children = append(tn.Children, c)
		}
	}
	return tn
}

// Leaf is one value-bearing node with its stamp, as exported for the
// snapshot sidecar.
type Leaf struct {
	Path     string
	Value    []byte
	Modified uint64
}

// Export returns every value-bearing node in the tree with its stamp,
// in pre-order, under one hold of the read lock.
func (t *Tree) Export() []Leaf {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Leaf
	exportLeaves(t.root, &out)
	return out
}

func exportLeaves(n *node, out *[]Leaf) {
	if n.hasValue() {
		*out = append(*out, Leaf{
			Path:     n.path(),
			Value:    append([]byte(nil), n.value...),
			Modified: n.modified,
		})
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		exportLeaves(n.children[name], out)
	}
}

// Timestamp returns the most-recent stamp anywhere in path's subtree (or
// its own stamp for a leaf). Returns 0 if path does not exist.
func (t *Tree) Timestamp(path string) uint64 {
	segs := splitPath(path)

	t.mu.RLock()
	defer t.mu.RUnlock()
	n, depth := t.walk(segs)
	if depth != len(segs) {
		return 0
	}
	return n.modified
}

// Memuse sums value bytes plus per-node overhead under path.
func (t *Tree) Memuse(path string) uint64 {
	segs := splitPath(path)

	t.mu.RLock()
	defer t.mu.RUnlock()
	n, depth := t.walk(segs)
	if depth != len(segs) {
		return 0
	}
	return n.memuse()
}

// WithWriteLock runs fn with the tree's write lock held, passing a
// mutator closure. Used by the engine's set and prune in apteryxserver so
// timestamp compare -> apply is atomic with respect to every other
// writer without exposing node internals outside this package.
func (t *Tree) WithWriteLock(fn func(m *Mutator)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&Mutator{t: t})
}

// Mutator is the write-locked view of the tree handed to callers of
// WithWriteLock.
type Mutator struct{ t *Tree }

// Timestamp reads path's timestamp without re-acquiring the lock.
func (m *Mutator) Timestamp(path string) uint64 {
	segs := splitPath(path)
	n, depth := m.t.walk(segs)
	if depth != len(segs) {
		return 0
	}
	return n.modified
}

// NextStamp issues a strictly-increasing stamp without re-acquiring the
// lock.
func (m *Mutator) NextStamp(now uint64) uint64 {
	return m.t.nextStampLocked(now)
}

// Get reads path's value without re-acquiring the lock.
func (m *Mutator) Get(path string) (value []byte, ok bool) {
	segs := splitPath(path)
	n, depth := m.t.walk(segs)
	if depth != len(segs) || !n.hasValue() {
		return nil, false
	}
	return append([]byte(nil), n.value...), true
}

// Add applies a single leaf write without re-acquiring the lock.
func (m *Mutator) Add(path string, value []byte, ts uint64) (prior []byte) {
	prior, _ = m.t.addLocked(splitPath(path), value, ts)
	return prior
}

// Prune removes path's subtree without re-acquiring the lock, so a CAS
// timestamp compare and the removal are atomic with respect to every
// other writer.
func (m *Mutator) Prune(path string, ts uint64) []Removed {
	return m.t.pruneLocked(splitPath(path), ts)
}
