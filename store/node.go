// Package store implements the in-memory path tree: the canonical
// key/value store behind Apteryx. Paths are slash-separated; each node
// carries an optional value, a last-modified timestamp in microseconds,
// and a recursive memory-usage estimate.
package store

import "strings"

// nodeOverheadBytes approximates the per-node bookkeeping cost counted
// by Memuse, independent of the bytes held in Value.
const nodeOverheadBytes = 64

// node is an internal element of the path tree. The root node has a nil
// parent and an empty segment name.
type node struct {
	segment  string
	parent   *node
	children map[string]*node
	value    []byte
	modified uint64
}

func newNode(segment string, parent *node) *node {
	return &node{segment: segment, parent: parent}
}

// hasValue reports whether this node carries a stored value (as opposed
// to being a pure branch that only exists because of its descendants).
func (n *node) hasValue() bool {
	return n.value != nil
}

func (n *node) path() string {
	if n.parent == nil {
		return "/"
	}
	segs := []string{}
	for cur := n; cur.parent != nil; cur = cur.parent {
		segs = append([]string{cur.segment}, segs...)
	}
	return "/" + strings.Join(segs, "/")
}

func (n *node) memuse() uint64 {
	total := uint64(nodeOverheadBytes + len(n.value))
	for _, c := range n.children {
		total += c.memuse()
	}
	return total
}

// splitPath breaks "/a/b/c" into ["a","b","c"]. The root path "/" splits
// to an empty slice. Trailing slashes are preserved by the caller (the
// registry needs them to recognise "one level below" patterns); here we
// only ever look at concrete, non-wildcard paths coming from C4.
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
