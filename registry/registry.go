package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry is the callback registry: one wildcard trie per kind, plus
// a guid -> record index so registrations can be created and destroyed
// by path write. Its own RW lock guards every trie and the guid index;
// lock ordering is registry -> refresh cache -> tree, and no callback
// is ever invoked while this lock is held.
type Registry struct {
	mu     sync.RWMutex
	tries  [numKinds]*trieNode
	byGUID map[string]*Record

	seq uint64
	lg  *zap.Logger

	refresh *RefreshCache
}

// New creates an empty registry.
func New(lg *zap.Logger) *Registry {
	if lg == nil {
		lg = zap.NewNop()
	}
	r := &Registry{byGUID: make(map[string]*Record), lg: lg}
	for i := range r.tries {
		r.tries[i] = newTrieNode()
	}
	r.refresh = newRefreshCache()
	return r
}

// Refresh returns the refresh cache owned by this registry.
func (r *Registry) Refresh() *RefreshCache { return r.refresh }

// Register inserts rec into the trie for its Kind and indexes it by
// GUID. Returns false if a record with the same GUID already exists;
// callers replacing a registration Deregister the old one first.
func (r *Registry) Register(rec *Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byGUID[rec.GUID]; exists {
		return false
	}
	r.seq++
	rec.regSeq = r.seq
	r.tries[rec.Kind].insert(patternSegments(rec.Pattern), rec)
	r.byGUID[rec.GUID] = rec
	return true
}

// Deregister disables and removes rec from its trie and the GUID
// index. The record is not mutated further once removed, but any
// in-flight dispatch holding a reference (Take'n) may still complete;
// Go's GC reclaims it once the last reference drops.
func (r *Registry) Deregister(guid string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byGUID[guid]
	if !ok {
		return nil
	}
	rec.Disable()
	delete(r.byGUID, guid)
	r.tries[rec.Kind].remove(patternSegments(rec.Pattern), rec)
	return rec
}

// Lookup returns the record registered under guid, if any, without
// removing it.
func (r *Registry) Lookup(guid string) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byGUID[guid]
}

// Match returns every enabled record of kind whose pattern matches path
// exactly, most-specific first (fewer wildcard hops, then registration
// order), each with its refcount incremented. Callers must Release each
// returned record once done dispatching to it.
func (r *Registry) Match(kind Kind, path string) []*Record {
	segs := patternSegments(path)

	r.mu.RLock()
	var candidates []matchCandidate
	r.tries[kind].matchAll(segs, 0, &candidates)
	r.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].wildcards != candidates[j].wildcards {
			return candidates[i].wildcards < candidates[j].wildcards
		}
		return candidates[i].rec.regSeq < candidates[j].rec.regSeq
	})

	out := make([]*Record, 0, len(candidates))
	for _, c := range candidates {
		if c.rec.Disabled() {
			continue
		}
		c.rec.Take()
		out = append(out, c.rec)
	}
	return out
}

// Search returns every enabled record of kind that could produce a
// child of prefix (i.e. is registered exactly one segment below the
// trie position reached by prefix), each with its refcount incremented.
func (r *Registry) Search(kind Kind, prefix string) []*Record {
	segs := patternSegments(prefix)

	r.mu.RLock()
	var recs []*Record
	r.tries[kind].searchChildren(segs, &recs)
	r.mu.RUnlock()

	out := make([]*Record, 0, len(recs))
	for _, rec := range recs {
		if rec.Disabled() {
			continue
		}
		rec.Take()
		out = append(out, rec)
	}
	return out
}

// Exists is a cheap predicate: does any record of kind exist at or
// below prefix, used to decide whether to consult indexers/providers/
// refreshers during search/traverse without paying for a full Match.
func (r *Registry) Exists(kind Kind, prefix string) bool {
	segs := patternSegments(prefix)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tries[kind].existsAt(segs)
}

// Under returns every enabled record of kind whose pattern lies at or
// below the trie position reached by prefix (descending through both
// literal and wildcard edges), each with its refcount incremented. The
// read-side dispatch uses this to find the refreshers a traverse will
// cross on its way down.
func (r *Registry) Under(kind Kind, prefix string) []*Record {
	segs := patternSegments(prefix)

	r.mu.RLock()
	var recs []*Record
	r.tries[kind].collectUnder(segs, &recs)
	r.mu.RUnlock()

	out := make([]*Record, 0, len(recs))
	for _, rec := range recs {
		if rec.Disabled() {
			continue
		}
		rec.Take()
		out = append(out, rec)
	}
	return out
}

// ForEach calls fn for every enabled record of kind, used by the
// built-in statistics refresher to walk registrations without reaching
// into trie internals.
func (r *Registry) ForEach(kind Kind, fn func(*Record)) {
	r.mu.RLock()
	var all []*Record
	collectAll(r.tries[kind], &all)
	r.mu.RUnlock()

	for _, rec := range all {
		if !rec.Disabled() {
			fn(rec)
		}
	}
}

func collectAll(n *trieNode, out *[]*Record) {
	*out = append(*out, n.records...)
	for _, c := range n.children {
		collectAll(c, out)
	}
	if n.wildcard != nil {
		collectAll(n.wildcard, out)
	}
}

// NowMicros returns the current time in microseconds since epoch, the
// unit used throughout for node timestamps and refresh deadlines.
func NowMicros() uint64 {
	return uint64(time.Now().UnixNano() / int64(time.Microsecond))
}
