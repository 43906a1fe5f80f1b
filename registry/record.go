// Package registry implements the callback registry and refresh cache:
// watcher/validator/provider/refresher/indexer/proxy registrations
// keyed by possibly-wildcarded paths, with longest-prefix
// (most-specific-first) matching, search, and prefix-exists queries.
package registry

import (
	"fmt"
	"sync/atomic"
)

// Kind is one of the six callback kinds plus the tree-shaped watch
// variant fired by Prune.
type Kind int

const (
	Watch Kind = iota
	Validate
	Provide
	Refresh
	Index
	Proxy
	WatchTree
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Watch:
		return "watch"
	case Validate:
		return "validate"
	case Provide:
		return "provide"
	case Refresh:
		return "refresh"
	case Index:
		return "index"
	case Proxy:
		return "proxy"
	case WatchTree:
		return "watch_tree"
	default:
		return "unknown"
	}
}

// Stats tracks {count, min, max, total} call durations per
// registration, consulted by the built-in /apteryx/statistics/*
// refresher.
type Stats struct {
	count atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
	total atomic.Uint64
}

// Observe records one callback invocation's duration in microseconds.
func (s *Stats) Observe(durationUs uint64) {
	s.count.Add(1)
	s.total.Add(durationUs)
	for {
		cur := s.min.Load()
		if cur != 0 && cur <= durationUs {
			break
		}
		if s.min.CompareAndSwap(cur, durationUs) {
			break
		}
	}
	for {
		cur := s.max.Load()
		if cur >= durationUs {
			break
		}
		if s.max.CompareAndSwap(cur, durationUs) {
			break
		}
	}
}

// Snapshot returns the component values of the "count,min,avg,max"
// statistics string.
func (s *Stats) Snapshot() (count, min, avg, max uint64) {
	count = s.count.Load()
	min = s.min.Load()
	max = s.max.Load()
	total := s.total.Load()
	if count > 0 {
		avg = total / count
	}
	return
}

// Record is a single callback registration. Key is the (pid, handle,
// hash) triple; GUID is its "%x-%x-%x" hex encoding, so a write to
// /apteryx/<kind>s/<guid> round-trips.
type Record struct {
	GUID    string
	Kind    Kind
	Pattern string
	Pid     uint64
	Handle  uint64
	Hash    uint64
	URI     string // proxy target, e.g. "tcp://host:port"

	Fn interface{} // callback closure; concrete type depends on Kind

	Stats Stats

	refcount atomic.Int32
	disabled atomic.Bool

	// regSeq preserves insertion order for match tie-breaking.
	regSeq uint64
}

// MakeGUID hex-encodes the (pid, handle, hash) triple.
func MakeGUID(pid, handle, hash uint64) string {
	return fmt.Sprintf("%x-%x-%x", pid, handle, hash)
}

// Take increments the refcount; callers of Match/Search must call this
// (implicitly done by the registry) and Release when finished.
func (r *Record) Take() { r.refcount.Add(1) }

// Release decrements the refcount.
func (r *Record) Release() { r.refcount.Add(-1) }

// Disable marks the record so future dispatches skip it, without
// freeing it while a dispatch may still be in flight.
func (r *Record) Disable() { r.disabled.Store(true) }

// Disabled reports whether the record has been destroyed.
func (r *Record) Disabled() bool { return r.disabled.Load() }
