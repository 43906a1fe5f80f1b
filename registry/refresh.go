package registry

import "sync"

// refreshKey identifies one (pattern, prefix) pair in the ledger.
type refreshKey struct {
	pattern string
	prefix  string
}

type ledgerEntry struct {
	mu        sync.Mutex
	expiresAt uint64
}

// RefreshCache remembers which (pattern, prefix) pairs were recently
// refreshed so repeated reads within a TTL skip the callback. Expired
// entries stay in the map (only Forget removes one); a missing entry or
// now >= expiresAt means the
// handler runs on the next read that enters the subtree. Each entry
// has its own lock so concurrent readers colliding on the same pair
// serialize and the callback runs at most once per staleness window,
// while unrelated pairs proceed independently.
type RefreshCache struct {
	mu      sync.Mutex
	entries map[refreshKey]*ledgerEntry
}

func newRefreshCache() *RefreshCache {
	return &RefreshCache{entries: make(map[refreshKey]*ledgerEntry)}
}

func (c *RefreshCache) entryFor(pattern, prefix string) *ledgerEntry {
	key := refreshKey{pattern: pattern, prefix: prefix}
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &ledgerEntry{}
		c.entries[key] = e
	}
	c.mu.Unlock()
	return e
}

// Invoke runs fn if the (pattern, prefix) entry is missing or expired,
// recording expiresAt = now + ttlUs on success (ttlUs == 0 means "always
// stale", so fn runs on every call). fn's returned error leaves the
// entry expired so the next read retries.
func (c *RefreshCache) Invoke(pattern, prefix string, now uint64, fn func() (ttlUs uint64, err error)) error {
	e := c.entryFor(pattern, prefix)
	e.mu.Lock()
	defer e.mu.Unlock()

	if now < e.expiresAt {
		return nil
	}

	ttl, err := fn()
	if err != nil {
		return err
	}
	if ttl == 0 {
		e.expiresAt = 0
	} else {
		e.expiresAt = now + ttl
	}
	return nil
}

// Forget drops the ledger entry for (pattern, prefix), used when a
// refresher is deregistered so a stale TTL can't mask its removal.
func (c *RefreshCache) Forget(pattern, prefix string) {
	c.mu.Lock()
	delete(c.entries, refreshKey{pattern: pattern, prefix: prefix})
	c.mu.Unlock()
}
