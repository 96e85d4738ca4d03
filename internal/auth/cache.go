package auth

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"
)

// principalCache remembers which principal an API key resolved to, so a
// bcrypt comparison is paid once per key per TTL. Entries are keyed by the
// SHA-256 digest of the key; the raw key is never held by the cache.
//
// Past its TTL an entry keeps being served while one caller refreshes it.
type principalCache struct {
	entries sync.Map // [sha256.Size]byte -> *principalEntry
	ttl     time.Duration
	now     func() time.Time
}

type principalEntry struct {
	principal  *Principal
	validUntil time.Time
	refreshing atomic.Bool
}

// cacheLookup is what a read found. refresh is true for exactly one reader of
// a stale entry until the entry is replaced or the refresh is released.
type cacheLookup struct {
	principal *Principal
	found     bool
	refresh   bool
}

func newPrincipalCache(ttl time.Duration) *principalCache {
	return &principalCache{ttl: ttl, now: time.Now}
}

func digest(apiKey string) [sha256.Size]byte {
	return sha256.Sum256([]byte(apiKey))
}

func (c *principalCache) lookup(apiKey string) cacheLookup {
	v, ok := c.entries.Load(digest(apiKey))
	if !ok {
		return cacheLookup{}
	}
	e := v.(*principalEntry)
	res := cacheLookup{principal: e.principal, found: true}
	if !c.now().Before(e.validUntil) {
		res.refresh = e.refreshing.CompareAndSwap(false, true)
	}
	return res
}

func (c *principalCache) store(apiKey string, p *Principal) {
	c.entries.Store(digest(apiKey), &principalEntry{principal: p, validUntil: c.now().Add(c.ttl)})
}

func (c *principalCache) evict(apiKey string) {
	c.entries.Delete(digest(apiKey))
}

// releaseRefresh lets the next stale read retry after a failed refresh.
func (c *principalCache) releaseRefresh(apiKey string) {
	if v, ok := c.entries.Load(digest(apiKey)); ok {
		v.(*principalEntry).refreshing.Store(false)
	}
}
