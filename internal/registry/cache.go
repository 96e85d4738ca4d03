package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// ToolCache caches definitions per server+tool with stale-while-revalidate.
// A nil definition is cached too, so unregistered tools do not hit the
// database on every call.
type ToolCache struct {
	entries sync.Map // cacheKey -> *toolCacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type toolCacheEntry struct {
	tool       *ToolDefinition
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Tool         *ToolDefinition
	Hit          bool
	NeedsRefresh bool // set for exactly one reader of an expired entry
}

func NewToolCache(ttl time.Duration) *ToolCache {
	return &ToolCache{ttl: ttl, now: time.Now}
}

func cacheKey(serverID, toolName string) string {
	return serverID + "\x00" + toolName
}

func (c *ToolCache) Get(serverID, toolName string) CacheGetResult {
	val, ok := c.entries.Load(cacheKey(serverID, toolName))
	if !ok {
		return CacheGetResult{}
	}
	entry := val.(*toolCacheEntry)
	res := CacheGetResult{Tool: entry.tool, Hit: true}
	if !c.now().Before(entry.expiresAt) {
		res.NeedsRefresh = entry.refreshing.CompareAndSwap(false, true)
	}
	return res
}

// Set stores td (nil for "not registered") with a fresh TTL.
func (c *ToolCache) Set(serverID, toolName string, td *ToolDefinition) {
	c.entries.Store(cacheKey(serverID, toolName), &toolCacheEntry{
		tool:      td,
		expiresAt: c.now().Add(c.ttl),
	})
}

func (c *ToolCache) Delete(serverID, toolName string) {
	c.entries.Delete(cacheKey(serverID, toolName))
}

// releaseRefresh lets the next stale read retry a failed refresh.
func (c *ToolCache) releaseRefresh(serverID, toolName string) {
	if val, ok := c.entries.Load(cacheKey(serverID, toolName)); ok {
		val.(*toolCacheEntry).refreshing.Store(false)
	}
}
