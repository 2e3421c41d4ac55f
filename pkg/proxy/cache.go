package proxy

import (
	"net/http"
	"sync"
	"time"
)

// CachedResponse is the stored body/headers/status for one cache entry.
type CachedResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

type cacheEntry struct {
	resp      CachedResponse
	expiresAt time.Time
}

// ResponseCache is the TTL- and capacity-bounded proxy response cache keyed
// by method+URL. When full, the oldest entry is evicted first.
type ResponseCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	order      []string // insertion order, oldest first
	maxEntries int
}

// NewResponseCache creates a cache holding at most maxEntries responses.
func NewResponseCache(maxEntries int) *ResponseCache {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	return &ResponseCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
	}
}

// CacheKey derives the lookup key for a request.
func CacheKey(method, target string) string {
	return method + " " + target
}

// Get returns the cached response for the key if present and unexpired.
func (c *ResponseCache) Get(key string, now time.Time) (CachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return CachedResponse{}, false
	}
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		c.dropFromOrder(key)
		return CachedResponse{}, false
	}
	return e.resp, true
}

// Put stores a response under the key with the given TTL, evicting the
// oldest entries when the capacity bound is hit.
func (c *ResponseCache) Put(key string, resp CachedResponse, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.dropFromOrder(key)
	}
	for len(c.entries) >= c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = &cacheEntry{resp: resp, expiresAt: now.Add(ttl)}
	c.order = append(c.order, key)
}

// Len returns the number of stored entries, expired or not.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops every entry. Used on configuration reload so stale policies
// never serve stale bodies.
func (c *ResponseCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.order = nil
}

func (c *ResponseCache) dropFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
