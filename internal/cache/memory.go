package cache

import (
	"context"
	"strings"
	"sync"
)

// MemoryCache is a map-backed cache for tests and local development.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]struct{}
	removed []string
}

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]struct{})}
}

// Put records a key so Remove calls have something to observe.
func (c *MemoryCache) Put(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = struct{}{}
}

// Remove deletes a single key and records the call.
func (c *MemoryCache) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.removed = append(c.removed, key)
	return nil
}

// RemoveByPattern deletes all keys under the prefix and records the call.
func (c *MemoryCache) RemoveByPattern(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.removed = append(c.removed, prefix+"*")
	return nil
}

// Removed returns every key or pattern passed to the removal methods.
func (c *MemoryCache) Removed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.removed))
	copy(out, c.removed)
	return out
}
