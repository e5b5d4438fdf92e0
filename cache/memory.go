package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache implements the Store interface in memory. It applies the same
// freshness bound on read as DynamoStore and is primarily intended for tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration

	// Now is swapped in tests to control freshness.
	Now func() time.Time
}

// NewMemoryCache creates an empty MemoryCache with the given freshness bound.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]Entry),
		ttl:     ttl,
		Now:     time.Now,
	}
}

// LookupBatch returns the fresh entries for the requested phones.
func (c *MemoryCache) LookupBatch(ctx context.Context, phones []string) (map[string]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cutoff := c.Now().Add(-c.ttl)
	out := make(map[string]Entry)
	for _, phone := range phones {
		entry, ok := c.entries[phone]
		if !ok || entry.LastChecked.Before(cutoff) {
			continue
		}
		out[phone] = entry
	}
	return out, nil
}

// Upsert stores a verdict stamped with the current time.
func (c *MemoryCache) Upsert(ctx context.Context, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.LastChecked = c.Now()
	c.entries[entry.E164] = entry
	return nil
}

// Delete removes the entry for a phone.
func (c *MemoryCache) Delete(ctx context.Context, e164 string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, e164)
	return nil
}

// Len returns the number of stored entries, fresh or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
