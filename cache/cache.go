// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

// Package cache provides a keyed in-memory TTL cache for computed
// analytics. Entries expire after the TTL and can be invalidated
// explicitly when new events arrive.
package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     interface{}
	updatedAt time.Time
}

// Cache is a TTL cache keyed by query shape (endpoint + parameters).
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration

	// fillMu serializes recomputation so a cold or expired key is
	// filled once, not once per concurrent caller.
	fillMu sync.Mutex
}

// New creates a cache with the given TTL. A non-positive TTL disables
// expiry; entries then live until invalidated.
func New(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
	}
}

// Get returns the cached value for key if present and fresh.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.updatedAt) >= c.ttl {
		return nil, false
	}
	return e.value, true
}

// Set stores a value under key.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, updatedAt: time.Now()}
}

// UpdatedAt reports when the key was last filled.
func (c *Cache) UpdatedAt(key string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.updatedAt, true
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetOrFill returns the cached value for key, computing and storing it
// with fill when missing or expired. Concurrent fills of the same cache
// are serialized; the winner's value is reused by the rest.
func GetOrFill[T any](ctx context.Context, c *Cache, key string, fill func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		return v.(T), nil
	}

	c.fillMu.Lock()
	defer c.fillMu.Unlock()

	// Double-check after acquiring the fill lock.
	if v, ok := c.Get(key); ok {
		return v.(T), nil
	}

	v, err := fill(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}
