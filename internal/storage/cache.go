package storage

import (
	"context"
	"sync"
)

// Cache fronts a Store with one in-memory shadow per vnode. Reads are
// served from the shadow once loaded; writes go to the backing store
// first and only then update the shadow, so the cache never reflects a
// write that did not durably succeed.
//
// Operations on the same vnode serialize on the entry lock, so
// LoadKeys observes every previously completed mutation. Operations on
// different vnodes are independent.
type Cache struct {
	backing Store

	mu      sync.Mutex
	entries map[uint32]*cacheEntry
}

type cacheEntry struct {
	mu     sync.Mutex
	loaded bool
	keys   map[string]struct{}
}

// NewCache creates a cache over the given backing store.
func NewCache(backing Store) *Cache {
	return &Cache{
		backing: backing,
		entries: make(map[uint32]*cacheEntry),
	}
}

func (c *Cache) entry(vnode uint32) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[vnode]
	if e == nil {
		e = &cacheEntry{keys: make(map[string]struct{})}
		c.entries[vnode] = e
	}
	return e
}

// ensureLoaded populates the entry from the backing store. Caller
// holds e.mu.
func (c *Cache) ensureLoaded(ctx context.Context, e *cacheEntry, vnode uint32) error {
	if e.loaded {
		return nil
	}
	keys, err := c.backing.LoadKeys(ctx, vnode)
	if err != nil {
		return err
	}
	for _, k := range keys {
		e.keys[k] = struct{}{}
	}
	e.loaded = true
	return nil
}

// LoadKeys returns the current key set for the vnode, reading through
// to the backing store on a cache miss.
func (c *Cache) LoadKeys(ctx context.Context, vnode uint32) ([]string, error) {
	e := c.entry(vnode)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := c.ensureLoaded(ctx, e, vnode); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(e.keys))
	for k := range e.keys {
		out = append(out, k)
	}
	return out, nil
}

// AddKey adds key to the vnode's set, durably and in cache. The entry
// is populated before the write so the shadow stays a complete view.
func (c *Cache) AddKey(ctx context.Context, vnode uint32, key string) error {
	e := c.entry(vnode)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := c.ensureLoaded(ctx, e, vnode); err != nil {
		return err
	}
	if err := c.backing.AddKey(ctx, vnode, key); err != nil {
		return err
	}
	e.keys[key] = struct{}{}
	return nil
}

// RemoveKey removes key from the vnode's set, durably and in cache.
// Absent keys are a no-op.
func (c *Cache) RemoveKey(ctx context.Context, vnode uint32, key string) error {
	e := c.entry(vnode)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := c.backing.RemoveKey(ctx, vnode, key); err != nil {
		return err
	}
	delete(e.keys, key)
	return nil
}

// Release drops the in-memory entry for the vnode without touching
// persistence. The next access reads through again. An operation
// already holding the old entry completes against the backing store;
// only its shadow update is lost.
func (c *Cache) Release(vnode uint32) {
	c.mu.Lock()
	delete(c.entries, vnode)
	c.mu.Unlock()
}
