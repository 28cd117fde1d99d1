// Package cache provides a bounded, TTL-aware lookup cache that shields the
// store from repeated reads during bursts. It is never authoritative: a miss
// always falls through to the real store, and a hit guarantees nothing
// beyond the configured TTL.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time // zero value means no expiry
}

// Cache is a capacity-bounded key→value store with per-entry TTL and
// least-recently-used eviction once at capacity.
type Cache[K comparable, V any] struct {
	mu  sync.Mutex
	lru *simplelru.LRU[K, entry[V]]

	sweepEvery time.Duration
	stopSweep  chan struct{}
	sweepOnce  sync.Once

	// now is swappable so expiry tests do not sleep.
	now func() time.Time
}

// New builds a cache holding at most capacity entries, proactively sweeping
// expired ones every sweepEvery (0 disables the sweeper).
func New[K comparable, V any](capacity int, sweepEvery time.Duration) (*Cache[K, V], error) {
	lru, err := simplelru.NewLRU[K, entry[V]](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{
		lru:        lru,
		sweepEvery: sweepEvery,
		stopSweep:  make(chan struct{}),
		now:        time.Now,
	}, nil
}

// Get returns the value if present and unexpired. An expired entry is
// evicted lazily on access.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if c.expired(e) {
		c.lru.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set inserts or replaces the key and refreshes its LRU position. When the
// cache is full and the key is new, the least-recently-touched entry is
// evicted first. ttl <= 0 stores the entry without expiry.
func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.lru.Add(key, e)
}

// Remove invalidates a key, typically after the underlying record changed.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Len counts resident entries, expired ones included until swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Sweep purges every expired entry now and reports how many were removed.
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && c.expired(e) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Start launches the periodic sweeper. Safe to call when sweeping is
// disabled.
func (c *Cache[K, V]) Start() {
	if c.sweepEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopSweep:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stop terminates the sweeper.
func (c *Cache[K, V]) Stop() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

func (c *Cache[K, V]) expired(e entry[V]) bool {
	return !e.expiresAt.IsZero() && c.now().After(e.expiresAt)
}
