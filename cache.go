package netrepeater

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CacheItem is a value held by the multi-key cache. Items own resources;
// the cache invokes Terminate before dropping an item, whether it expires
// or the cache itself is terminated.
type CacheItem interface {
	Keys() []string
	Terminate()
}

type cacheEntry struct {
	item   CacheItem
	keys   []string
	expiry time.Time
}

// MultiKeyCache holds items reachable under several keys each, with one
// sliding TTL per item: a hit through any key refreshes the expiry. All the
// keys of an item appear and disappear atomically.
//
// The cache does not lock by itself. Every method expects the mutex given
// to the constructor to be held by the caller; the background reaper takes
// that same mutex, so an entry observed by Get can never be reaped
// concurrently.
type MultiKeyCache struct {
	mu      *sync.Mutex
	ttl     time.Duration
	entries map[string]*cacheEntry

	done      chan struct{}
	closeOnce sync.Once
}

// NewMultiKeyCache returns a cache whose items expire ttl after their last
// hit, and starts the reaper sweeping expired entries in the background.
func NewMultiKeyCache(ttl time.Duration, mu *sync.Mutex) *MultiKeyCache {
	c := &MultiKeyCache{
		mu:      mu,
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
		done:    make(chan struct{}),
	}
	go c.reaper()
	return c
}

// Contains reports whether any item is reachable under the given key.
func (c *MultiKeyCache) Contains(key string) bool {
	_, ok := c.entries[key]
	return ok
}

// Get returns the item reachable under the given key and refreshes its
// expiry. Returns nil if the key is unknown.
func (c *MultiKeyCache) Get(key string) CacheItem {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	e.expiry = time.Now().Add(c.ttl)
	return e.item
}

// Put inserts an item under every one of its keys. Fails without mutating
// the cache if any key is already present.
func (c *MultiKeyCache) Put(item CacheItem) error {
	keys := item.Keys()
	for _, k := range keys {
		if _, ok := c.entries[k]; ok {
			return fmt.Errorf("key already exists in cache: %q", k)
		}
	}
	e := &cacheEntry{
		item:   item,
		keys:   keys,
		expiry: time.Now().Add(c.ttl),
	}
	for _, k := range keys {
		c.entries[k] = e
	}
	return nil
}

// Len returns the number of items (not keys) in the cache.
func (c *MultiKeyCache) Len() int {
	seen := make(map[*cacheEntry]struct{})
	for _, e := range c.entries {
		seen[e] = struct{}{}
	}
	return len(seen)
}

// Terminate stops the reaper, terminates every live item and drops all
// entries. Idempotent.
func (c *MultiKeyCache) Terminate() {
	c.closeOnce.Do(func() { close(c.done) })
	seen := make(map[*cacheEntry]struct{})
	for _, e := range c.entries {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		e.item.Terminate()
	}
	c.entries = make(map[string]*cacheEntry)
}

// reaper periodically sweeps expired entries, terminating each evicted item
// before its keys are dropped.
func (c *MultiKeyCache) reaper() {
	period := c.ttl / 2
	if period < 50*time.Millisecond {
		period = 50 * time.Millisecond
	}
	if period > time.Minute {
		period = time.Minute
	}
	for {
		select {
		case <-c.done:
			return
		case <-time.After(period):
		}

		c.mu.Lock()
		now := time.Now()
		seen := make(map[*cacheEntry]struct{})
		for _, e := range c.entries {
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			if now.After(e.expiry) {
				Log.WithFields(logrus.Fields{
					"keys": e.keys,
				}).Debug("cache entry expired")
				e.item.Terminate()
				for _, k := range e.keys {
					delete(c.entries, k)
				}
			}
		}
		c.mu.Unlock()
	}
}
