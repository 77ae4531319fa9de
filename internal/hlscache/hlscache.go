// Package hlscache holds the transient state a rewritten HLS manifest needs
// between the moment it is served and the moment its chunk tokens are
// redeemed: the chunk-token -> upstream-URL mapping, expired after a short
// TTL via a periodic sweep rather than per-entry timers (the ticker-driven
// sweep is the idiomatic stdlib equivalent the teacher reaches for whenever
// it needs recurring background work, e.g. the indexer's smoke-test worker
// loop).
package hlscache

import (
	"sync"
	"time"
)

// EntryTTL is how long a chunk-token mapping stays valid after insertion.
const EntryTTL = 10 * time.Minute

// sweepInterval is how often expired entries are purged.
const sweepInterval = 1 * time.Minute

// HlsEntry is one cached token-to-target binding.
type HlsEntry struct {
	TargetURL    string
	ProviderName string
	VirtualID    uint32
	expiresAt    time.Time
}

// Cache is a token -> HlsEntry map with TTL-based expiry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]HlsEntry
	stop    chan struct{}
	stopped bool
}

// New starts a Cache with its background sweep goroutine running.
func New() *Cache {
	c := &Cache{
		entries: make(map[string]HlsEntry),
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Put inserts or refreshes the mapping for token, valid for EntryTTL.
func (c *Cache) Put(tok string, entry HlsEntry) {
	entry.expiresAt = time.Now().Add(EntryTTL)
	c.mu.Lock()
	c.entries[tok] = entry
	c.mu.Unlock()
}

// Get looks up token, returning ok=false if absent or expired.
func (c *Cache) Get(tok string) (HlsEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[tok]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return HlsEntry{}, false
	}
	return entry, true
}

// Len reports the number of live (not yet swept) entries, for metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	for tok, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, tok)
		}
	}
	c.mu.Unlock()
}

// Close stops the background sweep goroutine.
func (c *Cache) Close() {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stop)
}
