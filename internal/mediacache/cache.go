package mediacache

import (
	"sync"
	"time"
)

// Entry holds the downloaded payload and metadata of a media message, kept
// around so a later revocation can reconstruct the original content.
type Entry struct {
	Kind           string
	Payload        []byte
	Caption        string
	Mimetype       string
	ImageHostedURL string
	InsertedAt     time.Time
}

// Cache is a process-wide map from message id to media entry with a fixed
// TTL. Entry count is unbounded below the TTL; sustained high media volume
// trades memory for recoverability.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   func() time.Time
	entries map[string]Entry
}

// New creates a cache with the given TTL. A nil clock defaults to time.Now;
// tests inject a fake clock to drive eviction deterministically.
func New(ttl time.Duration, clock func() time.Time) *Cache {
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]Entry),
	}
}

// Put stores an entry under the message id, stamping it with the current
// clock. Expired entries are swept opportunistically first, so the cache
// needs no background scheduler to stay bounded by the TTL.
func (c *Cache) Put(id string, entry Entry) {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(now)
	entry.InsertedAt = now
	c.entries[id] = entry
}

// Get returns the entry for id if present and within TTL. Absence is a
// normal state, not an error: the message may never have carried media or
// its entry may have expired.
func (c *Cache) Get(id string) (Entry, bool) {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	if now.Sub(entry.InsertedAt) > c.ttl {
		delete(c.entries, id)
		return Entry{}, false
	}
	return entry, true
}

// Delete removes an entry, if present.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Sweep removes every entry older than the TTL as of now.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) sweepLocked(now time.Time) int {
	removed := 0
	for id, entry := range c.entries {
		if now.Sub(entry.InsertedAt) > c.ttl {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}
