package p2p

import (
	"sync"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

// DefaultSeenCacheSize bounds how many superblock payload hashes are
// remembered.
const DefaultSeenCacheSize = 1024

// SeenCache remembers recently forwarded payload hashes so that a
// superblock republished under a new gossip sequence number reaches the
// finality listener only once. Fixed-size ring buffer; the oldest hash is
// forgotten first.
type SeenCache struct {
	mu       sync.Mutex
	hashes   map[types.Hash]struct{}
	ring     []types.Hash
	pos      int
	capacity int
}

// NewSeenCache creates a cache with the given capacity.
func NewSeenCache(capacity int) *SeenCache {
	if capacity <= 0 {
		capacity = DefaultSeenCacheSize
	}
	return &SeenCache{
		hashes:   make(map[types.Hash]struct{}, capacity),
		ring:     make([]types.Hash, capacity),
		capacity: capacity,
	}
}

// Observe records hash and reports whether it is new.
func (c *SeenCache) Observe(hash types.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.hashes[hash]; ok {
		return false
	}

	if old := c.ring[c.pos]; !old.IsZero() {
		delete(c.hashes, old)
	}

	c.ring[c.pos] = hash
	c.hashes[hash] = struct{}{}
	c.pos = (c.pos + 1) % c.capacity
	return true
}

// Contains checks if a hash is in the cache.
func (c *SeenCache) Contains(hash types.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.hashes[hash]
	return ok
}

// Len returns the current number of entries.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hashes)
}
