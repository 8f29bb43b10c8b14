package envelope

import (
	"fmt"
	"sync"
	"time"
)

const defaultReplayCacheCapacity = 4096

// ReplayCache is a bounded, ttl-windowed record of observed message ids;
// it backstops the envelope ttl check against in-window rebroadcasts,
// including envelopes replayed across nodes by a third party
type ReplayCache struct {
	capacity int
	entries  map[string]time.Time
	order    []string
	mutex    sync.Mutex
}

// NewReplayCache initializes a replay cache bounded to the given number of
// entries; a non-positive capacity resolves to the default
func NewReplayCache(capacity int) *ReplayCache {
	if capacity <= 0 {
		capacity = defaultReplayCacheCapacity
	}
	return &ReplayCache{
		capacity: capacity,
		entries:  map[string]time.Time{},
		order:    make([]string, 0, capacity),
	}
}

// Observe records the given (node, message id) pair and reports whether it
// had already been observed inside its ttl window; a zero ttl never expires
func (c *ReplayCache) Observe(nodePubkey, messageID string, ttl time.Duration) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	key := fmt.Sprintf("%s:%s", nodePubkey, messageID)

	if expiry, ok := c.entries[key]; ok {
		if expiry.IsZero() || now.Before(expiry) {
			return true
		}
	}

	for len(c.order) >= c.capacity {
		evicted := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, evicted)
	}

	var expiry time.Time
	if ttl > 0 {
		expiry = now.Add(ttl)
	}
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = expiry
	return false
}

// Len returns the number of tracked message ids
func (c *ReplayCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}
