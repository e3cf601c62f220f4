package pipeline

import (
	"sync"
	"time"
)

// dedupeCache remembers recently seen message ids per device for the dedupe
// TTL. Expired entries are swept lazily on insert, so the map stays bounded
// by the live window without a background goroutine.
type dedupeCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	seen  map[string]time.Time
	sweep time.Time
	now   func() time.Time
}

func newDedupeCache(ttl time.Duration) *dedupeCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &dedupeCache{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Seen reports whether the (device, message id) pair was observed within the
// TTL and records the observation either way.
func (c *dedupeCache) Seen(deviceID, messageID string) bool {
	if messageID == "" {
		return false
	}
	key := deviceID + "\x00" + messageID
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.sweep) > c.ttl {
		cutoff := now.Add(-c.ttl)
		for k, ts := range c.seen {
			if ts.Before(cutoff) {
				delete(c.seen, k)
			}
		}
		c.sweep = now
	}

	ts, ok := c.seen[key]
	c.seen[key] = now
	return ok && now.Sub(ts) <= c.ttl
}

func (c *dedupeCache) Clear() {
	c.mu.Lock()
	c.seen = make(map[string]time.Time)
	c.mu.Unlock()
}
