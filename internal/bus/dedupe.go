package bus

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DedupeCache remembers chat.send idempotency keys so a client retrying
// after a dropped connection does not start a second run. Keys expire after
// the TTL; past maxSize the least recently seen key is evicted.
type DedupeCache struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// NewDedupeCache creates a cache; maxSize 0 means unbounded.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		seen: expirable.NewLRU[string, struct{}](maxSize, nil, ttl),
	}
}

// IsDuplicate reports whether key was seen within the TTL and records it
// when it was not.
func (d *DedupeCache) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Get, unlike Contains, treats stale entries as absent.
	if _, ok := d.seen.Get(key); ok {
		return true
	}
	d.seen.Add(key, struct{}{})
	return false
}

// Forget drops a key so a request rejected before it started can be retried.
func (d *DedupeCache) Forget(key string) {
	d.seen.Remove(key)
}

// Len is the number of live keys.
func (d *DedupeCache) Len() int {
	return d.seen.Len()
}
