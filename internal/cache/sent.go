package cache

import (
	"container/list"
	"math"
	"sync"
	"time"
)

// SentCache remembers which (flag, distinct id, response) tuples have
// already produced a $feature_flag_called event. Entries slide on every
// observation; when the cache overflows, the oldest fraction is
// compacted away and those tuples emit again on next sight.
type SentCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = least recently touched

	limit      int
	ttl        time.Duration
	compaction float64
	now        func() time.Time
}

type sentEntry struct {
	key     string
	touched time.Time
}

// NewSentCache creates a suppression cache. compaction is the fraction
// of entries dropped when the limit is hit.
func NewSentCache(limit int, ttl time.Duration, compaction float64, now func() time.Time) *SentCache {
	if limit <= 0 {
		limit = 50_000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if compaction <= 0 || compaction > 1 {
		compaction = 0.2
	}
	if now == nil {
		now = time.Now
	}
	return &SentCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		limit:      limit,
		ttl:        ttl,
		compaction: compaction,
		now:        now,
	}
}

// Insert records an observation of the tuple. It returns true when the
// tuple was not live in the cache, i.e. the caller should emit the
// event.
func (c *SentCache) Insert(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if element, ok := c.entries[key]; ok {
		entry := element.Value.(*sentEntry)
		expired := now.Sub(entry.touched) > c.ttl
		entry.touched = now
		c.order.MoveToBack(element)
		return expired
	}

	c.evictExpired(now)
	if len(c.entries) >= c.limit {
		c.compact()
	}

	c.entries[key] = c.order.PushBack(&sentEntry{key: key, touched: now})
	return true
}

// Len reports the number of live entries.
func (c *SentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictExpired drops entries whose sliding window has lapsed. The list
// is ordered by last touch, so the scan stops at the first live entry.
func (c *SentCache) evictExpired(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*sentEntry)
		if now.Sub(entry.touched) <= c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}

// compact removes the configured fraction of oldest entries, at least
// one.
func (c *SentCache) compact() {
	drop := int(math.Ceil(float64(c.limit) * c.compaction))
	if drop < 1 {
		drop = 1
	}
	for i := 0; i < drop; i++ {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*sentEntry)
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}
