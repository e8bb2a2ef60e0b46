package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock drives the sent cache's sliding window in tests.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
}

func TestSentCache_FirstInsertEmits(t *testing.T) {
	clock := newFakeClock()
	c := NewSentCache(10, time.Minute, 0.2, clock.now)

	assert.True(t, c.Insert("flag\x00user\x00true"))
	assert.False(t, c.Insert("flag\x00user\x00true"), "repeat observation is suppressed")
	assert.True(t, c.Insert("flag\x00user\x00false"), "a changed value is a new tuple")
	assert.Equal(t, 2, c.Len())
}

func TestSentCache_SlidingExpiration(t *testing.T) {
	clock := newFakeClock()
	c := NewSentCache(10, time.Minute, 0.2, clock.now)

	assert.True(t, c.Insert("k"))

	// Touches inside the window keep sliding it forward.
	clock.advance(40 * time.Second)
	assert.False(t, c.Insert("k"))
	clock.advance(40 * time.Second)
	assert.False(t, c.Insert("k"), "window slid on the previous touch")

	// Past the window the tuple emits again.
	clock.advance(2 * time.Minute)
	assert.True(t, c.Insert("k"))
}

func TestSentCache_ExpiredEntriesEvictedOnInsert(t *testing.T) {
	clock := newFakeClock()
	c := NewSentCache(10, time.Minute, 0.2, clock.now)

	c.Insert("old-1")
	c.Insert("old-2")
	clock.advance(2 * time.Minute)

	c.Insert("fresh")
	assert.Equal(t, 1, c.Len(), "expired entries are dropped before inserting")
}

func TestSentCache_CompactionOnOverflow(t *testing.T) {
	clock := newFakeClock()
	c := NewSentCache(2, time.Hour, 0.5, clock.now)

	assert.True(t, c.Insert("first"))
	clock.advance(time.Second)
	assert.True(t, c.Insert("second"))
	clock.advance(time.Second)

	// Limit reached: each new tuple first compacts the oldest
	// ceil(limit*fraction) entries to make room.
	assert.True(t, c.Insert("third"))
	assert.Equal(t, 2, c.Len())

	// "first" was compacted out, so it emits again; that insert in turn
	// compacts "second", now the oldest.
	assert.True(t, c.Insert("first"))
	assert.True(t, c.Insert("second"))
	assert.Equal(t, 2, c.Len())

	// Entries still resident keep suppressing.
	assert.False(t, c.Insert("second"))
}

func TestSentCache_CompactionDropsAtLeastOne(t *testing.T) {
	clock := newFakeClock()
	c := NewSentCache(100, time.Hour, 0.2, clock.now)

	for i := 0; i < 100; i++ {
		assert.True(t, c.Insert(fmt.Sprintf("key-%d", i)))
		clock.advance(time.Millisecond)
	}
	assert.Equal(t, 100, c.Len())

	// ceil(100 * 0.2) = 20 oldest entries make room for the new one.
	assert.True(t, c.Insert("overflow"))
	assert.Equal(t, 81, c.Len())
	assert.True(t, c.Insert("key-0"), "compacted entries emit again")
	assert.False(t, c.Insert("key-99"), "recent entries survive compaction")
}

func TestSentCache_TouchReordersEviction(t *testing.T) {
	clock := newFakeClock()
	c := NewSentCache(2, time.Hour, 0.5, clock.now)

	c.Insert("a")
	clock.advance(time.Second)
	c.Insert("b")
	clock.advance(time.Second)

	// Touching "a" moves it behind "b" in eviction order.
	c.Insert("a")
	clock.advance(time.Second)

	c.Insert("c")
	assert.False(t, c.Insert("a"), "recently touched entry survived")
	assert.True(t, c.Insert("b"), "least recently touched entry was compacted")
}
