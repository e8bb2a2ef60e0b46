package cache

import (
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/OrlandoBitencourt/pennant/internal/decision"
)

// DecisionCache memoizes per-subject flag decisions, keyed by the
// subject fingerprint. Entries are bounded and evicted by ristretto's
// admission policy; nothing is persisted.
type DecisionCache struct {
	store *ristretto.Cache
}

// NewDecisionCache creates a cache bounded to roughly maxEntries
// fingerprints.
func NewDecisionCache(maxEntries int64) (*DecisionCache, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decision cache: %w", err)
	}
	return &DecisionCache{store: store}, nil
}

// Get returns the memoized decisions for a fingerprint.
func (c *DecisionCache) Get(fingerprint string) (map[string]decision.Decision, bool) {
	value, found := c.store.Get(fingerprint)
	if !found {
		return nil, false
	}
	decisions, ok := value.(map[string]decision.Decision)
	return decisions, ok
}

// Set memoizes the decisions for a fingerprint. Each entry costs one
// unit regardless of flag count; the bound is on subjects, not flags.
func (c *DecisionCache) Set(fingerprint string, decisions map[string]decision.Decision) {
	c.store.Set(fingerprint, decisions, 1)
}

// Clear drops every entry, for use when the rule set changes shape
// underneath the cache.
func (c *DecisionCache) Clear() {
	c.store.Clear()
}

// Wait flushes ristretto's set buffers. Only needed by tests that read
// immediately after writing.
func (c *DecisionCache) Wait() {
	c.store.Wait()
}

// Close releases the backing store.
func (c *DecisionCache) Close() {
	c.store.Close()
}
