package ledger

import (
	"sync"
	"time"

	"goodmarket/models"
)

type cacheEntry struct {
	balance models.GameBalance
	expires time.Time
}

// balanceCache is a bounded TTL cache private to the ledger read path. Writes
// invalidate synchronously, so a caller that writes then reads never observes
// a stale value. Writes folded into an enclosing transaction invalidate after
// that transaction commits, via Flush.
type balanceCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

func newBalanceCache(ttl time.Duration, now func() time.Time) *balanceCache {
	return &balanceCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     now,
	}
}

func (c *balanceCache) get(wallet string) (models.GameBalance, bool) {
	c.mu.RLock()
	entry, ok := c.entries[wallet]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		return entry.balance, true
	}
	if ok {
		c.mu.Lock()
		delete(c.entries, wallet)
		c.mu.Unlock()
	}
	return models.GameBalance{}, false
}

func (c *balanceCache) set(wallet string, balance models.GameBalance) {
	c.mu.Lock()
	c.entries[wallet] = cacheEntry{balance: balance, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *balanceCache) invalidate(wallet string) {
	c.mu.Lock()
	delete(c.entries, wallet)
	c.mu.Unlock()
}
