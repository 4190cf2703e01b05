package eligibility

import (
	"sync"
	"time"

	canton "github.com/0xsend/canton-gateway"
)

// verdictCache holds computed eligibility results per user id with a fixed
// TTL. Only fully successful computations are stored, so a transient failure
// never poisons subsequent attempts.
type verdictCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	result    *canton.EligibilityResult
	expiresAt time.Time
}

func newVerdictCache(ttl time.Duration) *verdictCache {
	return &verdictCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// get returns the cached verdict for userID if one exists and has not
// expired. Expired entries are removed on read.
func (c *verdictCache) get(userID string) (*canton.EligibilityResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[userID]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, userID)
		return nil, false
	}
	return entry.result, true
}

func (c *verdictCache) put(userID string, result *canton.EligibilityResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = cacheEntry{result: result, expiresAt: c.now().Add(c.ttl)}
}

// clear drops every cached verdict unconditionally.
func (c *verdictCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
