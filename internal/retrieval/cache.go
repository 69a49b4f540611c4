package retrieval

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheEntry struct {
	results  []*ScoredLearning
	storedAt time.Time
}

// resultCache is an LRU of recent search results with a TTL. Entries are
// checked against the TTL on read and dropped lazily; writes to learnings
// clear the whole cache through the event bus.
type resultCache struct {
	lru *lru.Cache[string, cacheEntry]
	ttl time.Duration
}

func newResultCache(size int, ttl time.Duration) *resultCache {
	if size <= 0 {
		size = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cache, _ := lru.New[string, cacheEntry](size)
	return &resultCache{lru: cache, ttl: ttl}
}

func (c *resultCache) Get(key string) ([]*ScoredLearning, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) > c.ttl {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.results, true
}

func (c *resultCache) Put(key string, results []*ScoredLearning) {
	c.lru.Add(key, cacheEntry{results: results, storedAt: time.Now()})
}

func (c *resultCache) Clear() {
	c.lru.Purge()
}

func (c *resultCache) Len() int {
	return c.lru.Len()
}

// cacheKey identifies one search by everything that can change its result
// set: the query text, the limit, and the caller's scope.
func cacheKey(query string, limit int, scope Scope) string {
	agent := "orchestrator"
	if scope.AgentID != nil {
		agent = fmt.Sprintf("%d", *scope.AgentID)
	}
	return fmt.Sprintf("%s|%d|%s|%t|%s", query, limit, agent, scope.IncludeShared, scope.ProjectPath)
}
