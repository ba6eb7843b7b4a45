package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUCache keeps sessions in process with a fixed TTL per entry.
type LRUCache struct {
	cache *expirable.LRU[string, *Session]
}

func NewLRUCache(maxEntries int, ttl time.Duration) *LRUCache {
	return &LRUCache{cache: expirable.NewLRU[string, *Session](maxEntries, nil, ttl)}
}

func (c *LRUCache) Put(_ context.Context, s *Session) error {
	c.cache.Add(s.ID, s)
	return nil
}

func (c *LRUCache) Get(_ context.Context, id string) (*Session, error) {
	s, ok := c.cache.Get(id)
	if !ok {
		cacheMissesTotal.Inc()
		return nil, ErrNotFound
	}
	cacheHitsTotal.Inc()
	return s, nil
}

func (c *LRUCache) Delete(_ context.Context, id string) error {
	c.cache.Remove(id)
	return nil
}

func (c *LRUCache) Len() int { return c.cache.Len() }
