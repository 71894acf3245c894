package idrepo

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// dnCache maps "name,type" keys to DNs. A nil cache is disabled.
//
// mu makes the read-and-refresh in get atomic with respect to invalidate,
// so an invalidated DN is never re-added by a concurrent get.
type dnCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, string]
}

func newDNCache(cfg *Config) *dnCache {
	if !cfg.DNCacheEnabled {
		return nil
	}
	return &dnCache{lru: expirable.NewLRU[string, string](cfg.DNCacheSize, nil, cfg.dnCacheTTL())}
}

func dnCacheKey(name string, t IdType) string {
	return name + "," + t.String()
}

// get returns the cached DN and refreshes the entry's idle timer.
func (c *dnCache) get(name string, t IdType) (string, bool) {
	if c == nil {
		return "", false
	}
	key := dnCacheKey(name, t)

	c.mu.Lock()
	defer c.mu.Unlock()
	dn, ok := c.lru.Get(key)
	if ok {
		c.lru.Add(key, dn)
	}
	return dn, ok
}

func (c *dnCache) put(name string, t IdType, dn string) {
	if c == nil || dn == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(dnCacheKey(name, t), dn)
}

func (c *dnCache) invalidate(name string, t IdType) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(dnCacheKey(name, t))
}

func (c *dnCache) purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

func (c *dnCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
