// Package pcache provides a TTL'd cache of recently resolved rows,
// keyed by DID or AT-URI. A hit means the row existed within the TTL
// and skips the database probe entirely.
package pcache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Cache[V any] struct {
	lru *expirable.LRU[string, V]
}

func New[V any](size int, ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		lru: expirable.NewLRU[string, V](size, nil, ttl),
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	return c.lru.Get(key)
}

// Has goes through Get because the underlying Contains does not check
// entry expiry.
func (c *Cache[V]) Has(key string) bool {
	_, ok := c.lru.Get(key)
	return ok
}

func (c *Cache[V]) Add(key string, val V) {
	c.lru.Add(key, val)
}

// Remove drops key; deletes and updates must call this so the cache
// never outlives the row it vouches for.
func (c *Cache[V]) Remove(key string) {
	c.lru.Remove(key)
}

func (c *Cache[V]) Len() int {
	return c.lru.Len()
}
