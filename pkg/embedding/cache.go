package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is an expiring LRU of query vectors keyed by model and text. A Client
// consults it on Embed only; hits skip the rate gate and the breaker.
type Cache struct {
	lru *expirable.LRU[string, []float32]
}

// NewCache returns a cache of size entries living for ttl, or nil when
// either is non-positive. A nil *Cache disables caching.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	return &Cache{lru: expirable.NewLRU[string, []float32](size, nil, ttl)}
}

func (c *Cache) get(model, text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	vec, ok := c.lru.Get(cacheKey(model, text))
	if !ok {
		return nil, false
	}
	return clone(vec), true
}

func (c *Cache) add(model, text string, vec []float32) {
	if c == nil {
		return
	}
	c.lru.Add(cacheKey(model, text), clone(vec))
}

// Len reports the number of cached vectors.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func clone(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
