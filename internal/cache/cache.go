package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// VectorCache defines a generic interface for caching encoder outputs.
type VectorCache interface {
	// Get retrieves a vector from the cache.
	Get(key uint64) ([]float32, bool)
	// Put stores a vector in the cache.
	Put(key uint64, vec []float32)
	// Size returns the number of items in the cache.
	Size() int
}

// LRUCache is a bounded in-memory VectorCache that evicts the least recently
// used entry once full.
type LRUCache struct {
	data *lru.Cache[uint64, []float32]
}

// NewLRUCache creates a cache holding at most size vectors.
func NewLRUCache(size int) (*LRUCache, error) {
	c, err := lru.New[uint64, []float32](size)
	if err != nil {
		return nil, err
	}
	return &LRUCache{data: c}, nil
}

func (c *LRUCache) Get(key uint64) ([]float32, bool) {
	v, ok := c.data.Get(key)
	if !ok {
		return nil, false
	}
	// Return copy to avoid modification of cached value
	dst := make([]float32, len(v))
	copy(dst, v)
	return dst, true
}

func (c *LRUCache) Put(key uint64, vec []float32) {
	// Store copy
	dst := make([]float32, len(vec))
	copy(dst, vec)
	c.data.Add(key, dst)
}

func (c *LRUCache) Size() int {
	return c.data.Len()
}
