// Package cache provides the in-memory caching layers used by the retrieval
// pipeline: an LRU embedding cache and a TTL retrieval-result cache.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// EmbeddingCacheConfig defines embedding cache limits
type EmbeddingCacheConfig struct {
	MaxEntries int           `json:"max_entries"`
	TTL        time.Duration `json:"ttl"`
}

// DefaultEmbeddingCacheConfig returns the standard limits
func DefaultEmbeddingCacheConfig() *EmbeddingCacheConfig {
	return &EmbeddingCacheConfig{
		MaxEntries: 1000,
		TTL:        24 * time.Hour,
	}
}

type embeddingEntry struct {
	key       string
	vector    []float32
	expiresAt time.Time
}

// EmbeddingCache is a thread-safe LRU cache keyed by a SHA-256 digest of the
// input text. Entries expire after the configured TTL.
type EmbeddingCache struct {
	config *EmbeddingCacheConfig
	mutex  sync.Mutex
	order  *list.List
	items  map[string]*list.Element
	stats  Stats
	now    func() time.Time
}

// NewEmbeddingCache creates an embedding cache, falling back to defaults
// when config is nil.
func NewEmbeddingCache(config *EmbeddingCacheConfig) *EmbeddingCache {
	if config == nil {
		config = DefaultEmbeddingCacheConfig()
	}
	return &EmbeddingCache{
		config: config,
		order:  list.New(),
		items:  make(map[string]*list.Element),
		now:    time.Now,
	}
}

// Key derives the cache key for a text input
func Key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached vector for the text, if present and fresh
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	key := Key(text)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	entry := elem.Value.(*embeddingEntry)
	if c.now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, key)
		c.stats.Misses++
		c.stats.Expirations++
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.stats.Hits++
	return entry.vector, true
}

// Put stores a vector for the text, evicting the least recently used entry
// when the cache is full.
func (c *EmbeddingCache) Put(text string, vector []float32) {
	key := Key(text)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*embeddingEntry)
		entry.vector = vector
		entry.expiresAt = c.now().Add(c.config.TTL)
		c.order.MoveToFront(elem)
		return
	}

	for len(c.items) >= c.config.MaxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*embeddingEntry).key)
		c.stats.Evictions++
	}

	entry := &embeddingEntry{key: key, vector: vector, expiresAt: c.now().Add(c.config.TTL)}
	c.items[key] = c.order.PushFront(entry)
	c.stats.Sets++
}

// Len returns the number of cached entries
func (c *EmbeddingCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of cache statistics
func (c *EmbeddingCache) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	s := c.stats
	s.Items = len(c.items)
	return s
}
