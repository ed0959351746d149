package cache

import (
	"sync"
	"time"

	"emr-query-engine/pkg/types"
)

// Stats tracks cache effectiveness counters
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Sets        int64 `json:"sets"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Items       int   `json:"items"`
}

// HitRate returns hits / (hits + misses), or 0 with no lookups
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// RetrievalCacheConfig defines retrieval cache behavior
type RetrievalCacheConfig struct {
	TTL             time.Duration `json:"ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultRetrievalCacheConfig returns the standard 5-minute TTL
func DefaultRetrievalCacheConfig() *RetrievalCacheConfig {
	return &RetrievalCacheConfig{
		TTL:             5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

type retrievalEntry struct {
	result    *types.IntegratedResult
	expiresAt time.Time
}

// RetrievalCache is a TTL cache for integrated retrieval results keyed by a
// deterministic query hash. A background janitor removes expired entries.
type RetrievalCache struct {
	config *RetrievalCacheConfig
	mutex  sync.RWMutex
	store  map[string]retrievalEntry
	stats  Stats
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
}

// NewRetrievalCache creates the cache and starts its janitor
func NewRetrievalCache(config *RetrievalCacheConfig) *RetrievalCache {
	if config == nil {
		config = DefaultRetrievalCacheConfig()
	}
	c := &RetrievalCache{
		config: config,
		store:  make(map[string]retrievalEntry),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go c.janitor()
	}
	return c
}

// Get returns the cached result for the key, if present and fresh
func (c *RetrievalCache) Get(key string) (*types.IntegratedResult, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.store[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.store, key)
		c.stats.Misses++
		c.stats.Expirations++
		return nil, false
	}
	c.stats.Hits++
	return entry.result, true
}

// Put stores a result under the key with the configured TTL
func (c *RetrievalCache) Put(key string, result *types.IntegratedResult) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.store[key] = retrievalEntry{result: result, expiresAt: c.now().Add(c.config.TTL)}
	c.stats.Sets++
}

// Invalidate removes a single entry
func (c *RetrievalCache) Invalidate(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.store, key)
}

// Stats returns a snapshot of cache statistics
func (c *RetrievalCache) Stats() Stats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	s := c.stats
	s.Items = len(c.store)
	return s
}

// Close stops the janitor
func (c *RetrievalCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *RetrievalCache) janitor() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *RetrievalCache) removeExpired() {
	now := c.now()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for key, entry := range c.store {
		if now.After(entry.expiresAt) {
			delete(c.store, key)
			c.stats.Expirations++
		}
	}
}
