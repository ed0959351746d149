package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emr-query-engine/pkg/types"
)

func TestEmbeddingCache_PutGet(t *testing.T) {
	c := NewEmbeddingCache(nil)

	vector := []float32{0.1, 0.2, 0.3}
	c.Put("patient has hypertension", vector)

	got, ok := c.Get("patient has hypertension")
	require.True(t, ok)
	assert.Equal(t, vector, got)

	_, ok = c.Get("different text")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate())
}

func TestEmbeddingCache_LRUEviction(t *testing.T) {
	c := NewEmbeddingCache(&EmbeddingCacheConfig{MaxEntries: 3, TTL: time.Hour})

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("text-%d", i), []float32{float32(i)})
	}

	// Touch text-0 so text-1 becomes the LRU victim
	_, ok := c.Get("text-0")
	require.True(t, ok)

	c.Put("text-3", []float32{3})

	_, ok = c.Get("text-1")
	assert.False(t, ok)
	_, ok = c.Get("text-0")
	assert.True(t, ok)
	_, ok = c.Get("text-3")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Len())
}

func TestEmbeddingCache_TTLExpiry(t *testing.T) {
	c := NewEmbeddingCache(&EmbeddingCacheConfig{MaxEntries: 10, TTL: time.Hour})

	current := time.Date(2024, 10, 15, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	c.Put("text", []float32{1})
	_, ok := c.Get("text")
	require.True(t, ok)

	current = current.Add(2 * time.Hour)
	_, ok = c.Get("text")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Expirations)
}

func TestKey_Deterministic(t *testing.T) {
	assert.Equal(t, Key("same input"), Key("same input"))
	assert.NotEqual(t, Key("same input"), Key("other input"))
	assert.Len(t, Key("x"), 64)
}

func TestRetrievalCache_PutGet(t *testing.T) {
	c := NewRetrievalCache(&RetrievalCacheConfig{TTL: 5 * time.Minute})
	defer c.Close()

	result := &types.IntegratedResult{TotalSearched: 42}
	c.Put("key1", result)

	got, ok := c.Get("key1")
	require.True(t, ok)
	assert.Equal(t, 42, got.TotalSearched)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestRetrievalCache_TTLExpiry(t *testing.T) {
	c := NewRetrievalCache(&RetrievalCacheConfig{TTL: 5 * time.Minute})
	defer c.Close()

	current := time.Date(2024, 10, 15, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	c.Put("key1", &types.IntegratedResult{TotalSearched: 1})

	current = current.Add(6 * time.Minute)
	_, ok := c.Get("key1")
	assert.False(t, ok)
}

func TestRetrievalCache_RemoveExpired(t *testing.T) {
	c := NewRetrievalCache(&RetrievalCacheConfig{TTL: time.Minute})
	defer c.Close()

	current := time.Date(2024, 10, 15, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	c.Put("a", &types.IntegratedResult{})
	c.Put("b", &types.IntegratedResult{})

	current = current.Add(2 * time.Minute)
	c.removeExpired()

	assert.Equal(t, 0, c.Stats().Items)
	assert.Equal(t, int64(2), c.Stats().Expirations)
}

func TestRetrievalCache_Invalidate(t *testing.T) {
	c := NewRetrievalCache(&RetrievalCacheConfig{TTL: time.Minute})
	defer c.Close()

	c.Put("a", &types.IntegratedResult{})
	c.Invalidate("a")

	_, ok := c.Get("a")
	assert.False(t, ok)
}
