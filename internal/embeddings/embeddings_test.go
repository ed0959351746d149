package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emr-query-engine/internal/cache"
)

func TestMockService_Deterministic(t *testing.T) {
	svc := NewMockService(64)
	ctx := context.Background()

	a, err := svc.Generate(ctx, "patient has hypertension")
	require.NoError(t, err)
	b, err := svc.Generate(ctx, "patient has hypertension")
	require.NoError(t, err)
	c, err := svc.Generate(ctx, "completely different text")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.Equal(t, 64, svc.Dimensions())
}

func TestMockService_Batch(t *testing.T) {
	svc := NewMockService(32)

	vectors, err := svc.GenerateBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for _, v := range vectors {
		assert.Len(t, v, 32)
	}
}

func TestCachedService_ServesHitsFromCache(t *testing.T) {
	inner := NewMockService(16)
	c := cache.NewEmbeddingCache(nil)
	svc := NewCachedService(inner, c)
	ctx := context.Background()

	first, err := svc.Generate(ctx, "some chunk text")
	require.NoError(t, err)

	second, err := svc.Generate(ctx, "some chunk text")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCachedService_BatchFetchesOnlyMisses(t *testing.T) {
	inner := NewMockService(16)
	c := cache.NewEmbeddingCache(nil)
	svc := NewCachedService(inner, c)
	ctx := context.Background()

	warm, err := svc.Generate(ctx, "warm")
	require.NoError(t, err)

	vectors, err := svc.GenerateBatch(ctx, []string{"warm", "cold"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, warm, vectors[0])
	assert.NotNil(t, vectors[1])

	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.Hits, int64(1))
}

func TestOpenAIService_RequiresKey(t *testing.T) {
	_, err := NewOpenAIService("", nil)
	assert.Error(t, err)
}
