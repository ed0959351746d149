// Package embeddings generates text embeddings for chunks and queries.
package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"emr-query-engine/internal/cache"
	"emr-query-engine/internal/config"
)

// Service defines the interface for generating text embeddings
type Service interface {
	// Generate creates an embedding for a single text
	Generate(ctx context.Context, text string) ([]float32, error)

	// GenerateBatch creates embeddings for multiple texts efficiently
	GenerateBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector width this service produces
	Dimensions() int

	// Model returns the model name
	Model() string

	// HealthCheck verifies the service is reachable
	HealthCheck(ctx context.Context) error
}

// OpenAIService implements Service using the OpenAI embeddings API
type OpenAIService struct {
	client *openai.Client
	config *config.EmbeddingConfig
}

// NewOpenAIService creates the OpenAI-backed embedding service
func NewOpenAIService(apiKey string, cfg *config.EmbeddingConfig) (*OpenAIService, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	return &OpenAIService{
		client: openai.NewClient(apiKey),
		config: cfg,
	}, nil
}

// Generate creates an embedding for a single text
func (s *OpenAIService) Generate(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.GenerateBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// GenerateBatch creates embeddings for multiple texts, splitting requests at
// the configured batch cap.
func (s *OpenAIService) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts provided")
	}

	batchSize := s.config.MaxBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts[start:end],
			Model: openai.EmbeddingModel(s.config.Model),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embeddings: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Data), end-start)
		}

		for _, item := range resp.Data {
			vectors = append(vectors, item.Embedding)
		}
	}

	return vectors, nil
}

// Dimensions returns the configured vector width
func (s *OpenAIService) Dimensions() int {
	return s.config.Dimensions
}

// Model returns the configured model name
func (s *OpenAIService) Model() string {
	return s.config.Model
}

// HealthCheck embeds a short probe text
func (s *OpenAIService) HealthCheck(ctx context.Context) error {
	_, err := s.Generate(ctx, "health check")
	if err != nil {
		return fmt.Errorf("embedding health check failed: %w", err)
	}
	return nil
}

// CachedService wraps a Service with an LRU cache keyed by input text
type CachedService struct {
	inner Service
	cache *cache.EmbeddingCache
}

// NewCachedService wraps the inner service with the given cache
func NewCachedService(inner Service, c *cache.EmbeddingCache) *CachedService {
	return &CachedService{inner: inner, cache: c}
}

// Generate returns a cached vector when available
func (s *CachedService) Generate(ctx context.Context, text string) ([]float32, error) {
	if vector, ok := s.cache.Get(text); ok {
		return vector, nil
	}
	vector, err := s.inner.Generate(ctx, text)
	if err != nil {
		return nil, err
	}
	s.cache.Put(text, vector)
	return vector, nil
}

// GenerateBatch serves cache hits locally and fetches only the misses
func (s *CachedService) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if vector, ok := s.cache.Get(text); ok {
			vectors[i] = vector
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) > 0 {
		fetched, err := s.inner.GenerateBatch(ctx, missing)
		if err != nil {
			return nil, err
		}
		for i, vector := range fetched {
			vectors[missingIdx[i]] = vector
			s.cache.Put(missing[i], vector)
		}
	}

	return vectors, nil
}

// Dimensions returns the inner service's vector width
func (s *CachedService) Dimensions() int { return s.inner.Dimensions() }

// Model returns the inner service's model name
func (s *CachedService) Model() string { return s.inner.Model() }

// HealthCheck delegates to the inner service
func (s *CachedService) HealthCheck(ctx context.Context) error { return s.inner.HealthCheck(ctx) }

// MockService produces deterministic pseudo-embeddings for tests and local
// development without an API key.
type MockService struct {
	dimensions int
}

// NewMockService creates a mock embedder with the given vector width
func NewMockService(dimensions int) *MockService {
	if dimensions <= 0 {
		dimensions = 128
	}
	return &MockService{dimensions: dimensions}
}

// Generate derives a unit vector from the text digest
func (s *MockService) Generate(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vector := make([]float32, s.dimensions)
	var norm float64
	for i := range vector {
		bits := binary.BigEndian.Uint32(sum[(i*4)%28 : (i*4)%28+4])
		v := float64(bits)/float64(math.MaxUint32)*2 - 1 + float64(i)*1e-6
		vector[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / norm)
	}
	return vector, nil
}

// GenerateBatch applies Generate to each text
func (s *MockService) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := s.Generate(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vector
	}
	return vectors, nil
}

// Dimensions returns the mock vector width
func (s *MockService) Dimensions() int { return s.dimensions }

// Model returns the mock model name
func (s *MockService) Model() string { return "mock-embedding" }

// HealthCheck always succeeds
func (s *MockService) HealthCheck(context.Context) error { return nil }
