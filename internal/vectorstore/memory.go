package vectorstore

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"emr-query-engine/pkg/types"
)

// MemoryStore is an in-memory Store used in tests and local development
type MemoryStore struct {
	mutex   sync.RWMutex
	chunks  map[string]types.Chunk
	vectors map[string][]float32
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:  make(map[string]types.Chunk),
		vectors: make(map[string][]float32),
	}
}

// Initialize is a no-op
func (ms *MemoryStore) Initialize(context.Context) error { return nil }

// UpsertChunks stores chunks with their vectors
func (ms *MemoryStore) UpsertChunks(_ context.Context, chunks []types.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return errors.New("chunk/vector count mismatch")
	}

	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	for i, chunk := range chunks {
		ms.chunks[chunk.ChunkID] = chunk
		ms.vectors[chunk.ChunkID] = vectors[i]
	}
	return nil
}

// Search scans all stored chunks, applies filters, and ranks by cosine
// similarity.
func (ms *MemoryStore) Search(_ context.Context, vector []float32, patientID string, filters types.QueryFilters, limit int) ([]SemanticHit, error) {
	if patientID == "" {
		return nil, errors.New("patient_id is required")
	}

	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	var hits []SemanticHit
	for id, chunk := range ms.chunks {
		if chunk.PatientID != patientID {
			continue
		}
		if !matchesFilters(&chunk, filters) {
			continue
		}
		hits = append(hits, SemanticHit{Chunk: chunk, Score: cosineSimilarity(vector, ms.vectors[id])})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.ChunkID < hits[j].Chunk.ChunkID
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// DeleteArtifact removes every chunk belonging to the artifact
func (ms *MemoryStore) DeleteArtifact(_ context.Context, artifactID string) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	for id, chunk := range ms.chunks {
		if chunk.ArtifactID == artifactID {
			delete(ms.chunks, id)
			delete(ms.vectors, id)
		}
	}
	return nil
}

// HealthCheck always succeeds
func (ms *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op
func (ms *MemoryStore) Close() error { return nil }

// Len returns the number of stored chunks
func (ms *MemoryStore) Len() int {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()
	return len(ms.chunks)
}

func matchesFilters(chunk *types.Chunk, filters types.QueryFilters) bool {
	if len(filters.ArtifactTypes) > 0 {
		found := false
		for _, t := range filters.ArtifactTypes {
			if chunk.ArtifactType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filters.DateRange != nil && !filters.DateRange.Contains(chunk.OccurredAt) {
		return false
	}
	return true
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
