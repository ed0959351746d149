// Package storage holds chunk metadata, evaluations, and confidence
// metrics behind small store interfaces.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"emr-query-engine/pkg/types"
)

// MemoryCatalog keeps chunk metadata in memory, indexed by patient and by
// artifact. Chunks are write-once: re-ingesting an artifact is rejected
// until it is deleted.
type MemoryCatalog struct {
	mu         sync.RWMutex
	byPatient  map[string][]types.Chunk
	byArtifact map[string][]string // artifact_id -> chunk IDs
	sentences  map[string][]types.SentenceRecord
}

// NewMemoryCatalog creates an empty catalog
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		byPatient:  make(map[string][]types.Chunk),
		byArtifact: make(map[string][]string),
		sentences:  make(map[string][]types.SentenceRecord),
	}
}

// SaveChunks stores the chunks and sentence records of one artifact
func (c *MemoryCatalog) SaveChunks(_ context.Context, chunks []types.Chunk, records []types.SentenceRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	artifactID := chunks[0].ArtifactID

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byArtifact[artifactID]; exists {
		return fmt.Errorf("artifact %s is already ingested; chunks are write-once", artifactID)
	}

	ids := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.ArtifactID != artifactID {
			return fmt.Errorf("chunk %s belongs to artifact %s, expected %s", chunk.ChunkID, chunk.ArtifactID, artifactID)
		}
		c.byPatient[chunk.PatientID] = append(c.byPatient[chunk.PatientID], chunk)
		ids = append(ids, chunk.ChunkID)
	}
	c.byArtifact[artifactID] = ids

	for _, rec := range records {
		c.sentences[rec.ChunkID] = append(c.sentences[rec.ChunkID], rec)
	}
	return nil
}

// ListChunks returns the patient's chunks ordered by occurred_at descending,
// newest first, with chunk ID as the tiebreak.
func (c *MemoryCatalog) ListChunks(_ context.Context, patientID string) ([]types.Chunk, error) {
	c.mu.RLock()
	stored := c.byPatient[patientID]
	out := make([]types.Chunk, len(stored))
	copy(out, stored)
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.After(out[j].OccurredAt)
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out, nil
}

// Sentences returns the sentence records of one chunk
func (c *MemoryCatalog) Sentences(_ context.Context, chunkID string) ([]types.SentenceRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stored := c.sentences[chunkID]
	out := make([]types.SentenceRecord, len(stored))
	copy(out, stored)
	return out, nil
}

// HasArtifact reports whether the artifact has been ingested
func (c *MemoryCatalog) HasArtifact(artifactID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byArtifact[artifactID]
	return ok
}

// DeleteArtifact removes all chunks and sentence records of one artifact
func (c *MemoryCatalog) DeleteArtifact(_ context.Context, artifactID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, ok := c.byArtifact[artifactID]
	if !ok {
		return nil
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
		delete(c.sentences, id)
	}
	for patientID, chunks := range c.byPatient {
		kept := chunks[:0]
		for _, chunk := range chunks {
			if !drop[chunk.ChunkID] {
				kept = append(kept, chunk)
			}
		}
		if len(kept) == 0 {
			delete(c.byPatient, patientID)
		} else {
			c.byPatient[patientID] = kept
		}
	}
	delete(c.byArtifact, artifactID)
	return nil
}

// Len returns the total stored chunk count
func (c *MemoryCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, chunks := range c.byPatient {
		n += len(chunks)
	}
	return n
}
