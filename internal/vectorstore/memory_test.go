package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emr-query-engine/pkg/types"
)

func storeChunk(id string, artifactType types.ArtifactType, occurredAt time.Time) types.Chunk {
	return types.Chunk{
		ChunkID:      id,
		ArtifactID:   "artifact_" + id,
		PatientID:    "patient_123",
		ArtifactType: artifactType,
		ChunkText:    "text for " + id,
		OccurredAt:   occurredAt,
	}
}

func TestMemoryStore_SearchRanksBySimilarity(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	june := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	chunks := []types.Chunk{
		storeChunk("a", types.ArtifactTypeProgressNote, june),
		storeChunk("b", types.ArtifactTypeProgressNote, june),
	}
	vectors := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
	}
	require.NoError(t, ms.UpsertChunks(ctx, chunks, vectors))

	hits, err := ms.Search(ctx, []float32{1, 0, 0}, "patient_123", types.QueryFilters{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Chunk.ChunkID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.InDelta(t, 0.0, hits[1].Score, 1e-9)
}

func TestMemoryStore_FiltersApply(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	chunks := []types.Chunk{
		storeChunk("note", types.ArtifactTypeProgressNote, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
		storeChunk("med", types.ArtifactTypeMedicationOrder, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)),
	}
	vectors := [][]float32{{1, 0}, {1, 0}}
	require.NoError(t, ms.UpsertChunks(ctx, chunks, vectors))

	hits, err := ms.Search(ctx, []float32{1, 0}, "patient_123", types.QueryFilters{
		ArtifactTypes: []types.ArtifactType{types.ArtifactTypeMedicationOrder},
	}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "med", hits[0].Chunk.ChunkID)

	hits, err = ms.Search(ctx, []float32{1, 0}, "patient_123", types.QueryFilters{
		DateRange: &types.DateRange{
			From: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			To:   time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		},
	}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "note", hits[0].Chunk.ChunkID)

	// Other patients never leak into results
	hits, err = ms.Search(ctx, []float32{1, 0}, "patient_999", types.QueryFilters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryStore_DeleteArtifact(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	chunk := storeChunk("a", types.ArtifactTypeProgressNote, time.Now().UTC())
	require.NoError(t, ms.UpsertChunks(ctx, []types.Chunk{chunk}, [][]float32{{1}}))
	require.Equal(t, 1, ms.Len())

	require.NoError(t, ms.DeleteArtifact(ctx, chunk.ArtifactID))
	assert.Equal(t, 0, ms.Len())
}

func TestPointID_StableUUID(t *testing.T) {
	a := pointID("note_001_chunk_000")
	b := pointID("note_001_chunk_000")
	c := pointID("note_001_chunk_001")

	assert.Equal(t, a.GetUuid(), b.GetUuid())
	assert.NotEqual(t, a.GetUuid(), c.GetUuid())
	assert.Len(t, a.GetUuid(), 36)
}
