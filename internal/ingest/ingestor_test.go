package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emr-query-engine/internal/chunking"
	"emr-query-engine/internal/embeddings"
	"emr-query-engine/internal/logging"
	"emr-query-engine/internal/storage"
	"emr-query-engine/internal/validation"
	"emr-query-engine/internal/vectorstore"
	"emr-query-engine/pkg/types"
)

func newTestIngestor() (*Ingestor, *vectorstore.MemoryStore, *storage.MemoryCatalog) {
	store := vectorstore.NewMemoryStore()
	catalog := storage.NewMemoryCatalog()
	in := NewIngestor(
		validation.NewValidator(),
		chunking.NewChunker(nil),
		embeddings.NewMockService(32),
		store,
		catalog,
		logging.NopLogger{},
	)
	return in, store, catalog
}

func testArtifact(id string) *types.Artifact {
	return &types.Artifact{
		ID:         id,
		PatientID:  "patient_123",
		Type:       types.ArtifactTypeClinicalNote,
		OccurredAt: time.Now().Add(-24 * time.Hour),
		Text:       "Patient seen for diabetes follow-up. Metformin 500mg continued twice daily. Next HbA1c in three months.",
	}
}

func TestIngest_IndexesAndCatalogs(t *testing.T) {
	in, store, catalog := newTestIngestor()

	result, err := in.Ingest(context.Background(), testArtifact("note_001"))
	require.NoError(t, err)

	assert.Equal(t, "note_001", result.ArtifactID)
	assert.GreaterOrEqual(t, result.Chunks, 1)
	assert.GreaterOrEqual(t, result.Sentences, 3)
	assert.Equal(t, result.Chunks, store.Len())
	assert.True(t, catalog.HasArtifact("note_001"))
}

func TestIngest_RejectsInvalidArtifact(t *testing.T) {
	in, store, _ := newTestIngestor()

	artifact := testArtifact("note_002")
	artifact.PatientID = ""

	_, err := in.Ingest(context.Background(), artifact)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed validation")
	assert.Zero(t, store.Len(), "nothing is indexed on rejection")
}

func TestIngest_RejectsDuplicate(t *testing.T) {
	in, _, _ := newTestIngestor()

	_, err := in.Ingest(context.Background(), testArtifact("note_003"))
	require.NoError(t, err)

	_, err = in.Ingest(context.Background(), testArtifact("note_003"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already ingested")
}

func TestIngest_CarriesValidationWarnings(t *testing.T) {
	in, _, _ := newTestIngestor()

	artifact := testArtifact("note_004")
	artifact.Text = "Short."

	result, err := in.Ingest(context.Background(), artifact)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Warnings)
}

func TestDelete_RemovesIndexAndCatalog(t *testing.T) {
	in, store, catalog := newTestIngestor()

	_, err := in.Ingest(context.Background(), testArtifact("note_005"))
	require.NoError(t, err)

	require.NoError(t, in.Delete(context.Background(), "note_005"))
	assert.Zero(t, store.Len())
	assert.False(t, catalog.HasArtifact("note_005"))
}
