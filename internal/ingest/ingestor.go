// Package ingest turns validated artifacts into embedded chunks available
// to retrieval.
package ingest

import (
	"context"
	"fmt"

	"emr-query-engine/internal/chunking"
	"emr-query-engine/internal/embeddings"
	"emr-query-engine/internal/logging"
	"emr-query-engine/internal/storage"
	"emr-query-engine/internal/validation"
	"emr-query-engine/internal/vectorstore"
	"emr-query-engine/pkg/types"
)

// Result reports one artifact's ingestion outcome
type Result struct {
	ArtifactID string   `json:"artifact_id"`
	Chunks     int      `json:"chunks"`
	Sentences  int      `json:"sentences"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Ingestor validates, chunks, embeds, and indexes artifacts
type Ingestor struct {
	validator *validation.Validator
	chunker   *chunking.Chunker
	embedder  embeddings.Service
	store     vectorstore.Store
	catalog   *storage.MemoryCatalog
	logger    logging.Logger
}

// NewIngestor wires the ingestion pipeline
func NewIngestor(
	validator *validation.Validator,
	chunker *chunking.Chunker,
	embedder embeddings.Service,
	store vectorstore.Store,
	catalog *storage.MemoryCatalog,
	logger logging.Logger,
) *Ingestor {
	return &Ingestor{
		validator: validator,
		chunker:   chunker,
		embedder:  embedder,
		store:     store,
		catalog:   catalog,
		logger:    logger.WithComponent("ingestor"),
	}
}

// Ingest runs one artifact through validation, chunking, embedding, and
// indexing. Validation warnings are carried through to the result.
func (in *Ingestor) Ingest(ctx context.Context, artifact *types.Artifact) (*Result, error) {
	check := in.validator.ValidateArtifact(artifact)
	if !check.Valid {
		return nil, fmt.Errorf("artifact %s failed validation: %v", artifact.ID, check.Errors)
	}

	if in.catalog.HasArtifact(artifact.ID) {
		return nil, fmt.Errorf("artifact %s is already ingested", artifact.ID)
	}

	chunks, sentences, err := in.chunker.ChunkArtifact(artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to chunk artifact %s: %w", artifact.ID, err)
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.ChunkText
	}
	vectors, err := in.embedder.GenerateBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed artifact %s: %w", artifact.ID, err)
	}

	if err := in.store.UpsertChunks(ctx, chunks, vectors); err != nil {
		return nil, fmt.Errorf("failed to index artifact %s: %w", artifact.ID, err)
	}
	if err := in.catalog.SaveChunks(ctx, chunks, sentences); err != nil {
		return nil, fmt.Errorf("failed to catalog artifact %s: %w", artifact.ID, err)
	}

	in.logger.InfoContext(ctx, "Artifact ingested",
		"artifact_id", artifact.ID,
		"patient_id", artifact.PatientID,
		"chunks", len(chunks),
	)
	return &Result{
		ArtifactID: artifact.ID,
		Chunks:     len(chunks),
		Sentences:  len(sentences),
		Warnings:   check.Warnings,
	}, nil
}

// Delete removes one artifact from the index and catalog
func (in *Ingestor) Delete(ctx context.Context, artifactID string) error {
	if err := in.store.DeleteArtifact(ctx, artifactID); err != nil {
		return fmt.Errorf("failed to remove artifact %s from index: %w", artifactID, err)
	}
	if err := in.catalog.DeleteArtifact(ctx, artifactID); err != nil {
		return fmt.Errorf("failed to remove artifact %s from catalog: %w", artifactID, err)
	}
	return nil
}
