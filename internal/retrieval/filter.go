package retrieval

import (
	"context"

	"emr-query-engine/pkg/types"
)

// ChunkCatalog lists the stored chunks for one patient. Retrieval treats it
// as the authoritative chunk population for metadata filtering and keyword
// search.
type ChunkCatalog interface {
	ListChunks(ctx context.Context, patientID string) ([]types.Chunk, error)
}

// FilterResult carries the surviving chunks plus a removal count for
// diagnostics.
type FilterResult struct {
	Chunks  []types.Chunk
	Removed int
}

// ApplyMetadataFilter narrows a chunk population by artifact types and
// date range. The population is assumed to already belong to one patient.
func ApplyMetadataFilter(chunks []types.Chunk, filters types.QueryFilters) FilterResult {
	filtered := make([]types.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if !chunkMatches(&chunk, filters) {
			continue
		}
		filtered = append(filtered, chunk)
	}
	return FilterResult{Chunks: filtered, Removed: len(chunks) - len(filtered)}
}

func chunkMatches(chunk *types.Chunk, filters types.QueryFilters) bool {
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
