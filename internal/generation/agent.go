package generation

import (
	"context"
	"fmt"
	"strings"

	"emr-query-engine/internal/apperrors"
	"emr-query-engine/internal/logging"
	"emr-query-engine/pkg/types"
)

// Agent orchestrates prompting and two-pass generation, then validates every
// extraction's provenance against the retrieval set before the answer is
// allowed out.
type Agent struct {
	generator *TwoPassGenerator
	prompts   *PromptBuilder
	budget    int
	logger    logging.Logger
}

// promptTokenBudget bounds the candidate section of the extraction prompt
const promptTokenBudget = 6000

// NewAgent creates an answer generation agent
func NewAgent(generator *TwoPassGenerator, prompts *PromptBuilder, logger logging.Logger) *Agent {
	return &Agent{
		generator: generator,
		prompts:   prompts,
		budget:    promptTokenBudget,
		logger:    logger.WithComponent("generation_agent"),
	}
}

// Answer generates a grounded answer for the query. Structural provenance
// failures reject the whole answer with GENERATION_PROVENANCE_INVALID;
// supporting-text mismatches are returned as warnings.
func (a *Agent) Answer(ctx context.Context, sq *types.StructuredQuery, candidates []types.RetrievalCandidate) (*Result, []string, error) {
	trimmed := TruncateCandidates(candidates, a.budget)
	if len(trimmed) < len(candidates) {
		a.logger.DebugContext(ctx, "Truncated candidates to fit prompt budget",
			"query_id", sq.QueryID,
			"kept", len(trimmed),
			"dropped", len(candidates)-len(trimmed),
		)
	}

	result, err := a.generator.Generate(ctx, sq, trimmed)
	if err != nil {
		return nil, nil, err
	}

	warnings, err := a.validateProvenance(result.Extractions, trimmed)
	if err != nil {
		a.logger.WarnContext(ctx, "Rejected generated answer with invalid provenance",
			"query_id", sq.QueryID, "error", err.Error())
		return nil, nil, err
	}
	for _, w := range warnings {
		a.logger.WarnContext(ctx, "Provenance warning", "query_id", sq.QueryID, "warning", w)
	}

	return result, warnings, nil
}

// validateProvenance checks each extraction against the candidate set:
// known artifact, chunk belonging to that artifact, offsets inside the chunk
// text. Supporting-text mismatch under whitespace normalization is only a
// warning.
func (a *Agent) validateProvenance(extractions []types.Extraction, candidates []types.RetrievalCandidate) ([]string, error) {
	chunksByArtifact := make(map[string]map[string]types.Chunk)
	for _, c := range candidates {
		byChunk, ok := chunksByArtifact[c.Chunk.ArtifactID]
		if !ok {
			byChunk = make(map[string]types.Chunk)
			chunksByArtifact[c.Chunk.ArtifactID] = byChunk
		}
		byChunk[c.Chunk.ChunkID] = c.Chunk
	}

	var warnings []string
	for i, ex := range extractions {
		p := ex.Provenance

		byChunk, ok := chunksByArtifact[p.ArtifactID]
		if !ok {
			return nil, apperrors.New(apperrors.CodeGenerationProvenanceError,
				"extraction cites an artifact outside the retrieval set",
				"The answer could not be verified against the patient's records.",
			).WithDetails(fmt.Sprintf("extraction %d cites artifact %q", i, p.ArtifactID))
		}

		chunk, ok := byChunk[p.ChunkID]
		if !ok {
			return nil, apperrors.New(apperrors.CodeGenerationProvenanceError,
				"extraction cites a chunk that does not belong to the cited artifact",
				"The answer could not be verified against the patient's records.",
			).WithDetails(fmt.Sprintf("extraction %d cites chunk %q under artifact %q", i, p.ChunkID, p.ArtifactID))
		}

		s, e := p.CharOffsets.Start, p.CharOffsets.End
		if s < 0 || s > e || e > len(chunk.ChunkText) {
			return nil, apperrors.New(apperrors.CodeGenerationProvenanceError,
				"extraction offsets fall outside the cited chunk",
				"The answer could not be verified against the patient's records.",
			).WithDetails(fmt.Sprintf("extraction %d offsets [%d,%d] on chunk of length %d", i, s, e, len(chunk.ChunkText)))
		}

		if p.SupportingText != "" {
			region := normalizeWhitespace(chunk.ChunkText[s:e])
			if !strings.Contains(region, normalizeWhitespace(p.SupportingText)) {
				warnings = append(warnings, fmt.Sprintf(
					"extraction %d supporting text not found verbatim in chunk %s offsets [%d,%d]",
					i, p.ChunkID, s, e))
			}
		}
	}
	return warnings, nil
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
