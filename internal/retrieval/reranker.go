package retrieval

import (
	"sort"
	"strings"

	"emr-query-engine/pkg/types"
)

// Rerank score weights
const (
	rerankPriorWeight    = 0.7
	rerankCoverageWeight = 0.2
	rerankOverlapWeight  = 0.1
)

// Reranker rescores the top-K candidates with entity coverage and query
// overlap signals.
type Reranker struct {
	topK int
}

// NewReranker creates a reranker operating on the top-K candidates
func NewReranker(topK int) *Reranker {
	if topK <= 0 {
		topK = 20
	}
	return &Reranker{topK: topK}
}

// Rerank rescores the top-K candidates and stable-sorts them by the new
// score. Candidates beyond the top-K keep their order behind the reranked
// head.
func (r *Reranker) Rerank(candidates []types.RetrievalCandidate, queryText string, entities []types.Entity) []types.RetrievalCandidate {
	if len(candidates) == 0 {
		return candidates
	}

	head := len(candidates)
	if head > r.topK {
		head = r.topK
	}

	queryTokens := tokenSet(queryText)

	reranked := make([]types.RetrievalCandidate, len(candidates))
	copy(reranked, candidates)

	for i := 0; i < head; i++ {
		c := &reranked[i]
		coverage := entityCoverage(c.Chunk.ChunkText, entities)
		overlap := jaccard(queryTokens, tokenSet(c.Chunk.ChunkText))
		c.Scores.Combined = rerankPriorWeight*c.Scores.Combined +
			rerankCoverageWeight*coverage +
			rerankOverlapWeight*overlap
	}

	sort.SliceStable(reranked[:head], func(i, j int) bool {
		return reranked[i].Scores.Combined > reranked[j].Scores.Combined
	})

	for i := range reranked {
		reranked[i].Rank = i + 1
	}
	return reranked
}

// entityCoverage returns the fraction of entities whose surface or
// normalized form appears in the chunk text, case-insensitive.
func entityCoverage(chunkText string, entities []types.Entity) float64 {
	if len(entities) == 0 {
		return 0
	}
	lower := strings.ToLower(chunkText)
	var covered int
	for _, e := range entities {
		if e.Text != "" && strings.Contains(lower, strings.ToLower(e.Text)) {
			covered++
			continue
		}
		if e.Normalized != "" && strings.Contains(lower, strings.ToLower(e.Normalized)) {
			covered++
		}
	}
	return float64(covered) / float64(len(entities))
}
