package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"emr-query-engine/internal/cache"
	"emr-query-engine/internal/config"
	"emr-query-engine/internal/embeddings"
	"emr-query-engine/internal/logging"
	"emr-query-engine/internal/query"
	"emr-query-engine/internal/vectorstore"
	"emr-query-engine/pkg/types"
)

// Pipeline stage names, in execution order
const (
	StageMetadataFiltering = "metadata_filtering"
	StageHybridSearch      = "hybrid_search"
	StageInitialScoring    = "initial_scoring"
	StageReranking         = "reranking"
	StageDiversification   = "diversification"
	StageTimeDecay         = "time_decay"
	StageHighlighting      = "highlight_generation"
)

const (
	diversityWeight     = 0.3
	timeDecayBoostScale = 10
)

// IntegratedRetriever runs the seven-stage sequential retrieval pipeline
type IntegratedRetriever struct {
	catalog     ChunkCatalog
	store       vectorstore.Store
	embedder    embeddings.Service
	cache       *cache.RetrievalCache
	scorer      *Scorer
	reranker    *Reranker
	highlighter *Highlighter
	expander    *query.Expander
	config      *config.RetrievalConfig
	logger      logging.Logger
	now         func() time.Time
}

// NewIntegratedRetriever wires the retrieval pipeline together
func NewIntegratedRetriever(
	catalog ChunkCatalog,
	store vectorstore.Store,
	embedder embeddings.Service,
	resultCache *cache.RetrievalCache,
	cfg *config.RetrievalConfig,
	logger logging.Logger,
) *IntegratedRetriever {
	return &IntegratedRetriever{
		catalog:     catalog,
		store:       store,
		embedder:    embedder,
		cache:       resultCache,
		scorer:      NewScorer(cfg.TimeDecayRate),
		reranker:    NewReranker(cfg.RerankTopK),
		highlighter: NewHighlighter(true),
		expander:    query.NewExpander(),
		config:      cfg,
		logger:      logger.WithComponent("integrated_retriever"),
		now:         time.Now,
	}
}

// Retrieve runs the pipeline for a structured query. Stage failures are
// recorded on the result rather than returned; an empty retrieval is a
// valid result, not an error.
func (r *IntegratedRetriever) Retrieve(ctx context.Context, sq *types.StructuredQuery) *types.IntegratedResult {
	started := r.now()

	cacheKey := r.cacheKey(sq)
	if cached, ok := r.cache.Get(cacheKey); ok {
		result := *cached
		result.CacheHit = true
		result.RetrievalTimeMS = time.Since(started).Milliseconds()
		return &result
	}

	result := &types.IntegratedResult{}

	// Stage 1: metadata filtering
	stageStart := r.now()
	all, err := r.catalog.ListChunks(ctx, sq.PatientID)
	if err != nil {
		result.Error = fmt.Sprintf("%s: %v", StageMetadataFiltering, err)
		result.RetrievalTimeMS = time.Since(started).Milliseconds()
		return result
	}
	filtered := ApplyMetadataFilter(all, sq.Filters)
	result.TotalSearched = len(all)
	result.FilteredCount = filtered.Removed
	r.addMetric(result, StageMetadataFiltering, stageStart, len(all), len(filtered.Chunks))

	if len(filtered.Chunks) == 0 {
		result.RetrievalTimeMS = time.Since(started).Milliseconds()
		r.cache.Put(cacheKey, result)
		return result
	}

	// Stage 2: hybrid search
	stageStart = r.now()
	candidates, stageErr := r.hybridSearch(ctx, sq, filtered.Chunks)
	if stageErr != nil {
		result.Error = fmt.Sprintf("%s: %v", StageHybridSearch, stageErr)
		r.logger.WarnContext(ctx, "hybrid search degraded", "query_id", sq.QueryID, "error", stageErr.Error())
	}
	r.addMetric(result, StageHybridSearch, stageStart, len(filtered.Chunks), len(candidates))

	// Stage 3: initial scoring
	stageStart = r.now()
	for i := range candidates {
		sc := &candidates[i].Scores
		sc.Recency = r.scorer.Recency(candidates[i].Chunk.OccurredAt)
		sc.TypePreference = r.scorer.TypePreference(sq.Intent, candidates[i].Chunk.ArtifactType)
	}
	r.scorer.Combine(candidates, DefaultScoreWeights())
	r.scorer.Rank(candidates)
	r.scorer.NormalizeCombined(candidates)
	r.addMetric(result, StageInitialScoring, stageStart, len(candidates), len(candidates))

	// Stage 4: re-ranking
	stageStart = r.now()
	if r.config.EnableReranking {
		candidates = r.reranker.Rerank(candidates, sq.OriginalQuery, sq.Entities)
	}
	r.addMetric(result, StageReranking, stageStart, len(candidates), len(candidates))

	// Stage 5: diversification
	stageStart = r.now()
	if r.config.EnableDiversification {
		candidates = r.scorer.Diversify(candidates, diversityWeight, r.config.DiversityThreshold)
	}
	r.addMetric(result, StageDiversification, stageStart, len(candidates), len(candidates))

	// Stage 6: time decay boost
	stageStart = r.now()
	if r.config.EnableTimeDecay {
		alpha := r.config.TimeDecayRate * timeDecayBoostScale
		for i := range candidates {
			candidates[i].Scores.Combined *= 1 + alpha*candidates[i].Scores.Recency
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Scores.Combined > candidates[j].Scores.Combined
		})
	}
	r.addMetric(result, StageTimeDecay, stageStart, len(candidates), len(candidates))

	// Stage 7: highlight generation on the final top-k
	stageStart = r.now()
	k := r.config.K
	if k <= 0 {
		k = 10
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	terms := termStrings(r.searchTerms(sq))
	for i := range candidates {
		highlights, snippet := r.highlighter.Generate(candidates[i].Chunk.ChunkText, terms, sq.Entities)
		candidates[i].Highlights = highlights
		candidates[i].Snippet = snippet
		candidates[i].Rank = i + 1
	}
	r.addMetric(result, StageHighlighting, stageStart, len(candidates), len(candidates))

	result.Candidates = candidates
	result.RetrievalTimeMS = time.Since(started).Milliseconds()

	r.cache.Put(cacheKey, result)

	r.logger.DebugContext(ctx, "retrieval complete",
		"query_id", sq.QueryID,
		"candidates", len(candidates),
		"total_searched", result.TotalSearched,
		"time_ms", result.RetrievalTimeMS,
	)
	return result
}

// hybridSearch merges semantic k-NN hits with BM25 keyword candidates over
// the filtered population. Semantic failures degrade to keyword-only and
// are reported to the caller.
func (r *IntegratedRetriever) hybridSearch(ctx context.Context, sq *types.StructuredQuery, chunks []types.Chunk) ([]types.RetrievalCandidate, error) {
	terms := r.searchTerms(sq)
	keywordScores := r.scorer.BM25Scores(terms, chunks)

	semanticScores := make(map[string]float64)
	var semanticErr error
	if vector, err := r.embedder.Generate(ctx, sq.OriginalQuery); err != nil {
		semanticErr = err
	} else {
		limit := r.config.RerankTopK
		if limit <= 0 {
			limit = 20
		}
		hits, err := r.store.Search(ctx, vector, sq.PatientID, sq.Filters, limit)
		if err != nil {
			semanticErr = err
		} else {
			for _, hit := range hits {
				semanticScores[hit.Chunk.ChunkID] = hit.Score
			}
		}
	}

	alpha := r.config.HybridAlpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.7
	}

	var candidates []types.RetrievalCandidate
	for i, chunk := range chunks {
		semantic, inSemantic := semanticScores[chunk.ChunkID]
		keyword := keywordScores[i]
		if !inSemantic && keyword == 0 {
			continue
		}

		sc := types.Scores{Semantic: semantic, Keyword: keyword}
		if inSemantic && keyword > 0 {
			// Dual-arm candidates carry the blended hybrid prior until
			// full scoring replaces it
			sc.Combined = alpha*semantic + (1-alpha)*keyword
		}
		candidates = append(candidates, types.RetrievalCandidate{Chunk: chunk, Scores: sc})
	}

	return candidates, semanticErr
}

func (r *IntegratedRetriever) addMetric(result *types.IntegratedResult, stage string, start time.Time, in, out int) {
	result.StageMetrics = append(result.StageMetrics, types.StageMetric{
		Stage:       stage,
		DurationMS:  time.Since(start).Milliseconds(),
		InputCount:  in,
		OutputCount: out,
	})
}

// cacheKey hashes the retrieval-relevant parts of the query and config
func (r *IntegratedRetriever) cacheKey(sq *types.StructuredQuery) string {
	var b strings.Builder
	b.WriteString(sq.PatientID)
	b.WriteByte('|')
	b.WriteString(strings.ToLower(strings.TrimSpace(sq.OriginalQuery)))
	b.WriteByte('|')
	b.WriteString(string(sq.Intent))
	b.WriteByte('|')
	for _, t := range sq.Filters.ArtifactTypes {
		b.WriteString(string(t))
		b.WriteByte(',')
	}
	b.WriteByte('|')
	if sq.Filters.DateRange != nil {
		b.WriteString(sq.Filters.DateRange.From.UTC().Format(time.RFC3339))
		b.WriteByte('/')
		b.WriteString(sq.Filters.DateRange.To.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "|k=%d|rr=%t|div=%t|decay=%t|alpha=%.2f",
		r.config.K, r.config.EnableReranking, r.config.EnableDiversification,
		r.config.EnableTimeDecay, r.config.HybridAlpha)
	return cache.Key(b.String())
}

// searchTerms derives boost-paired keyword terms from the expanded query
// variants plus entity surface and normalized forms. Terms from the original
// query carry full boost; synonym-only terms carry the reduced boost.
func (r *IntegratedRetriever) searchTerms(sq *types.StructuredQuery) []query.WeightedTerm {
	variants := r.expander.Expand(sq.OriginalQuery, sq.Entities)
	terms := r.expander.SearchTerms(variants)

	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		seen[t.Term] = true
	}
	add := func(s string) {
		for _, tok := range scoreTokenizer.FindAllString(strings.ToLower(s), -1) {
			if len(tok) < 2 || seen[tok] {
				continue
			}
			seen[tok] = true
			terms = append(terms, query.WeightedTerm{Term: tok, Boost: 1.0})
		}
	}
	for _, e := range sq.Entities {
		if e.Type == types.EntityTypeDate {
			continue
		}
		add(e.Text)
		add(e.Normalized)
	}
	return terms
}

func termStrings(terms []query.WeightedTerm) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = t.Term
	}
	return out
}
