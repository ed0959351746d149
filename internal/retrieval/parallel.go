package retrieval

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"emr-query-engine/internal/logging"
	"emr-query-engine/pkg/types"
)

// sixMonths is the date-range span beyond which time-window partitioning
// kicks in.
const sixMonths = 183 * 24 * time.Hour

// ParallelRetriever partitions a query and fans out integrated retrievals
type ParallelRetriever struct {
	inner       *IntegratedRetriever
	maxParallel int
	logger      logging.Logger
	now         func() time.Time
}

// NewParallelRetriever wraps an integrated retriever with partitioned
// execution.
func NewParallelRetriever(inner *IntegratedRetriever, maxParallel int, logger logging.Logger) *ParallelRetriever {
	if maxParallel <= 0 {
		maxParallel = 10
	}
	return &ParallelRetriever{
		inner:       inner,
		maxParallel: maxParallel,
		logger:      logger.WithComponent("parallel_retriever"),
		now:         time.Now,
	}
}

// Retrieve partitions the query, runs the partitions concurrently, and
// merges their candidates. Single-partition queries fall back to the
// sequential pipeline.
func (p *ParallelRetriever) Retrieve(ctx context.Context, sq *types.StructuredQuery) *types.ParallelResult {
	partitions := p.partition(sq)
	if len(partitions) < 2 {
		return p.sequential(ctx, sq)
	}

	started := p.now()
	results := make([]*types.IntegratedResult, len(partitions))

	var g errgroup.Group
	g.SetLimit(p.maxParallel)
	for i, part := range partitions {
		i, part := i, part
		g.Go(func() error {
			results[i] = p.inner.Retrieve(ctx, part)
			return nil
		})
	}
	// Partition errors are carried inside each result, never as a group error
	_ = g.Wait()

	var succeeded []*types.IntegratedResult
	for i, result := range results {
		if result == nil || result.Error != "" {
			p.logger.WarnContext(ctx, "partition failed",
				"query_id", sq.QueryID,
				"partition", i,
				"error", partitionError(result),
			)
			continue
		}
		succeeded = append(succeeded, result)
	}

	if len(succeeded) == 0 {
		p.logger.WarnContext(ctx, "all partitions failed, falling back to sequential", "query_id", sq.QueryID)
		return p.sequential(ctx, sq)
	}

	elapsed := time.Since(started)
	merged := p.merge(sq, succeeded)
	merged.ParallelSearches = len(partitions)
	merged.RetrievalTimeMS = elapsed.Milliseconds()

	var slowest int64
	var total int64
	for _, result := range succeeded {
		total += result.RetrievalTimeMS
		if result.RetrievalTimeMS > slowest {
			slowest = result.RetrievalTimeMS
		}
	}
	if slowest > 0 {
		merged.SpeedupFactor = float64(total) / float64(slowest)
	}

	return merged
}

func (p *ParallelRetriever) sequential(ctx context.Context, sq *types.StructuredQuery) *types.ParallelResult {
	result := p.inner.Retrieve(ctx, sq)
	return &types.ParallelResult{
		IntegratedResult:   *result,
		ParallelSearches:   1,
		SequentialFallback: true,
	}
}

// partition derives subqueries: one per artifact type when two or more are
// requested, quarterly windows when a date range spans more than six
// months, otherwise none.
func (p *ParallelRetriever) partition(sq *types.StructuredQuery) []*types.StructuredQuery {
	if len(sq.Filters.ArtifactTypes) >= 2 {
		partitions := make([]*types.StructuredQuery, 0, len(sq.Filters.ArtifactTypes))
		for _, t := range sq.Filters.ArtifactTypes {
			part := *sq
			part.Filters.ArtifactTypes = []types.ArtifactType{t}
			partitions = append(partitions, &part)
		}
		if len(partitions) > p.maxParallel {
			partitions = partitions[:p.maxParallel]
		}
		return partitions
	}

	if dr := sq.Filters.DateRange; dr != nil && dr.To.Sub(dr.From) > sixMonths {
		var partitions []*types.StructuredQuery
		start := dr.From
		for start.Before(dr.To) && len(partitions) < p.maxParallel {
			end := start.AddDate(0, 3, 0)
			if end.After(dr.To) || len(partitions) == p.maxParallel-1 {
				end = dr.To
			}
			part := *sq
			part.Filters.DateRange = &types.DateRange{From: start, To: end}
			partitions = append(partitions, &part)
			start = end
		}
		return partitions
	}

	return nil
}

// merge normalizes per-partition scores, deduplicates by chunk_id keeping
// the higher-scored instance, reranks against the original query, and
// averages stage metrics.
func (p *ParallelRetriever) merge(sq *types.StructuredQuery, results []*types.IntegratedResult) *types.ParallelResult {
	mergeStart := p.now()
	merged := &types.ParallelResult{}

	byChunk := make(map[string]types.RetrievalCandidate)
	var collected int
	for _, result := range results {
		candidates := make([]types.RetrievalCandidate, len(result.Candidates))
		copy(candidates, result.Candidates)
		p.inner.scorer.NormalizeCombined(candidates)

		collected += len(candidates)
		for _, c := range candidates {
			existing, ok := byChunk[c.Chunk.ChunkID]
			if !ok || c.Scores.Combined > existing.Scores.Combined {
				byChunk[c.Chunk.ChunkID] = c
			}
		}

		merged.TotalSearched += result.TotalSearched
		merged.FilteredCount += result.FilteredCount
	}
	merged.DeduplicationRemoved = collected - len(byChunk)

	candidates := make([]types.RetrievalCandidate, 0, len(byChunk))
	for _, c := range byChunk {
		candidates = append(candidates, c)
	}
	p.inner.scorer.Rank(candidates)
	candidates = p.inner.reranker.Rerank(candidates, sq.OriginalQuery, sq.Entities)

	k := p.inner.config.K
	if k <= 0 {
		k = 10
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	merged.Candidates = candidates
	merged.StageMetrics = averageMetrics(results)
	merged.MergeTimeMS = time.Since(mergeStart).Milliseconds()
	return merged
}

// averageMetrics averages stage durations and counts across partitions,
// preserving stage order from the first result.
func averageMetrics(results []*types.IntegratedResult) []types.StageMetric {
	if len(results) == 0 {
		return nil
	}

	type acc struct {
		duration int64
		in       int
		out      int
		count    int
	}
	order := make([]string, 0)
	byStage := make(map[string]*acc)
	for _, result := range results {
		for _, m := range result.StageMetrics {
			a, ok := byStage[m.Stage]
			if !ok {
				a = &acc{}
				byStage[m.Stage] = a
				order = append(order, m.Stage)
			}
			a.duration += m.DurationMS
			a.in += m.InputCount
			a.out += m.OutputCount
			a.count++
		}
	}

	metrics := make([]types.StageMetric, 0, len(order))
	for _, stage := range order {
		a := byStage[stage]
		n := int64(a.count)
		metrics = append(metrics, types.StageMetric{
			Stage:       stage,
			DurationMS:  a.duration / n,
			InputCount:  a.in / a.count,
			OutputCount: a.out / a.count,
		})
	}
	return metrics
}

func partitionError(result *types.IntegratedResult) string {
	if result == nil {
		return "no result"
	}
	return result.Error
}
