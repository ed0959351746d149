package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"emr-query-engine/internal/confidence"
	"emr-query-engine/pkg/types"
)

// MemoryEvaluationStore backs the evaluation endpoints when no database is
// configured. It also accepts confidence metrics so calibration persistence
// works in development.
type MemoryEvaluationStore struct {
	mu          sync.RWMutex
	evaluations []types.Evaluation
	metrics     []confidence.Metric
	now         func() time.Time
}

// NewMemoryEvaluationStore creates an empty store
func NewMemoryEvaluationStore() *MemoryEvaluationStore {
	return &MemoryEvaluationStore{now: time.Now}
}

// SaveEvaluation appends one evaluation, minting ID and timestamp when absent
func (s *MemoryEvaluationStore) SaveEvaluation(_ context.Context, eval *types.Evaluation) error {
	if eval.EvaluationID == "" {
		eval.EvaluationID = "eval_" + uuid.New().String()
	}
	if eval.CreatedAt.IsZero() {
		eval.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	s.evaluations = append(s.evaluations, *eval)
	s.mu.Unlock()
	return nil
}

// ListEvaluations filters and pages the stored evaluations, newest first
func (s *MemoryEvaluationStore) ListEvaluations(_ context.Context, filter EvaluationFilter) ([]types.Evaluation, error) {
	s.mu.RLock()
	matched := make([]types.Evaluation, 0, len(s.evaluations))
	for _, eval := range s.evaluations {
		if filter.QueryID != "" && eval.QueryID != filter.QueryID {
			continue
		}
		if filter.Evaluator != "" && eval.Evaluator != filter.Evaluator {
			continue
		}
		if filter.MinRating > 0 && eval.Rating < filter.MinRating {
			continue
		}
		matched = append(matched, eval)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// SaveConfidenceMetrics appends calibration metrics
func (s *MemoryEvaluationStore) SaveConfidenceMetrics(_ context.Context, metrics []confidence.Metric) error {
	s.mu.Lock()
	s.metrics = append(s.metrics, metrics...)
	s.mu.Unlock()
	return nil
}

// ConfidenceMetrics returns a snapshot of the stored metrics
func (s *MemoryEvaluationStore) ConfidenceMetrics() []confidence.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]confidence.Metric, len(s.metrics))
	copy(out, s.metrics)
	return out
}
