// Package retrieval implements the scoring, ranking, and multi-stage search
// pipeline that turns a structured query into ranked chunk candidates.
package retrieval

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"emr-query-engine/internal/query"
	"emr-query-engine/pkg/types"
)

// BM25 parameters
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// defaultDecayRate gives roughly a 100-day relevance half-life
const defaultDecayRate = 0.01

// ScoreWeights blends the four retrieval signals. Weights are renormalized
// to sum to 1 before use.
type ScoreWeights struct {
	Semantic       float64 `json:"semantic"`
	Keyword        float64 `json:"keyword"`
	Recency        float64 `json:"recency"`
	TypePreference float64 `json:"type_preference"`
}

// DefaultScoreWeights returns the standard signal blend
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Semantic:       0.40,
		Keyword:        0.30,
		Recency:        0.20,
		TypePreference: 0.10,
	}
}

// normalized scales the weights to sum to 1, restoring defaults when every
// weight is zero.
func (w ScoreWeights) normalized() ScoreWeights {
	sum := w.Semantic + w.Keyword + w.Recency + w.TypePreference
	if sum <= 0 {
		return DefaultScoreWeights()
	}
	return ScoreWeights{
		Semantic:       w.Semantic / sum,
		Keyword:        w.Keyword / sum,
		Recency:        w.Recency / sum,
		TypePreference: w.TypePreference / sum,
	}
}

// typePreferences maps intent to artifact-type affinity. Exact matches score
// 1.0, related types 0.5-0.8, unrelated 0.1-0.3.
var typePreferences = map[types.Intent]map[types.ArtifactType]float64{
	types.IntentRetrieveMedications: {
		types.ArtifactTypeMedicationOrder:  1.0,
		types.ArtifactTypePrescription:     1.0,
		types.ArtifactTypeMedicationList:   1.0,
		types.ArtifactTypeClinicalNote:     0.6,
		types.ArtifactTypeProgressNote:     0.6,
		types.ArtifactTypeDischargeSummary: 0.7,
		types.ArtifactTypeCondition:        0.5,
		types.ArtifactTypeAllergy:          0.5,
	},
	types.IntentRetrieveCarePlans: {
		types.ArtifactTypeCarePlan:         1.0,
		types.ArtifactTypeDischargeSummary: 0.8,
		types.ArtifactTypeProgressNote:     0.6,
		types.ArtifactTypeClinicalNote:     0.6,
		types.ArtifactTypeAppointment:      0.5,
	},
	types.IntentRetrieveNotes: {
		types.ArtifactTypeClinicalNote:     1.0,
		types.ArtifactTypeProgressNote:     1.0,
		types.ArtifactTypeDischargeSummary: 1.0,
		types.ArtifactTypeMessage:          0.6,
		types.ArtifactTypeDocument:         0.5,
	},
	types.IntentComparison: {
		types.ArtifactTypeLabResult:      0.8,
		types.ArtifactTypeLabObservation: 0.8,
		types.ArtifactTypeVital:          0.8,
		types.ArtifactTypeProgressNote:   0.6,
	},
}

const (
	unrelatedTypeScore = 0.2
	neutralTypeScore   = 0.5
)

var scoreTokenizer = regexp.MustCompile(`[a-z0-9][a-z0-9-]*`)

// Scorer computes the four normalized retrieval signals and combined scores
type Scorer struct {
	decayRate float64
	now       func() time.Time
}

// NewScorer creates a scorer with the given time-decay rate
func NewScorer(decayRate float64) *Scorer {
	if decayRate <= 0 {
		decayRate = defaultDecayRate
	}
	return &Scorer{decayRate: decayRate, now: time.Now}
}

// BM25Scores computes keyword scores for every chunk against the boosted
// query terms, normalized to [0,1] by the best score in the set. Each term's
// contribution is scaled by its boost.
func (s *Scorer) BM25Scores(queryTerms []query.WeightedTerm, chunks []types.Chunk) []float64 {
	scores := make([]float64, len(chunks))
	if len(chunks) == 0 || len(queryTerms) == 0 {
		return scores
	}

	docTokens := make([][]string, len(chunks))
	docFreq := make(map[string]int)
	var totalLen int
	for i, chunk := range chunks {
		tokens := scoreTokenizer.FindAllString(strings.ToLower(chunk.ChunkText), -1)
		docTokens[i] = tokens
		totalLen += len(tokens)

		seen := make(map[string]bool)
		for _, tok := range tokens {
			if !seen[tok] {
				seen[tok] = true
				docFreq[tok]++
			}
		}
	}
	avgLen := float64(totalLen) / float64(len(chunks))

	n := float64(len(chunks))
	var maxScore float64
	for i, tokens := range docTokens {
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}

		var score float64
		docLen := float64(len(tokens))
		for _, qt := range queryTerms {
			term := strings.ToLower(qt.Term)
			f := float64(tf[term])
			if f == 0 {
				continue
			}
			boost := qt.Boost
			if boost <= 0 {
				boost = 1
			}
			df := float64(docFreq[term])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			score += boost * idf * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
		}
		scores[i] = score
		if score > maxScore {
			maxScore = score
		}
	}

	if maxScore > 0 {
		for i := range scores {
			scores[i] /= maxScore
		}
	}
	return scores
}

// Recency computes exp(-rate * days_ago); future dates clamp to 1.0
func (s *Scorer) Recency(occurredAt time.Time) float64 {
	days := s.now().UTC().Sub(occurredAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-s.decayRate * days)
}

// TypePreference looks up the intent's affinity for the artifact type.
// Intents without a table treat every type as neutral.
func (s *Scorer) TypePreference(intent types.Intent, artifactType types.ArtifactType) float64 {
	table, ok := typePreferences[intent]
	if !ok {
		return neutralTypeScore
	}
	if score, ok := table[artifactType]; ok {
		return score
	}
	return unrelatedTypeScore
}

// Combine fills each candidate's combined score from its signals using the
// renormalized weights.
func (s *Scorer) Combine(candidates []types.RetrievalCandidate, weights ScoreWeights) {
	w := weights.normalized()
	for i := range candidates {
		sc := &candidates[i].Scores
		sc.Combined = w.Semantic*sc.Semantic + w.Keyword*sc.Keyword +
			w.Recency*sc.Recency + w.TypePreference*sc.TypePreference
	}
}

// Rank sorts candidates by descending combined score with the tie-break
// chain higher semantic, newer occurred_at, smaller chunk_id, then assigns
// ranks.
func (s *Scorer) Rank(candidates []types.RetrievalCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Scores.Combined != b.Scores.Combined {
			return a.Scores.Combined > b.Scores.Combined
		}
		if a.Scores.Semantic != b.Scores.Semantic {
			return a.Scores.Semantic > b.Scores.Semantic
		}
		if !a.Chunk.OccurredAt.Equal(b.Chunk.OccurredAt) {
			return a.Chunk.OccurredAt.After(b.Chunk.OccurredAt)
		}
		return a.Chunk.ChunkID < b.Chunk.ChunkID
	})
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
}

// NormalizeCombined min-max scales combined scores across the candidate set
func (s *Scorer) NormalizeCombined(candidates []types.RetrievalCandidate) {
	if len(candidates) == 0 {
		return
	}
	minScore, maxScore := candidates[0].Scores.Combined, candidates[0].Scores.Combined
	for _, c := range candidates[1:] {
		if c.Scores.Combined < minScore {
			minScore = c.Scores.Combined
		}
		if c.Scores.Combined > maxScore {
			maxScore = c.Scores.Combined
		}
	}
	span := maxScore - minScore
	if span == 0 {
		return
	}
	for i := range candidates {
		candidates[i].Scores.Combined = (candidates[i].Scores.Combined - minScore) / span
	}
}

// Diversify reorders ranked candidates by penalizing similarity to already
// selected ones. Similarity blends a discrete same-artifact-type signal with
// token Jaccard; only similarities at or above threshold incur the
// diversityWeight penalty.
func (s *Scorer) Diversify(candidates []types.RetrievalCandidate, diversityWeight, threshold float64) []types.RetrievalCandidate {
	if len(candidates) <= 1 {
		return candidates
	}

	tokens := make([]map[string]bool, len(candidates))
	for i, c := range candidates {
		tokens[i] = tokenSet(c.Chunk.ChunkText)
	}

	remaining := make([]int, len(candidates))
	for i := range remaining {
		remaining[i] = i
	}

	selected := make([]types.RetrievalCandidate, 0, len(candidates))
	var selectedIdx []int

	for len(remaining) > 0 {
		bestPos := 0
		bestScore := math.Inf(-1)
		for pos, idx := range remaining {
			var maxSim float64
			for _, sel := range selectedIdx {
				sim := 0.5 * jaccard(tokens[idx], tokens[sel])
				if candidates[idx].Chunk.ArtifactType == candidates[sel].Chunk.ArtifactType {
					sim += 0.5
				}
				if sim > maxSim {
					maxSim = sim
				}
			}
			score := candidates[idx].Scores.Combined
			if maxSim >= threshold {
				score -= diversityWeight * maxSim
			}
			if score > bestScore {
				bestScore = score
				bestPos = pos
			}
		}

		idx := remaining[bestPos]
		selected = append(selected, candidates[idx])
		selectedIdx = append(selectedIdx, idx)
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}

	for i := range selected {
		selected[i].Rank = i + 1
	}
	return selected
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range scoreTokenizer.FindAllString(strings.ToLower(text), -1) {
		set[tok] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	var intersection int
	for tok := range small {
		if large[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
