// Package query implements query understanding: intent classification,
// entity extraction, query expansion, detail-level analysis, and the agent
// that composes them into a StructuredQuery.
package query

import (
	"regexp"
	"strings"

	"emr-query-engine/pkg/types"
)

// Classification thresholds. A winner below MinConfidence falls back to
// retrieve_all; a runner-up within AmbiguityThreshold of the winner is
// reported as ambiguous.
const (
	MinConfidence      = 0.10
	AmbiguityThreshold = 0.05
)

// IntentResult is the classifier output
type IntentResult struct {
	Intent           types.Intent             `json:"intent"`
	Confidence       float64                  `json:"confidence"`
	AmbiguousIntents []types.Intent           `json:"ambiguous_intents,omitempty"`
	Scores           map[types.Intent]float64 `json:"scores,omitempty"`
}

// IntentClassifier scores queries against per-intent keyword tables
type IntentClassifier struct {
	keywords  map[types.Intent]map[string]float64
	maxScores map[types.Intent]float64
	tokenizer *regexp.Regexp
}

// NewIntentClassifier builds the classifier with its curated keyword tables
func NewIntentClassifier() *IntentClassifier {
	keywords := map[types.Intent]map[string]float64{
		types.IntentRetrieveMedications: {
			"medication": 3.0, "medications": 3.0, "medicine": 2.5, "medicines": 2.5,
			"drug": 2.5, "drugs": 2.5, "prescription": 3.0, "prescriptions": 3.0,
			"prescribed": 2.5, "dosage": 2.5, "dose": 2.0, "taking": 1.5,
			"pill": 2.0, "pills": 2.0, "refill": 2.0,
		},
		types.IntentRetrieveCarePlans: {
			"care plan": 3.0, "care plans": 3.0, "plan": 1.5, "follow up": 2.5,
			"follow-up": 2.5, "treatment": 2.0, "goal": 1.5, "goals": 1.5,
			"instructions": 2.0, "regimen": 2.0, "scheduled": 1.5,
		},
		types.IntentRetrieveNotes: {
			"note": 2.5, "notes": 2.5, "visit": 2.0, "visits": 2.0,
			"appointment": 2.0, "appointments": 2.0, "encounter": 2.5,
			"documented": 2.0, "wrote": 1.5, "said": 1.5, "mentioned": 1.5,
		},
		types.IntentSummary: {
			"summary": 3.0, "summarize": 3.0, "overview": 3.0, "history": 2.0,
			"overall": 2.0, "everything": 2.0, "all records": 2.5,
		},
		types.IntentComparison: {
			"compare": 3.0, "comparison": 3.0, "versus": 2.5, "vs": 2.0,
			"difference": 2.5, "changed": 2.0, "change": 1.5, "trend": 2.5,
			"trends": 2.5, "before and after": 3.0,
		},
	}

	maxScores := make(map[types.Intent]float64, len(keywords))
	for intent, table := range keywords {
		var total float64
		for _, w := range table {
			total += w
		}
		maxScores[intent] = total
	}

	return &IntentClassifier{
		keywords:  keywords,
		maxScores: maxScores,
		tokenizer: regexp.MustCompile(`[a-z0-9]+`),
	}
}

// Classify scores the query against every intent table. Empty or noise
// queries classify as unknown with confidence 0.
func (ic *IntentClassifier) Classify(queryText string) IntentResult {
	lower := strings.ToLower(queryText)
	tokens := ic.tokenizer.FindAllString(lower, -1)
	if len(tokens) == 0 {
		return IntentResult{Intent: types.IntentUnknown, Confidence: 0}
	}

	scores := make(map[types.Intent]float64, len(ic.keywords))
	for intent, table := range ic.keywords {
		var matched float64
		for keyword, weight := range table {
			if containsKeyword(lower, tokens, keyword) {
				matched += weight
			}
		}
		if ic.maxScores[intent] > 0 {
			scores[intent] = matched / ic.maxScores[intent]
		}
	}

	var best types.Intent
	var bestScore float64
	for intent, score := range scores {
		if score > bestScore || (score == bestScore && intent < best) {
			best = intent
			bestScore = score
		}
	}

	// Zero hits across every table is noise, not a broad question
	if bestScore == 0 {
		return IntentResult{Intent: types.IntentUnknown, Confidence: 0, Scores: scores}
	}
	if bestScore < MinConfidence {
		return IntentResult{Intent: types.IntentRetrieveAll, Confidence: bestScore, Scores: scores}
	}

	var ambiguous []types.Intent
	for intent, score := range scores {
		if intent != best && bestScore-score <= AmbiguityThreshold && score >= MinConfidence {
			ambiguous = append(ambiguous, intent)
		}
	}

	return IntentResult{
		Intent:           best,
		Confidence:       bestScore,
		AmbiguousIntents: ambiguous,
		Scores:           scores,
	}
}

// containsKeyword matches single-word keywords against the token set and
// multi-word keywords as substrings of the lowered query.
func containsKeyword(lowerQuery string, tokens []string, keyword string) bool {
	if strings.ContainsAny(keyword, " -") {
		return strings.Contains(lowerQuery, keyword)
	}
	for _, tok := range tokens {
		if tok == keyword {
			return true
		}
	}
	return false
}
