package query

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emr-query-engine/internal/apperrors"
	"emr-query-engine/internal/logging"
	"emr-query-engine/internal/temporal"
	"emr-query-engine/pkg/types"
)

func testClock() func() time.Time {
	return func() time.Time {
		return time.Date(2024, 10, 15, 14, 30, 0, 0, time.UTC)
	}
}

func TestIntentClassifier_Medications(t *testing.T) {
	ic := NewIntentClassifier()

	r := ic.Classify("What medications is the patient currently taking?")
	assert.Equal(t, types.IntentRetrieveMedications, r.Intent)
	assert.Greater(t, r.Confidence, MinConfidence)
}

func TestIntentClassifier_CarePlans(t *testing.T) {
	ic := NewIntentClassifier()

	r := ic.Classify("Show me the care plan and follow up instructions")
	assert.Equal(t, types.IntentRetrieveCarePlans, r.Intent)
}

func TestIntentClassifier_Summary(t *testing.T) {
	ic := NewIntentClassifier()

	r := ic.Classify("Give me a summary of the patient's history")
	assert.Equal(t, types.IntentSummary, r.Intent)
}

func TestIntentClassifier_Comparison(t *testing.T) {
	ic := NewIntentClassifier()

	r := ic.Classify("Compare blood pressure trends before and after treatment")
	assert.Equal(t, types.IntentComparison, r.Intent)
}

func TestIntentClassifier_FallbackToRetrieveAll(t *testing.T) {
	ic := NewIntentClassifier()

	// "scheduled" gives a weak care-plan hit, below the confidence floor
	r := ic.Classify("anything scheduled for this patient")
	assert.Equal(t, types.IntentRetrieveAll, r.Intent)
	assert.Greater(t, r.Confidence, 0.0)
	assert.Less(t, r.Confidence, MinConfidence)
}

func TestIntentClassifier_NoiseQueryIsUnknown(t *testing.T) {
	ic := NewIntentClassifier()

	// Tokens that match no keyword table classify as unknown, not as a
	// broad retrieve_all question
	r := ic.Classify("anything interesting about this patient")
	assert.Equal(t, types.IntentUnknown, r.Intent)
	assert.Zero(t, r.Confidence)
}

func TestIntentClassifier_EmptyQuery(t *testing.T) {
	ic := NewIntentClassifier()

	r := ic.Classify("")
	assert.Equal(t, types.IntentUnknown, r.Intent)
	assert.Zero(t, r.Confidence)
}

func TestEntityExtractor_NormalizesAbbreviations(t *testing.T) {
	ee := NewEntityExtractor(temporal.NewParserWithClock(testClock()))

	entities := ee.Extract("Patient has HTN and a history of MI")

	byNorm := make(map[string]types.Entity)
	for _, e := range entities {
		byNorm[e.Normalized] = e
	}

	htn, ok := byNorm["hypertension"]
	require.True(t, ok)
	assert.Equal(t, types.EntityTypeCondition, htn.Type)
	assert.Equal(t, "htn", htn.Text)

	mi, ok := byNorm["myocardial infarction"]
	require.True(t, ok)
	assert.Equal(t, types.EntityTypeCondition, mi.Type)
}

func TestEntityExtractor_BrandNameMapsToCanonical(t *testing.T) {
	ee := NewEntityExtractor(temporal.NewParserWithClock(testClock()))

	entities := ee.Extract("Is the patient still on Lipitor?")
	require.Len(t, entities, 1)
	assert.Equal(t, "atorvastatin", entities[0].Normalized)
	assert.Equal(t, types.EntityTypeMedication, entities[0].Type)
}

func TestEntityExtractor_ConfidenceOrdering(t *testing.T) {
	ee := NewEntityExtractor(temporal.NewParserWithClock(testClock()))

	exact := ee.Extract("metformin")
	abbrev := ee.Extract("HTN")
	require.Len(t, exact, 1)
	require.Len(t, abbrev, 1)

	// Exact canonical matches outrank abbreviation matches
	assert.Greater(t, exact[0].Confidence, abbrev[0].Confidence)

	// Confidence is monotone in match length within a band
	short := ee.Extract("asthma")
	long := ee.Extract("hypothyroidism")
	require.Len(t, short, 1)
	require.Len(t, long, 1)
	assert.GreaterOrEqual(t, long[0].Confidence, short[0].Confidence)
}

func TestEntityExtractor_DatesAndPersons(t *testing.T) {
	ee := NewEntityExtractor(temporal.NewParserWithClock(testClock()))

	entities := ee.Extract("What did Dr. Smith prescribe in the last 3 months?")

	var dateCount, personCount int
	for _, e := range entities {
		switch e.Type {
		case types.EntityTypeDate:
			dateCount++
		case types.EntityTypePerson:
			personCount++
			assert.Equal(t, "Smith", e.Normalized)
		}
	}
	assert.Equal(t, 1, dateCount)
	assert.Equal(t, 1, personCount)
}

func TestEntityExtractor_PrefersLongerSurfaceForm(t *testing.T) {
	ee := NewEntityExtractor(temporal.NewParserWithClock(testClock()))

	entities := ee.Extract("history of high blood pressure")

	require.NotEmpty(t, entities)
	assert.Equal(t, "high blood pressure", entities[0].Text)
	assert.Equal(t, "hypertension", entities[0].Normalized)
}

func TestExpander_OriginalFirstWithBoost(t *testing.T) {
	e := NewExpander()

	variants := e.Expand("What medications is the patient taking?", nil)
	require.NotEmpty(t, variants)
	assert.Equal(t, "What medications is the patient taking?", variants[0].Text)
	assert.Equal(t, originalQueryWeight, variants[0].Weight)

	require.Greater(t, len(variants), 1)
	for _, v := range variants[1:] {
		assert.Equal(t, 1.0, v.Weight)
	}
}

func TestExpander_SynonymVariants(t *testing.T) {
	e := NewExpander()

	variants := e.Expand("show lab results from the heart attack admission", nil)

	var found bool
	for _, v := range variants {
		if strings.Contains(v.Text, "myocardial infarction") {
			found = true
		}
	}
	assert.True(t, found, "expected a myocardial infarction variant")
}

func TestExpander_EntityNormalizedVariant(t *testing.T) {
	e := NewExpander()

	entities := []types.Entity{
		{Text: "Lipitor", Type: types.EntityTypeMedication, Normalized: "atorvastatin", Confidence: 0.8},
	}
	variants := e.Expand("is the patient on lipitor", entities)

	var found bool
	for _, v := range variants {
		if strings.Contains(v.Text, "atorvastatin") {
			found = true
		}
	}
	assert.True(t, found, "expected an atorvastatin variant")
}

func TestExpander_SearchTermsDropStopWords(t *testing.T) {
	e := NewExpander()

	variants := e.Expand("what medications is the patient taking", nil)
	terms := e.SearchTerms(variants)

	boosts := make(map[string]float64, len(terms))
	for _, wt := range terms {
		boosts[wt.Term] = wt.Boost
	}

	assert.Contains(t, boosts, "medications")
	assert.Contains(t, boosts, "patient")
	assert.NotContains(t, boosts, "what")
	assert.NotContains(t, boosts, "the")
	assert.NotContains(t, boosts, "is")
}

func TestExpander_SearchTermBoosts(t *testing.T) {
	e := NewExpander()

	variants := e.Expand("what medications is the patient taking", nil)
	terms := e.SearchTerms(variants)

	boosts := make(map[string]float64, len(terms))
	for _, wt := range terms {
		boosts[wt.Term] = wt.Boost
	}

	// Original-query terms carry full boost; synonym-only terms are reduced
	assert.Equal(t, originalTermBoost, boosts["medications"])
	assert.Equal(t, originalTermBoost, boosts["patient"])
	require.Contains(t, boosts, "medicines")
	assert.Equal(t, synonymTermBoost, boosts["medicines"])
	require.Contains(t, boosts, "drugs")
	assert.Equal(t, synonymTermBoost, boosts["drugs"])
}

func TestDetailAnalyzer_Levels(t *testing.T) {
	da := NewDetailAnalyzer()

	tests := []struct {
		name     string
		query    string
		intent   types.Intent
		entities []types.Entity
		temporal int
		want     int
	}{
		{"yes/no question", "Is the patient on metformin?", types.IntentRetrieveMedications, nil, 0, DetailMinimal},
		{"single fact", "When was the last visit?", types.IntentRetrieveNotes, nil, 0, DetailBasic},
		{"intent default", "list the patient's prescriptions please", types.IntentRetrieveMedications, nil, 0, DetailStandard},
		{"analytic", "Explain why the dose was changed", types.IntentRetrieveMedications, nil, 0, DetailDetailed},
		{"comparison default", "blood pressure readings by period", types.IntentComparison, nil, 0, DetailComprehensive},
		{
			"analytic multi-entity",
			"compare hypertension, diabetes, and asthma management",
			types.IntentComparison,
			[]types.Entity{
				{Type: types.EntityTypeCondition, Normalized: "hypertension"},
				{Type: types.EntityTypeCondition, Normalized: "diabetes"},
				{Type: types.EntityTypeCondition, Normalized: "asthma"},
			},
			0,
			DetailComprehensive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := da.Analyze(tt.query, tt.intent, tt.entities, tt.temporal)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGuidelines_OutOfRangeFallsBack(t *testing.T) {
	assert.Equal(t, Guidelines(DetailStandard), Guidelines(0))
	assert.Equal(t, Guidelines(DetailStandard), Guidelines(9))
	assert.True(t, Guidelines(DetailComprehensive).RequireReasoning)
}

func newTestAgent() *Agent {
	return NewAgent(temporal.NewParserWithClock(testClock()), logging.NopLogger{})
}

func TestAgent_Understand(t *testing.T) {
	agent := newTestAgent()

	sq, err := agent.Understand(context.Background(), "What medications was the patient prescribed in the last 3 months?", "patient_123")
	require.NoError(t, err)

	assert.NotEmpty(t, sq.QueryID)
	assert.Equal(t, "patient_123", sq.PatientID)
	assert.Equal(t, types.IntentRetrieveMedications, sq.Intent)

	// Intent affinity is a soft scoring signal, never a hard type filter
	assert.Empty(t, sq.Filters.ArtifactTypes)

	require.NotNil(t, sq.TemporalFilter)
	require.NotNil(t, sq.Filters.DateRange)
	assert.Equal(t, sq.TemporalFilter.DateFrom, sq.Filters.DateRange.From)
	assert.Equal(t, sq.TemporalFilter.DateTo, sq.Filters.DateRange.To)
	assert.GreaterOrEqual(t, sq.DetailLevel, 1)
	assert.LessOrEqual(t, sq.DetailLevel, 5)
}

func TestAgent_UnderstandNoArtifactFilterForSummary(t *testing.T) {
	agent := newTestAgent()

	sq, err := agent.Understand(context.Background(), "Summarize the patient's medical history", "patient_123")
	require.NoError(t, err)
	assert.Equal(t, types.IntentSummary, sq.Intent)
	assert.Empty(t, sq.Filters.ArtifactTypes)
}

func TestAgent_UnderstandValidation(t *testing.T) {
	agent := newTestAgent()
	ctx := context.Background()

	_, err := agent.Understand(ctx, "", "patient_123")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidQuery))

	_, err = agent.Understand(ctx, "   ", "patient_123")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidQuery))

	_, err = agent.Understand(ctx, strings.Repeat("a", MaxQueryLength+1), "patient_123")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidQuery))

	_, err = agent.Understand(ctx, "what medications", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidQuery))
}

func TestAgent_ExpandAndSearchTerms(t *testing.T) {
	agent := newTestAgent()

	sq, err := agent.Understand(context.Background(), "current medication list", "patient_123")
	require.NoError(t, err)

	variants := agent.Expand(sq)
	require.NotEmpty(t, variants)
	assert.Equal(t, sq.OriginalQuery, variants[0].Text)

	terms := agent.SearchTerms(variants)
	var found bool
	for _, wt := range terms {
		if wt.Term == "medication" {
			found = true
			assert.Equal(t, originalTermBoost, wt.Boost)
		}
	}
	assert.True(t, found, "expected the medication term at full boost")
}
