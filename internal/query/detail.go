package query

import (
	"regexp"
	"strings"

	"emr-query-engine/pkg/types"
)

// Response-depth tiers
const (
	DetailMinimal       = 1
	DetailBasic         = 2
	DetailStandard      = 3
	DetailDetailed      = 4
	DetailComprehensive = 5
)

// ResponseGuidelines describe how verbose a response at a given level
// should be.
type ResponseGuidelines struct {
	MaxShortAnswerWords int  `json:"max_short_answer_words"`
	SummaryBullets      int  `json:"summary_bullets"`
	MinSources          int  `json:"min_sources"`
	RequireReasoning    bool `json:"require_reasoning"`
}

var guidelinesByLevel = map[int]ResponseGuidelines{
	DetailMinimal:       {MaxShortAnswerWords: 15, SummaryBullets: 0, MinSources: 1, RequireReasoning: false},
	DetailBasic:         {MaxShortAnswerWords: 30, SummaryBullets: 1, MinSources: 1, RequireReasoning: false},
	DetailStandard:      {MaxShortAnswerWords: 50, SummaryBullets: 3, MinSources: 2, RequireReasoning: false},
	DetailDetailed:      {MaxShortAnswerWords: 80, SummaryBullets: 5, MinSources: 3, RequireReasoning: true},
	DetailComprehensive: {MaxShortAnswerWords: 120, SummaryBullets: 8, MinSources: 3, RequireReasoning: true},
}

var defaultLevelByIntent = map[types.Intent]int{
	types.IntentRetrieveMedications: DetailStandard,
	types.IntentRetrieveCarePlans:   DetailStandard,
	types.IntentRetrieveNotes:       DetailStandard,
	types.IntentRetrieveAll:         DetailStandard,
	types.IntentSummary:             DetailDetailed,
	types.IntentComparison:          DetailComprehensive,
	types.IntentUnknown:             DetailStandard,
}

// DetailAnalyzer assigns a response-depth tier 1-5 from query shape
type DetailAnalyzer struct {
	yesNo        *regexp.Regexp
	singleFactWh *regexp.Regexp
	analytic     *regexp.Regexp
}

// NewDetailAnalyzer builds the analyzer with its signal patterns
func NewDetailAnalyzer() *DetailAnalyzer {
	return &DetailAnalyzer{
		yesNo:        regexp.MustCompile(`(?i)^\s*(is|are|was|were|does|do|did|has|have|had|can|could|should|will)\b`),
		singleFactWh: regexp.MustCompile(`(?i)^\s*(what|when|who|which|where)\s+(is|was|are|were|did|does)\b`),
		analytic:     regexp.MustCompile(`(?i)\b(compare|comparison|explain why|trend|trends|analyze|analysis|over time|correlation)\b`),
	}
}

// Analyze returns the detail level for the query. Explicit analytic signals
// and high entity or temporal counts push the level up; yes/no and single
// fact questions push it down. With no signal the intent default applies.
func (da *DetailAnalyzer) Analyze(queryText string, intent types.Intent, entities []types.Entity, temporalCount int) int {
	lower := strings.ToLower(queryText)

	nonDateEntities := 0
	for _, e := range entities {
		if e.Type != types.EntityTypeDate {
			nonDateEntities++
		}
	}

	switch {
	case da.analytic.MatchString(lower) && (nonDateEntities >= 3 || temporalCount >= 2):
		return DetailComprehensive
	case da.analytic.MatchString(lower):
		return DetailDetailed
	case nonDateEntities >= 3 || temporalCount >= 2:
		return DetailDetailed
	case da.yesNo.MatchString(queryText):
		return DetailMinimal
	case da.singleFactWh.MatchString(queryText):
		return DetailBasic
	}

	if level, ok := defaultLevelByIntent[intent]; ok {
		return level
	}
	return DetailStandard
}

// Guidelines returns the response guidelines for a level, falling back to
// the standard tier for out-of-range levels.
func Guidelines(level int) ResponseGuidelines {
	if g, ok := guidelinesByLevel[level]; ok {
		return g
	}
	return guidelinesByLevel[DetailStandard]
}
