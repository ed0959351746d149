package query

import (
	"context"
	"fmt"
	"strings"

	"emr-query-engine/internal/apperrors"
	"emr-query-engine/internal/logging"
	"emr-query-engine/internal/temporal"
	"emr-query-engine/pkg/types"
)

// MaxQueryLength caps accepted query text
const MaxQueryLength = 1000

// Agent composes the temporal parser, intent classifier, entity extractor,
// and detail analyzer into a StructuredQuery.
type Agent struct {
	temporal *temporal.Parser
	intents  *IntentClassifier
	entities *EntityExtractor
	detail   *DetailAnalyzer
	expander *Expander
	logger   logging.Logger
}

// NewAgent wires the query-understanding components together
func NewAgent(tp *temporal.Parser, logger logging.Logger) *Agent {
	return &Agent{
		temporal: tp,
		intents:  NewIntentClassifier(),
		entities: NewEntityExtractor(tp),
		detail:   NewDetailAnalyzer(),
		expander: NewExpander(),
		logger:   logger.WithComponent("query_agent"),
	}
}

// Understand parses the raw query into a StructuredQuery. Validation
// failures return an INVALID_QUERY error.
func (a *Agent) Understand(ctx context.Context, queryText, patientID string) (*types.StructuredQuery, error) {
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return nil, apperrors.New(apperrors.CodeInvalidQuery, "query text is empty", "Please enter a question.")
	}
	if len(queryText) > MaxQueryLength {
		return nil, apperrors.New(apperrors.CodeInvalidQuery, "query text exceeds maximum length",
			"Your question is too long. Please shorten it.").
			WithDetails(fmt.Sprintf("length %d exceeds maximum %d", len(queryText), MaxQueryLength))
	}
	if strings.TrimSpace(patientID) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidQuery, "patient_id is required", "A patient must be selected.")
	}

	temporalFilters := a.temporal.ParseAll(queryText)
	var temporalFilter *types.TemporalFilter
	if len(temporalFilters) > 0 {
		temporalFilter = temporalFilters[0]
	}

	intentResult := a.intents.Classify(queryText)
	entities := a.entities.Extract(queryText)
	level := a.detail.Analyze(queryText, intentResult.Intent, entities, len(temporalFilters))

	// Intent never narrows Filters.ArtifactTypes: the intent's type affinity
	// is a soft scoring signal, so a medications question can still surface a
	// clinical note that mentions the drug. Hard type filters are reserved
	// for explicitly requested types.
	var filters types.QueryFilters
	if temporalFilter != nil {
		filters.DateRange = &types.DateRange{
			From: temporalFilter.DateFrom,
			To:   temporalFilter.DateTo,
		}
	}

	sq := &types.StructuredQuery{
		QueryID:          types.NewQueryID(),
		OriginalQuery:    queryText,
		PatientID:        patientID,
		Intent:           intentResult.Intent,
		IntentConfidence: intentResult.Confidence,
		Entities:         entities,
		TemporalFilter:   temporalFilter,
		Filters:          filters,
		DetailLevel:      level,
	}

	a.logger.DebugContext(ctx, "query understood",
		"query_id", sq.QueryID,
		"intent", string(sq.Intent),
		"confidence", intentResult.Confidence,
		"entities", len(entities),
		"detail_level", level,
		"has_temporal", temporalFilter != nil,
	)

	return sq, nil
}

// Expand returns weighted search variants for an understood query
func (a *Agent) Expand(sq *types.StructuredQuery) []QueryVariant {
	return a.expander.Expand(sq.OriginalQuery, sq.Entities)
}

// SearchTerms returns boost-paired content words across the query variants
func (a *Agent) SearchTerms(variants []QueryVariant) []WeightedTerm {
	return a.expander.SearchTerms(variants)
}
