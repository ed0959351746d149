// Package types provides core data structures and type definitions for the
// EMR query engine: artifacts, chunks, structured queries, retrieval
// candidates, extractions, and conversation context.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ArtifactType represents the kind of EMR record an artifact was ingested from
type ArtifactType string

const (
	// ArtifactTypeClinicalNote represents a free-text clinical note
	ArtifactTypeClinicalNote ArtifactType = "clinical_note"
	// ArtifactTypeProgressNote represents a progress note from an encounter
	ArtifactTypeProgressNote ArtifactType = "progress_note"
	// ArtifactTypeDischargeSummary represents a discharge summary
	ArtifactTypeDischargeSummary ArtifactType = "discharge_summary"
	// ArtifactTypeMedicationOrder represents a medication order
	ArtifactTypeMedicationOrder ArtifactType = "medication_order"
	// ArtifactTypePrescription represents a prescription record
	ArtifactTypePrescription ArtifactType = "prescription"
	// ArtifactTypeMedicationList represents a reconciled medication list
	ArtifactTypeMedicationList ArtifactType = "medication_list"
	// ArtifactTypeCondition represents a diagnosed condition entry
	ArtifactTypeCondition ArtifactType = "condition"
	// ArtifactTypeAllergy represents an allergy or intolerance record
	ArtifactTypeAllergy ArtifactType = "allergy"
	// ArtifactTypeLabObservation represents a single lab observation
	ArtifactTypeLabObservation ArtifactType = "lab_observation"
	// ArtifactTypeLabResult represents a lab result panel
	ArtifactTypeLabResult ArtifactType = "lab_result"
	// ArtifactTypeVital represents a vital-sign measurement
	ArtifactTypeVital ArtifactType = "vital"
	// ArtifactTypeCarePlan represents a care plan document
	ArtifactTypeCarePlan ArtifactType = "care_plan"
	// ArtifactTypeProcedure represents a performed procedure record
	ArtifactTypeProcedure ArtifactType = "procedure"
	// ArtifactTypeAppointment represents an appointment record
	ArtifactTypeAppointment ArtifactType = "appointment"
	// ArtifactTypeFormResponse represents a patient-completed form response
	ArtifactTypeFormResponse ArtifactType = "form_response"
	// ArtifactTypeMessage represents a patient/provider message
	ArtifactTypeMessage ArtifactType = "message"
	// ArtifactTypeDocument represents a scanned or attached document
	ArtifactTypeDocument ArtifactType = "document"
)

// AllArtifactTypes lists the seventeen recognized artifact tiers
var AllArtifactTypes = []ArtifactType{
	ArtifactTypeClinicalNote, ArtifactTypeProgressNote, ArtifactTypeDischargeSummary,
	ArtifactTypeMedicationOrder, ArtifactTypePrescription, ArtifactTypeMedicationList,
	ArtifactTypeCondition, ArtifactTypeAllergy, ArtifactTypeLabObservation,
	ArtifactTypeLabResult, ArtifactTypeVital, ArtifactTypeCarePlan,
	ArtifactTypeProcedure, ArtifactTypeAppointment, ArtifactTypeFormResponse,
	ArtifactTypeMessage, ArtifactTypeDocument,
}

// Valid returns true if the artifact type is one of the recognized tiers
func (at ArtifactType) Valid() bool {
	for _, t := range AllArtifactTypes {
		if at == t {
			return true
		}
	}
	return false
}

// Intent represents the classified intent of a user query
type Intent string

const (
	// IntentRetrieveMedications asks about medications, dosages, prescriptions
	IntentRetrieveMedications Intent = "retrieve_medications"
	// IntentRetrieveCarePlans asks about care plans and follow-up instructions
	IntentRetrieveCarePlans Intent = "retrieve_care_plans"
	// IntentRetrieveNotes asks about clinical notes and visit documentation
	IntentRetrieveNotes Intent = "retrieve_notes"
	// IntentRetrieveAll is the broad fallback when no intent dominates
	IntentRetrieveAll Intent = "retrieve_all"
	// IntentSummary asks for an overview across the record
	IntentSummary Intent = "summary"
	// IntentComparison asks to compare values or periods
	IntentComparison Intent = "comparison"
	// IntentUnknown is used for empty or unclassifiable queries
	IntentUnknown Intent = "unknown"
)

// Valid returns true if the intent is recognized
func (i Intent) Valid() bool {
	switch i {
	case IntentRetrieveMedications, IntentRetrieveCarePlans, IntentRetrieveNotes,
		IntentRetrieveAll, IntentSummary, IntentComparison, IntentUnknown:
		return true
	}
	return false
}

// EntityType represents the category of an extracted entity
type EntityType string

const (
	EntityTypeMedication EntityType = "medication"
	EntityTypeCondition  EntityType = "condition"
	EntityTypeSymptom    EntityType = "symptom"
	EntityTypeDate       EntityType = "date"
	EntityTypePerson     EntityType = "person"
)

// Valid returns true if the entity type is recognized
func (et EntityType) Valid() bool {
	switch et {
	case EntityTypeMedication, EntityTypeCondition, EntityTypeSymptom, EntityTypeDate, EntityTypePerson:
		return true
	}
	return false
}

// Entity is a recognized clinical entity in a query
type Entity struct {
	Text       string     `json:"text"`
	Type       EntityType `json:"type"`
	Normalized string     `json:"normalized"`
	Confidence float64    `json:"confidence"`
}

// Span is a half-open pair of character offsets [Start, End) into some
// source text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the span length in characters
func (s Span) Len() int { return s.End - s.Start }

// Valid reports whether the span is well formed within a text of length n
func (s Span) Valid(n int) bool {
	return s.Start >= 0 && s.Start < s.End && s.End <= n
}

// MinArtifactDate is the earliest occurred_at accepted for an artifact
var MinArtifactDate = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// Artifact is one canonical EMR record after normalization
type Artifact struct {
	ID         string            `json:"id"`
	PatientID  string            `json:"patient_id"`
	Type       ArtifactType      `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Text       string            `json:"text"`
	Source     string            `json:"source"`
	Author     string            `json:"author,omitempty"`
	Title      string            `json:"title,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Validate checks the artifact invariants required before chunking
func (a *Artifact) Validate() error {
	if a.ID == "" {
		return errors.New("artifact id is required")
	}
	if a.PatientID == "" {
		return errors.New("artifact patient_id is required")
	}
	if !a.Type.Valid() {
		return fmt.Errorf("unrecognized artifact type: %s", a.Type)
	}
	if a.Text == "" {
		return errors.New("artifact text cannot be empty")
	}
	if a.OccurredAt.Before(MinArtifactDate) {
		return fmt.Errorf("artifact occurred_at %s precedes 1900-01-01", a.OccurredAt.Format(time.RFC3339))
	}
	return nil
}

// Chunk is an overlapping 200-300 word slice of an artifact's text
type Chunk struct {
	ChunkID      string       `json:"chunk_id"`
	ArtifactID   string       `json:"artifact_id"`
	PatientID    string       `json:"patient_id"`
	ArtifactType ArtifactType `json:"artifact_type"`
	ChunkText    string       `json:"chunk_text"`
	CharOffsets  Span         `json:"char_offsets"`
	OccurredAt   time.Time    `json:"occurred_at"`
	Author       string       `json:"author,omitempty"`
	Source       string       `json:"source,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// SentenceRecord locates one sentence within a chunk for precision citations.
// AbsoluteOffsets = chunk.CharOffsets.Start + CharOffsets.
type SentenceRecord struct {
	SentenceID      string `json:"sentence_id"`
	ChunkID         string `json:"chunk_id"`
	ArtifactID      string `json:"artifact_id"`
	Text            string `json:"text"`
	CharOffsets     Span   `json:"char_offsets"`
	AbsoluteOffsets Span   `json:"absolute_offsets"`
}

// TemporalFilter captures a parsed date range from query text
type TemporalFilter struct {
	DateFrom      time.Time `json:"date_from"`
	DateTo        time.Time `json:"date_to"`
	TimeReference string    `json:"time_reference"`
	RelativeType  string    `json:"relative_type,omitempty"` // days, weeks, months, years
	Amount        int       `json:"amount,omitempty"`
}

// DateRange is a closed interval on occurred_at
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the closed interval
func (dr *DateRange) Contains(t time.Time) bool {
	return !t.Before(dr.From) && !t.After(dr.To)
}

// QueryFilters narrows the chunk population for retrieval
type QueryFilters struct {
	ArtifactTypes []ArtifactType `json:"artifact_types,omitempty"`
	DateRange     *DateRange     `json:"date_range,omitempty"`
}

// StructuredQuery is the query-understanding output consumed by retrieval
type StructuredQuery struct {
	QueryID          string          `json:"query_id"`
	OriginalQuery    string          `json:"original_query"`
	PatientID        string          `json:"patient_id"`
	Intent           Intent          `json:"intent"`
	IntentConfidence float64         `json:"intent_confidence"`
	Entities         []Entity        `json:"entities"`
	TemporalFilter   *TemporalFilter `json:"temporal_filter,omitempty"`
	Filters          QueryFilters    `json:"filters"`
	DetailLevel      int             `json:"detail_level"` // 1-5
}

// NewQueryID mints a fresh query identifier
func NewQueryID() string {
	return uuid.New().String()
}

// Scores holds the normalized retrieval signals for a candidate
type Scores struct {
	Semantic       float64 `json:"semantic"`
	Keyword        float64 `json:"keyword"`
	Recency        float64 `json:"recency"`
	TypePreference float64 `json:"type_preference"`
	Combined       float64 `json:"combined"`
}

// HighlightType distinguishes how a match span was found
type HighlightType string

const (
	HighlightExact  HighlightType = "exact"
	HighlightEntity HighlightType = "entity"
	HighlightFuzzy  HighlightType = "fuzzy"
)

// Highlight is a match span over a chunk's text
type Highlight struct {
	Start int           `json:"start"`
	End   int           `json:"end"`
	Term  string        `json:"term"`
	Type  HighlightType `json:"type"`
}

// RetrievalCandidate is a chunk paired with scores, snippet, and highlights
type RetrievalCandidate struct {
	Chunk      Chunk       `json:"chunk"`
	Scores     Scores      `json:"scores"`
	Snippet    string      `json:"snippet,omitempty"`
	Highlights []Highlight `json:"highlights,omitempty"`
	Rank       int         `json:"rank"`
}

// ExtractionType tags the structured-claim variant produced by generation
type ExtractionType string

const (
	// ExtractionMedicationRecommendation carries medication/dosage/frequency content
	ExtractionMedicationRecommendation ExtractionType = "medication_recommendation"
	// ExtractionCarePlanNote carries care-plan instructions and follow-ups
	ExtractionCarePlanNote ExtractionType = "care_plan_note"
	// ExtractionGeneralNote carries any other grounded claim
	ExtractionGeneralNote ExtractionType = "general_note"
)

// Valid returns true if the extraction type is recognized
func (et ExtractionType) Valid() bool {
	switch et {
	case ExtractionMedicationRecommendation, ExtractionCarePlanNote, ExtractionGeneralNote:
		return true
	}
	return false
}

// Provenance grounds a claim in a chunk region of the retrieval set
type Provenance struct {
	ArtifactID     string  `json:"artifact_id"`
	ChunkID        string  `json:"chunk_id"`
	CharOffsets    Span    `json:"char_offsets"`
	SupportingText string  `json:"supporting_text"`
	Confidence     float64 `json:"confidence,omitempty"`
}

// Extraction is a single structured claim with provenance
type Extraction struct {
	Type       ExtractionType    `json:"type"`
	Content    map[string]string `json:"content"`
	Provenance Provenance        `json:"provenance"`
}

// ProvenanceRef is the user-facing citation emitted in responses
type ProvenanceRef struct {
	ArtifactID string `json:"artifact_id"`
	ChunkID    string `json:"chunk_id"`
	Snippet    string `json:"snippet"`
	NoteDate   string `json:"note_date"` // relative, e.g. "2 days ago"
	SourceURL  string `json:"source_url"`
}

// StageMetric records one retrieval stage's timing and input/output counts
type StageMetric struct {
	Stage       string `json:"stage"`
	DurationMS  int64  `json:"duration_ms"`
	InputCount  int    `json:"input_count"`
	OutputCount int    `json:"output_count"`
}

// IntegratedResult is the output of one integrated retrieval run
type IntegratedResult struct {
	Candidates      []RetrievalCandidate `json:"candidates"`
	TotalSearched   int                  `json:"total_searched"`
	FilteredCount   int                  `json:"filtered_count"`
	RetrievalTimeMS int64                `json:"retrieval_time_ms"`
	StageMetrics    []StageMetric        `json:"stage_metrics"`
	CacheHit        bool                 `json:"cache_hit"`
	Error           string               `json:"error,omitempty"`
}

// ParallelResult is the merged output of a partitioned retrieval run
type ParallelResult struct {
	IntegratedResult
	ParallelSearches     int     `json:"parallel_searches"`
	MergeTimeMS          int64   `json:"merge_time_ms"`
	DeduplicationRemoved int     `json:"deduplication_removed"`
	SequentialFallback   bool    `json:"sequential_fallback"`
	SpeedupFactor        float64 `json:"speedup_factor,omitempty"`
}

// UncertaintyLevel buckets an aggregate confidence score
type UncertaintyLevel string

const (
	UncertaintyVeryLow  UncertaintyLevel = "very_low"
	UncertaintyLow      UncertaintyLevel = "low"
	UncertaintyMedium   UncertaintyLevel = "medium"
	UncertaintyHigh     UncertaintyLevel = "high"
	UncertaintyVeryHigh UncertaintyLevel = "very_high"
)

// ConfidenceFactors holds the four calibration factors, each in [0,1]
type ConfidenceFactors struct {
	Retrieval   float64 `json:"retrieval"`
	Source      float64 `json:"source"`
	Extraction  float64 `json:"extraction"`
	Consistency float64 `json:"consistency"`
}

// ConfidenceReport is the calibrated confidence attached to a response
type ConfidenceReport struct {
	Overall        float64           `json:"overall"`
	Uncertainty    UncertaintyLevel  `json:"uncertainty"`
	Recommendation string            `json:"recommendation"`
	Factors        ConfidenceFactors `json:"factors"`
	LowReasons     []string          `json:"low_confidence_reasons,omitempty"`
}

// ConversationTurn is one query/response exchange inside a session
type ConversationTurn struct {
	Query           string           `json:"query"`
	StructuredQuery *StructuredQuery `json:"structured_query,omitempty"`
	Response        *UIResponse      `json:"response,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// ConversationContext is a bounded five-turn session window
type ConversationContext struct {
	SessionID          string             `json:"session_id"`
	PatientID          string             `json:"patient_id"`
	Turns              []ConversationTurn `json:"turns"`
	LastEntities       []Entity           `json:"last_entities,omitempty"`
	LastTemporalFilter *TemporalFilter    `json:"last_temporal_filter,omitempty"`
	LastIntent         Intent             `json:"last_intent,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	ExpiresAt          time.Time          `json:"expires_at"`
}

// Expired reports whether the session window has closed
func (cc *ConversationContext) Expired(now time.Time) bool {
	return now.After(cc.ExpiresAt)
}

// ResponseError is the user-visible error payload
type ResponseError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	UserMessage string `json:"userMessage"`
	Details     string `json:"details,omitempty"`
}

// StageTiming records per-stage wall clock for the orchestrator
type StageTiming struct {
	Stage      string `json:"stage"`
	DurationMS int64  `json:"duration_ms"`
}

// ResponseMetadata carries pipeline timing and partial-result flags
type ResponseMetadata struct {
	TotalTimeMS int64         `json:"totalTimeMs"`
	Stages      []StageTiming `json:"stages"`
	Partial     bool          `json:"partial,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// UIResponse is the single user-visible response object built by the orchestrator
type UIResponse struct {
	QueryID               string            `json:"queryId"`
	Success               bool              `json:"success"`
	ShortAnswer           string            `json:"shortAnswer,omitempty"`
	DetailedSummary       string            `json:"detailedSummary,omitempty"`
	StructuredExtractions []Extraction      `json:"structuredExtractions,omitempty"`
	Provenance            []ProvenanceRef   `json:"provenance,omitempty"`
	Confidence            *ConfidenceReport `json:"confidence,omitempty"`
	Error                 *ResponseError    `json:"error,omitempty"`
	Metadata              ResponseMetadata  `json:"metadata"`
}

// Evaluation is a human rating of a produced answer
type Evaluation struct {
	EvaluationID string    `json:"evaluation_id"`
	QueryID      string    `json:"query_id"`
	Evaluator    string    `json:"evaluator"`
	Rating       int       `json:"rating"` // 1-5
	Comment      string    `json:"comment,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
