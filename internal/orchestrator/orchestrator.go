// Package orchestrator drives one query through the full pipeline and is
// the sole place a user-visible response object is built.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"emr-query-engine/internal/apperrors"
	"emr-query-engine/internal/audit"
	"emr-query-engine/internal/circuitbreaker"
	"emr-query-engine/internal/confidence"
	"emr-query-engine/internal/conversation"
	"emr-query-engine/internal/generation"
	"emr-query-engine/internal/logging"
	"emr-query-engine/pkg/types"
)

// Pipeline stage names, in execution order
const (
	StageQueryUnderstanding   = "query_understanding"
	StageRetrieval            = "retrieval"
	StageGeneration           = "generation"
	StageConfidenceScoring    = "confidence_scoring"
	StageProvenanceFormatting = "provenance_formatting"
	StageResponseBuilding     = "response_building"
	StageAuditLogging         = "audit_logging"
)

// partialResultCount bounds how many candidates a deadline-expired response
// carries
const partialResultCount = 3

// QueryUnderstander turns raw query text into a structured query
type QueryUnderstander interface {
	Understand(ctx context.Context, queryText, patientID string) (*types.StructuredQuery, error)
}

// Retriever runs the partitioned retrieval pipeline
type Retriever interface {
	Retrieve(ctx context.Context, sq *types.StructuredQuery) *types.ParallelResult
}

// AnswerGenerator produces the grounded answer with validated provenance
type AnswerGenerator interface {
	Answer(ctx context.Context, sq *types.StructuredQuery, candidates []types.RetrievalCandidate) (*generation.Result, []string, error)
}

// Orchestrator wires the pipeline stages under a single hard deadline
type Orchestrator struct {
	understander QueryUnderstander
	sessions     *conversation.Manager
	retriever    Retriever
	generator    AnswerGenerator
	calibrator   *confidence.Calibrator
	breaker      *circuitbreaker.CircuitBreaker
	audit        *audit.Logger

	timeout time.Duration
	logger  logging.Logger
	now     func() time.Time
}

// New creates an orchestrator. audit may be nil to disable the trail.
func New(
	understander QueryUnderstander,
	sessions *conversation.Manager,
	retriever Retriever,
	generator AnswerGenerator,
	calibrator *confidence.Calibrator,
	auditLogger *audit.Logger,
	timeout time.Duration,
	logger logging.Logger,
) *Orchestrator {
	return &Orchestrator{
		understander: understander,
		sessions:     sessions,
		retriever:    retriever,
		generator:    generator,
		calibrator:   calibrator,
		breaker:      circuitbreaker.New(circuitbreaker.DefaultConfig()),
		audit:        auditLogger,
		timeout:      timeout,
		logger:       logger.WithComponent("orchestrator"),
		now:          time.Now,
	}
}

// run tracks per-stage wall clock for one query
type run struct {
	start   time.Time
	timings []types.StageTiming
}

func (r *run) record(stage string, begin time.Time, now time.Time) {
	r.timings = append(r.timings, types.StageTiming{
		Stage:      stage,
		DurationMS: now.Sub(begin).Milliseconds(),
	})
}

func (r *run) completedStages() []string {
	names := make([]string, 0, len(r.timings))
	for _, t := range r.timings {
		names = append(names, t.Stage)
	}
	return names
}

// HandleQuery answers one query end to end. Every outcome, including
// timeouts and stage failures, is expressed as a UIResponse.
func (o *Orchestrator) HandleQuery(ctx context.Context, queryText, patientID, sessionID string) *types.UIResponse {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	ctx = logging.WithTraceID(ctx, "")

	r := &run{start: o.now()}

	// Stage 1: query understanding, with follow-up resolution inside an
	// active session.
	begin := o.now()
	sq, err := o.understander.Understand(ctx, queryText, patientID)
	if err != nil {
		r.record(StageQueryUnderstanding, begin, o.now())
		return o.errorResponse(ctx, r, "", sessionID, apperrors.As(err))
	}

	var session *types.ConversationContext
	if sessionID != "" {
		session, err = o.sessions.GetSession(sessionID)
		if err != nil {
			r.record(StageQueryUnderstanding, begin, o.now())
			return o.errorResponse(ctx, r, sq.QueryID, sessionID, apperrors.As(err))
		}
		sq = o.sessions.ResolveFollowUp(sq, session)
	}
	r.record(StageQueryUnderstanding, begin, o.now())

	if deadline := o.deadlineResponse(ctx, r, sq, sessionID, nil); deadline != nil {
		return deadline
	}

	// Stage 2: retrieval
	begin = o.now()
	retrieval := o.retriever.Retrieve(ctx, sq)
	r.record(StageRetrieval, begin, o.now())

	if deadline := o.deadlineResponse(ctx, r, sq, sessionID, retrieval); deadline != nil {
		return deadline
	}
	if len(retrieval.Candidates) == 0 {
		return o.emptyRetrievalResponse(ctx, r, sq, session, sessionID, retrieval)
	}

	// Stage 3: generation behind the circuit breaker
	begin = o.now()
	var genResult *generation.Result
	var genWarnings []string
	genErr := o.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		genResult, genWarnings, err = o.generator.Answer(ctx, sq, retrieval.Candidates)
		return err
	})
	r.record(StageGeneration, begin, o.now())

	if genErr != nil {
		if deadline := o.deadlineResponse(ctx, r, sq, sessionID, retrieval); deadline != nil {
			return deadline
		}
		if errors.Is(genErr, circuitbreaker.ErrCircuitOpen) {
			return o.retrievalOnlyResponse(ctx, r, sq, sessionID, retrieval)
		}
		return o.errorResponse(ctx, r, sq.QueryID, sessionID, apperrors.As(genErr))
	}

	// Stage 4: confidence scoring
	begin = o.now()
	report := o.calibrator.Calibrate(ctx, sessionID, genResult.Extractions, retrieval.Candidates)
	r.record(StageConfidenceScoring, begin, o.now())

	// Stage 5: provenance formatting
	begin = o.now()
	provenance := o.formatProvenance(genResult.Extractions, retrieval.Candidates)
	r.record(StageProvenanceFormatting, begin, o.now())

	// Stage 6: response building
	begin = o.now()
	response := &types.UIResponse{
		QueryID:               sq.QueryID,
		Success:               true,
		ShortAnswer:           genResult.ShortAnswer,
		DetailedSummary:       genResult.DetailedSummary,
		StructuredExtractions: genResult.Extractions,
		Provenance:            provenance,
		Confidence:            report,
	}
	r.record(StageResponseBuilding, begin, o.now())

	// Stage 7: audit logging and session update
	begin = o.now()
	if o.audit != nil {
		o.audit.LogQuery(ctx, sq.QueryID, sessionID, sq.PatientID, string(sq.Intent), true,
			o.now().Sub(r.start).Milliseconds(), map[string]interface{}{
				"candidates":          len(retrieval.Candidates),
				"extractions":         len(genResult.Extractions),
				"confidence":          report.Overall,
				"provenance_warnings": len(genWarnings),
			})
	}
	r.record(StageAuditLogging, begin, o.now())

	response.Metadata = o.metadata(r, false)

	if session != nil {
		if _, err := o.sessions.UpdateContext(sessionID, sq, response); err != nil {
			o.logger.WarnContext(ctx, "Failed to update session context",
				"session_id", sessionID, "error", err.Error())
		}
	}
	return response
}

// emptyRetrievalResponse builds the answer for a query that matched no
// evidence. An empty record is a valid outcome, so the response is
// success-shaped: no extractions, a short answer saying nothing was found,
// and a low-confidence report.
func (o *Orchestrator) emptyRetrievalResponse(ctx context.Context, r *run, sq *types.StructuredQuery, session *types.ConversationContext, sessionID string, retrieval *types.ParallelResult) *types.UIResponse {
	begin := o.now()
	report := o.calibrator.Calibrate(ctx, sessionID, nil, nil)
	r.record(StageConfidenceScoring, begin, o.now())

	begin = o.now()
	response := &types.UIResponse{
		QueryID:               sq.QueryID,
		Success:               true,
		ShortAnswer:           "No relevant evidence was found in this patient's records for this question.",
		DetailedSummary:       "The search covered the patient's available records but none matched the question. Rephrasing the question or widening any date range may help.",
		StructuredExtractions: []types.Extraction{},
		Provenance:            []types.ProvenanceRef{},
		Confidence:            report,
	}
	r.record(StageResponseBuilding, begin, o.now())

	begin = o.now()
	if o.audit != nil {
		o.audit.LogQuery(ctx, sq.QueryID, sessionID, sq.PatientID, string(sq.Intent), true,
			o.now().Sub(r.start).Milliseconds(), map[string]interface{}{
				"candidates":     0,
				"extractions":    0,
				"total_searched": retrieval.TotalSearched,
				"filtered_out":   retrieval.FilteredCount,
			})
	}
	r.record(StageAuditLogging, begin, o.now())

	response.Metadata = o.metadata(r, false)

	if session != nil {
		if _, err := o.sessions.UpdateContext(sessionID, sq, response); err != nil {
			o.logger.WarnContext(ctx, "Failed to update session context",
				"session_id", sessionID, "error", err.Error())
		}
	}
	return response
}

// deadlineResponse returns the partial or timeout response once the
// pipeline deadline has expired, or nil while time remains. With retrieval
// completed the top candidates are surfaced as partial results.
func (o *Orchestrator) deadlineResponse(ctx context.Context, r *run, sq *types.StructuredQuery, sessionID string, retrieval *types.ParallelResult) *types.UIResponse {
	if ctx.Err() == nil {
		return nil
	}

	if retrieval != nil && len(retrieval.Candidates) > 0 {
		top := retrieval.Candidates
		if len(top) > partialResultCount {
			top = top[:partialResultCount]
		}

		provenance := make([]types.ProvenanceRef, 0, len(top))
		summary := make([]string, 0, len(top))
		for _, c := range top {
			ref := o.candidateRef(c)
			provenance = append(provenance, ref)
			line := "- " + ref.Snippet
			if ref.NoteDate != "" {
				line = "- " + ref.NoteDate + ": " + ref.Snippet
			}
			summary = append(summary, line)
		}

		o.logAudit(ctx, sq, sessionID, false, r, "pipeline deadline expired after retrieval")
		return &types.UIResponse{
			QueryID:         sq.QueryID,
			Success:         false,
			ShortAnswer:     "Query is taking longer than expected. Here are the most relevant records found so far.",
			DetailedSummary: strings.Join(summary, "\n"),
			Provenance:      provenance,
			Confidence: &types.ConfidenceReport{
				Overall:        0,
				Uncertainty:    types.UncertaintyHigh,
				Recommendation: "Low confidence. Treat this answer as a starting point and consult the record directly.",
			},
			Metadata: o.metadata(r, true),
		}
	}

	appErr := apperrors.New(apperrors.CodePipelineTimeout,
		"pipeline deadline expired",
		"Query is taking longer than expected. Please try again.",
	).WithDetails("completed stages: " + strings.Join(r.completedStages(), ", "))
	return o.errorResponse(ctx, r, queryID(sq), sessionID, appErr)
}

// retrievalOnlyResponse degrades to evidence-only output when the
// generation breaker is open.
func (o *Orchestrator) retrievalOnlyResponse(ctx context.Context, r *run, sq *types.StructuredQuery, sessionID string, retrieval *types.ParallelResult) *types.UIResponse {
	top := retrieval.Candidates
	if len(top) > partialResultCount {
		top = top[:partialResultCount]
	}
	provenance := make([]types.ProvenanceRef, 0, len(top))
	for _, c := range top {
		provenance = append(provenance, o.candidateRef(c))
	}

	o.logger.WarnContext(ctx, "Generation circuit open, returning retrieval-only response",
		"query_id", sq.QueryID,
		"fallback", string(circuitbreaker.FallbackReturnRetrievalOnly),
	)

	appErr := apperrors.New(apperrors.CodeCircuitOpen,
		"generation circuit breaker is open",
		"The answering service is temporarily unavailable. The most relevant records are shown instead.")
	response := o.errorResponse(ctx, r, sq.QueryID, sessionID, appErr)
	response.Provenance = provenance
	return response
}

func (o *Orchestrator) errorResponse(ctx context.Context, r *run, qid, sessionID string, appErr *apperrors.AppError) *types.UIResponse {
	o.logger.WarnContext(ctx, "Query failed",
		"query_id", qid,
		"code", string(appErr.Code),
		"error", appErr.Message,
	)
	if o.audit != nil {
		o.audit.LogError(ctx, audit.EventTypeError, "query failed", appErr, map[string]interface{}{
			"query_id":   qid,
			"session_id": sessionID,
			"code":       string(appErr.Code),
		})
	}

	return &types.UIResponse{
		QueryID: qid,
		Success: false,
		Error: &types.ResponseError{
			Code:        string(appErr.Code),
			Message:     appErr.Message,
			UserMessage: appErr.UserMessage,
			Details:     appErr.Details,
		},
		Metadata: o.metadata(r, false),
	}
}

func (o *Orchestrator) metadata(r *run, partial bool) types.ResponseMetadata {
	return types.ResponseMetadata{
		TotalTimeMS: o.now().Sub(r.start).Milliseconds(),
		Stages:      r.timings,
		Partial:     partial,
	}
}

func (o *Orchestrator) logAudit(ctx context.Context, sq *types.StructuredQuery, sessionID string, success bool, r *run, note string) {
	if o.audit == nil {
		return
	}
	o.audit.LogQuery(ctx, sq.QueryID, sessionID, sq.PatientID, string(sq.Intent), success,
		o.now().Sub(r.start).Milliseconds(), map[string]interface{}{"note": note})
}

// formatProvenance converts extraction provenance into user-facing
// citations with relative dates and source links.
func (o *Orchestrator) formatProvenance(extractions []types.Extraction, candidates []types.RetrievalCandidate) []types.ProvenanceRef {
	byChunk := make(map[string]types.RetrievalCandidate, len(candidates))
	for _, c := range candidates {
		byChunk[c.Chunk.ChunkID] = c
	}

	seen := make(map[string]bool, len(extractions))
	refs := make([]types.ProvenanceRef, 0, len(extractions))
	for _, ex := range extractions {
		p := ex.Provenance
		key := p.ArtifactID + "|" + p.ChunkID
		if seen[key] {
			continue
		}
		seen[key] = true

		ref := types.ProvenanceRef{
			ArtifactID: p.ArtifactID,
			ChunkID:    p.ChunkID,
			Snippet:    p.SupportingText,
		}
		if c, ok := byChunk[p.ChunkID]; ok {
			if ref.Snippet == "" {
				ref.Snippet = c.Snippet
			}
			ref.NoteDate = relativeDate(c.Chunk.OccurredAt, o.now())
			ref.SourceURL = c.Chunk.Source
		}
		refs = append(refs, ref)
	}
	return refs
}

func (o *Orchestrator) candidateRef(c types.RetrievalCandidate) types.ProvenanceRef {
	snippet := c.Snippet
	if snippet == "" {
		snippet = c.Chunk.ChunkText
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
	}
	return types.ProvenanceRef{
		ArtifactID: c.Chunk.ArtifactID,
		ChunkID:    c.Chunk.ChunkID,
		Snippet:    snippet,
		NoteDate:   relativeDate(c.Chunk.OccurredAt, o.now()),
		SourceURL:  c.Chunk.Source,
	}
}

// relativeDate renders an occurred_at as a clinician-friendly relative
// phrase.
func relativeDate(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	days := int(now.Sub(t).Hours() / 24)
	switch {
	case days < 0:
		return t.Format("2006-01-02")
	case days == 0:
		return "today"
	case days == 1:
		return "yesterday"
	case days < 14:
		return fmt.Sprintf("%d days ago", days)
	case days < 60:
		return fmt.Sprintf("%d weeks ago", days/7)
	case days < 730:
		return fmt.Sprintf("%d months ago", days/30)
	default:
		return fmt.Sprintf("%d years ago", days/365)
	}
}

func queryID(sq *types.StructuredQuery) string {
	if sq == nil {
		return ""
	}
	return sq.QueryID
}
