package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emr-query-engine/internal/apperrors"
	"emr-query-engine/internal/confidence"
	"emr-query-engine/internal/config"
	"emr-query-engine/internal/conversation"
	"emr-query-engine/internal/generation"
	"emr-query-engine/internal/logging"
	"emr-query-engine/pkg/types"
)

type fakeUnderstander struct {
	err error
}

func (f *fakeUnderstander) Understand(_ context.Context, queryText, patientID string) (*types.StructuredQuery, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.StructuredQuery{
		QueryID:       "q_test",
		OriginalQuery: queryText,
		PatientID:     patientID,
		Intent:        types.IntentRetrieveMedications,
		DetailLevel:   3,
	}, nil
}

type fakeRetriever struct {
	candidates []types.RetrievalCandidate
	blockUntil bool
}

func (f *fakeRetriever) Retrieve(ctx context.Context, _ *types.StructuredQuery) *types.ParallelResult {
	if f.blockUntil {
		<-ctx.Done()
	}
	return &types.ParallelResult{
		IntegratedResult: types.IntegratedResult{
			Candidates:    f.candidates,
			TotalSearched: len(f.candidates),
		},
	}
}

type fakeGenerator struct {
	result *generation.Result
	err    error
	block  bool
	calls  int
}

func (f *fakeGenerator) Answer(ctx context.Context, _ *types.StructuredQuery, _ []types.RetrievalCandidate) (*generation.Result, []string, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.result, nil, nil
}

func testCandidates(n int) []types.RetrievalCandidate {
	out := make([]types.RetrievalCandidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, types.RetrievalCandidate{
			Chunk: types.Chunk{
				ChunkID:      "note_001_chunk_00" + string(rune('0'+i)),
				ArtifactID:   "note_001",
				PatientID:    "patient_123",
				ArtifactType: types.ArtifactTypeClinicalNote,
				ChunkText:    "Patient prescribed metformin 500mg twice daily.",
				OccurredAt:   time.Now().Add(-48 * time.Hour),
				Source:       "https://emr.example.com/notes/note_001",
			},
			Scores: types.Scores{Combined: 0.9},
			Rank:   i + 1,
		})
	}
	return out
}

func goodGenerationResult() *generation.Result {
	return &generation.Result{
		Extractions: []types.Extraction{{
			Type:    types.ExtractionMedicationRecommendation,
			Content: map[string]string{"medication": "metformin"},
			Provenance: types.Provenance{
				ArtifactID:     "note_001",
				ChunkID:        "note_001_chunk_000",
				CharOffsets:    types.Span{Start: 19, End: 46},
				SupportingText: "metformin 500mg twice daily",
				Confidence:     0.95,
			},
		}},
		ShortAnswer:     "The patient takes metformin 500mg twice daily.",
		DetailedSummary: "- Metformin 500mg twice daily.",
	}
}

func newOrchestrator(u QueryUnderstander, r Retriever, g AnswerGenerator, timeout time.Duration) (*Orchestrator, *conversation.Manager) {
	sessions := conversation.NewManager(&config.SessionConfig{WindowTurns: 5, ExpiryMS: 1_800_000}, logging.NopLogger{})
	calibrator := confidence.NewCalibrator(nil, logging.NopLogger{})
	return New(u, sessions, r, g, calibrator, nil, timeout, logging.NopLogger{}), sessions
}

func TestHandleQuery_HappyPath(t *testing.T) {
	o, _ := newOrchestrator(
		&fakeUnderstander{},
		&fakeRetriever{candidates: testCandidates(2)},
		&fakeGenerator{result: goodGenerationResult()},
		6*time.Second,
	)

	resp := o.HandleQuery(context.Background(), "what medications", "patient_123", "")

	require.True(t, resp.Success)
	assert.Equal(t, "q_test", resp.QueryID)
	assert.Equal(t, "The patient takes metformin 500mg twice daily.", resp.ShortAnswer)
	require.Len(t, resp.StructuredExtractions, 1)
	require.Len(t, resp.Provenance, 1)
	assert.Equal(t, "note_001", resp.Provenance[0].ArtifactID)
	assert.Equal(t, "2 days ago", resp.Provenance[0].NoteDate)
	assert.Equal(t, "https://emr.example.com/notes/note_001", resp.Provenance[0].SourceURL)
	require.NotNil(t, resp.Confidence)
	assert.False(t, resp.Metadata.Partial)

	stages := make([]string, 0, len(resp.Metadata.Stages))
	for _, s := range resp.Metadata.Stages {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []string{
		StageQueryUnderstanding,
		StageRetrieval,
		StageGeneration,
		StageConfidenceScoring,
		StageProvenanceFormatting,
		StageResponseBuilding,
		StageAuditLogging,
	}, stages)
}

func TestHandleQuery_EmptyRetrieval(t *testing.T) {
	gen := &fakeGenerator{result: goodGenerationResult()}
	o, _ := newOrchestrator(
		&fakeUnderstander{},
		&fakeRetriever{},
		gen,
		6*time.Second,
	)

	resp := o.HandleQuery(context.Background(), "what medications", "patient_123", "")

	// An empty record is a valid answer, not a failure
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Zero(t, gen.calls, "generation is skipped without evidence")

	assert.Contains(t, resp.ShortAnswer, "No relevant evidence was found")
	assert.NotNil(t, resp.StructuredExtractions)
	assert.Empty(t, resp.StructuredExtractions)
	assert.Empty(t, resp.Provenance)

	require.NotNil(t, resp.Confidence)
	assert.Zero(t, resp.Confidence.Overall)
	assert.Equal(t, types.UncertaintyVeryHigh, resp.Confidence.Uncertainty)
	assert.NotEmpty(t, resp.Confidence.LowReasons)
}

func TestHandleQuery_EmptyRetrievalUpdatesSession(t *testing.T) {
	o, sessions := newOrchestrator(
		&fakeUnderstander{},
		&fakeRetriever{},
		&fakeGenerator{},
		6*time.Second,
	)
	session := sessions.CreateSession("patient_123")

	resp := o.HandleQuery(context.Background(), "what medications", "patient_123", session.SessionID)
	require.True(t, resp.Success)

	updated, err := sessions.GetSession(session.SessionID)
	require.NoError(t, err)
	require.Len(t, updated.Turns, 1)
}

func TestHandleQuery_InvalidQuery(t *testing.T) {
	o, _ := newOrchestrator(
		&fakeUnderstander{err: apperrors.New(apperrors.CodeInvalidQuery, "query text is empty", "Please enter a question.")},
		&fakeRetriever{},
		&fakeGenerator{},
		6*time.Second,
	)

	resp := o.HandleQuery(context.Background(), "", "patient_123", "")

	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(apperrors.CodeInvalidQuery), resp.Error.Code)
}

func TestHandleQuery_UnknownSession(t *testing.T) {
	o, _ := newOrchestrator(
		&fakeUnderstander{},
		&fakeRetriever{candidates: testCandidates(1)},
		&fakeGenerator{result: goodGenerationResult()},
		6*time.Second,
	)

	resp := o.HandleQuery(context.Background(), "what medications", "patient_123", "sess_unknown")

	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(apperrors.CodeSessionExpired), resp.Error.Code)
}

func TestHandleQuery_SessionContextUpdated(t *testing.T) {
	o, sessions := newOrchestrator(
		&fakeUnderstander{},
		&fakeRetriever{candidates: testCandidates(1)},
		&fakeGenerator{result: goodGenerationResult()},
		6*time.Second,
	)
	session := sessions.CreateSession("patient_123")

	resp := o.HandleQuery(context.Background(), "what medications", "patient_123", session.SessionID)
	require.True(t, resp.Success)

	updated, err := sessions.GetSession(session.SessionID)
	require.NoError(t, err)
	require.Len(t, updated.Turns, 1)
	assert.Equal(t, types.IntentRetrieveMedications, updated.LastIntent)
}

func TestHandleQuery_PartialResultsAfterRetrieval(t *testing.T) {
	o, _ := newOrchestrator(
		&fakeUnderstander{},
		&fakeRetriever{candidates: testCandidates(5)},
		&fakeGenerator{block: true},
		50*time.Millisecond,
	)

	resp := o.HandleQuery(context.Background(), "what medications", "patient_123", "")

	assert.False(t, resp.Success)
	assert.True(t, resp.Metadata.Partial)
	assert.Contains(t, resp.ShortAnswer, "longer than expected")
	assert.Len(t, resp.Provenance, 3, "partial response carries the top three candidates")
	require.NotNil(t, resp.Confidence)
	assert.Equal(t, types.UncertaintyHigh, resp.Confidence.Uncertainty)

	// The summary lists the surfaced evidence so the partial answer is usable
	require.NotEmpty(t, resp.DetailedSummary)
	lines := strings.Split(resp.DetailedSummary, "\n")
	assert.Len(t, lines, 3)
	for _, line := range lines {
		assert.Contains(t, line, "metformin 500mg")
	}
}

func TestHandleQuery_TimeoutBeforeRetrievalCompletes(t *testing.T) {
	o, _ := newOrchestrator(
		&fakeUnderstander{},
		&fakeRetriever{blockUntil: true},
		&fakeGenerator{},
		50*time.Millisecond,
	)

	resp := o.HandleQuery(context.Background(), "what medications", "patient_123", "")

	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(apperrors.CodePipelineTimeout), resp.Error.Code)
	assert.Contains(t, resp.Error.Details, StageQueryUnderstanding)
	assert.Contains(t, resp.Error.Details, StageRetrieval)
}

func TestHandleQuery_CircuitOpenFallsBackToRetrievalOnly(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("llm exploded")}
	o, _ := newOrchestrator(
		&fakeUnderstander{},
		&fakeRetriever{candidates: testCandidates(4)},
		gen,
		6*time.Second,
	)

	for i := 0; i < 5; i++ {
		resp := o.HandleQuery(context.Background(), "what medications", "patient_123", "")
		require.False(t, resp.Success)
	}
	require.Equal(t, 5, gen.calls)

	resp := o.HandleQuery(context.Background(), "what medications", "patient_123", "")

	assert.Equal(t, 5, gen.calls, "open breaker short-circuits the generator")
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(apperrors.CodeCircuitOpen), resp.Error.Code)
	assert.Len(t, resp.Provenance, 3, "evidence is still surfaced")
}

func TestRelativeDate(t *testing.T) {
	now := time.Date(2024, 10, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		at   time.Time
		want string
	}{
		{now.Add(-2 * time.Hour), "today"},
		{now.Add(-30 * time.Hour), "yesterday"},
		{now.Add(-5 * 24 * time.Hour), "5 days ago"},
		{now.Add(-21 * 24 * time.Hour), "3 weeks ago"},
		{now.Add(-90 * 24 * time.Hour), "3 months ago"},
		{now.Add(-800 * 24 * time.Hour), "2 years ago"},
		{time.Time{}, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, relativeDate(tt.at, now))
	}
}
