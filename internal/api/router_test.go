package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emr-query-engine/internal/chunking"
	"emr-query-engine/internal/confidence"
	"emr-query-engine/internal/config"
	"emr-query-engine/internal/conversation"
	"emr-query-engine/internal/embeddings"
	"emr-query-engine/internal/generation"
	"emr-query-engine/internal/ingest"
	"emr-query-engine/internal/logging"
	"emr-query-engine/internal/orchestrator"
	"emr-query-engine/internal/ratelimit"
	"emr-query-engine/internal/storage"
	"emr-query-engine/internal/validation"
	"emr-query-engine/internal/vectorstore"
	"emr-query-engine/pkg/types"
)

type stubUnderstander struct{}

func (stubUnderstander) Understand(_ context.Context, queryText, patientID string) (*types.StructuredQuery, error) {
	return &types.StructuredQuery{
		QueryID:       "q_api",
		OriginalQuery: queryText,
		PatientID:     patientID,
		Intent:        types.IntentRetrieveMedications,
		DetailLevel:   3,
	}, nil
}

type stubRetriever struct {
	candidates []types.RetrievalCandidate
}

func (s stubRetriever) Retrieve(_ context.Context, _ *types.StructuredQuery) *types.ParallelResult {
	return &types.ParallelResult{
		IntegratedResult: types.IntegratedResult{Candidates: s.candidates},
	}
}

type stubGenerator struct{}

func (stubGenerator) Answer(_ context.Context, _ *types.StructuredQuery, _ []types.RetrievalCandidate) (*generation.Result, []string, error) {
	return &generation.Result{
		Extractions: []types.Extraction{{
			Type:    types.ExtractionMedicationRecommendation,
			Content: map[string]string{"medication": "metformin"},
			Provenance: types.Provenance{
				ArtifactID: "note_001",
				ChunkID:    "note_001_chunk_000",
			},
		}},
		ShortAnswer:     "The patient takes metformin.",
		DetailedSummary: "- Metformin 500mg twice daily.",
	}, nil, nil
}

func apiCandidates() []types.RetrievalCandidate {
	return []types.RetrievalCandidate{{
		Chunk: types.Chunk{
			ChunkID:      "note_001_chunk_000",
			ArtifactID:   "note_001",
			PatientID:    "patient_123",
			ArtifactType: types.ArtifactTypeClinicalNote,
			ChunkText:    "Patient prescribed metformin 500mg twice daily.",
			OccurredAt:   time.Now().Add(-24 * time.Hour),
		},
		Scores: types.Scores{Combined: 0.9},
		Rank:   1,
	}}
}

func newTestRouter(t *testing.T, maxRequests int) (*Router, *conversation.Manager) {
	t.Helper()

	sessions := conversation.NewManager(&config.SessionConfig{WindowTurns: 5, ExpiryMS: 1_800_000}, logging.NopLogger{})
	pipeline := orchestrator.New(
		stubUnderstander{},
		sessions,
		stubRetriever{candidates: apiCandidates()},
		stubGenerator{},
		confidence.NewCalibrator(nil, logging.NopLogger{}),
		nil,
		6*time.Second,
		logging.NopLogger{},
	)

	embedder := embeddings.NewMockService(32)
	store := vectorstore.NewMemoryStore()
	catalog := storage.NewMemoryCatalog()
	ingestor := ingest.NewIngestor(
		validation.NewValidator(),
		chunking.NewChunker(nil),
		embedder,
		store,
		catalog,
		logging.NopLogger{},
	)

	limiter := ratelimit.NewMemoryLimiter(&config.RateLimitConfig{WindowMS: 60_000, MaxRequests: maxRequests})

	return NewRouter(
		pipeline,
		sessions,
		storage.NewMemoryEvaluationStore(),
		ingestor,
		limiter,
		map[string]HealthChecker{"vector_store": store},
		logging.NopLogger{},
	), sessions
}

func postJSON(t *testing.T, handler http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestQueryEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, 100)

	rec := postJSON(t, r.Handler(), "/query", queryRequest{
		Query:     "what medications is the patient taking",
		PatientID: "patient_123",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.UIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "The patient takes metformin.", resp.ShortAnswer)
	require.NotNil(t, resp.Confidence)
}

func TestQueryEndpoint_BadJSON(t *testing.T) {
	r, _ := newTestRouter(t, 100)

	req := httptest.NewRequest(http.MethodPost, "/query", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	r, _ := newTestRouter(t, 100)

	rec := postJSON(t, r.Handler(), "/sessions", createSessionRequest{PatientID: "patient_123"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created createSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)

	getReq := httptest.NewRequest(http.MethodGet, "/sessions/"+created.SessionID, nil)
	getRec := httptest.NewRecorder()
	r.Handler().ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)

	missingReq := httptest.NewRequest(http.MethodGet, "/sessions/sess_missing", nil)
	missingRec := httptest.NewRecorder()
	r.Handler().ServeHTTP(missingRec, missingReq)
	assert.Equal(t, http.StatusGone, missingRec.Code)
}

func TestSessionCreate_RequiresPatient(t *testing.T) {
	r, _ := newTestRouter(t, 100)

	rec := postJSON(t, r.Handler(), "/sessions", createSessionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluationEndpoints(t *testing.T) {
	r, _ := newTestRouter(t, 100)

	rec := postJSON(t, r.Handler(), "/evaluations", evaluationRequest{
		QueryID: "q_api", Evaluator: "dr_smith", Rating: 4, Comment: "accurate",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created evaluationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.EvaluationID)

	listReq := httptest.NewRequest(http.MethodGet, "/evaluations?query_id=q_api&min_rating=4", nil)
	listRec := httptest.NewRecorder()
	r.Handler().ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var list evaluationListResponse
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &list))
	require.Len(t, list.Evaluations, 1)
	assert.Equal(t, "dr_smith", list.Evaluations[0].Evaluator)
}

func TestEvaluationCreate_RejectsBadRating(t *testing.T) {
	r, _ := newTestRouter(t, 100)

	rec := postJSON(t, r.Handler(), "/evaluations", evaluationRequest{
		QueryID: "q_api", Evaluator: "dr_smith", Rating: 9,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArtifactIngestEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, 100)

	artifact := types.Artifact{
		ID:         "note_010",
		PatientID:  "patient_123",
		Type:       types.ArtifactTypeClinicalNote,
		OccurredAt: time.Now().Add(-24 * time.Hour),
		Text:       "Patient seen for diabetes follow-up. Metformin continued at current dose.",
	}
	rec := postJSON(t, r.Handler(), "/artifacts", artifact)
	require.Equal(t, http.StatusCreated, rec.Code)

	var result ingest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "note_010", result.ArtifactID)
	assert.GreaterOrEqual(t, result.Chunks, 1)

	dup := postJSON(t, r.Handler(), "/artifacts", artifact)
	assert.Equal(t, http.StatusBadRequest, dup.Code, "artifacts are write-once")
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, 100)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vector_store")
}

func TestRateLimiting(t *testing.T) {
	r, _ := newTestRouter(t, 2)

	for i := 0; i < 2; i++ {
		rec := postJSON(t, r.Handler(), "/sessions", createSessionRequest{PatientID: "patient_123"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := postJSON(t, r.Handler(), "/sessions", createSessionRequest{PatientID: "patient_123"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	health := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	healthRec := httptest.NewRecorder()
	r.Handler().ServeHTTP(healthRec, health)
	assert.Equal(t, http.StatusOK, healthRec.Code, "health endpoint is never throttled")
}
