package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"emr-query-engine/internal/apperrors"
	"emr-query-engine/internal/storage"
	"emr-query-engine/pkg/types"
)

type queryRequest struct {
	Query     string `json:"query"`
	PatientID string `json:"patient_id"`
	SessionID string `json:"session_id,omitempty"`
}

type createSessionRequest struct {
	PatientID string `json:"patient_id"`
}

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type evaluationRequest struct {
	QueryID   string `json:"query_id"`
	Evaluator string `json:"evaluator"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
}

type evaluationResponse struct {
	EvaluationID string    `json:"evaluation_id"`
	Timestamp    time.Time `json:"timestamp"`
}

type evaluationListResponse struct {
	Evaluations []types.Evaluation `json:"evaluations"`
	Limit       int                `json:"limit"`
	Offset      int                `json:"offset"`
}

func (r *Router) handleQuery(w http.ResponseWriter, req *http.Request) {
	var body queryRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeAppError(w, apperrors.New(apperrors.CodeInvalidQuery,
			"request body is not valid JSON",
			"The request could not be read. Please check the payload."))
		return
	}

	response := r.pipeline.HandleQuery(req.Context(), body.Query, body.PatientID, body.SessionID)

	status := http.StatusOK
	if !response.Success && response.Error != nil {
		status = (&apperrors.AppError{Code: apperrors.Code(response.Error.Code)}).HTTPStatus()
	}
	writeJSON(w, status, response)
}

func (r *Router) handleCreateSession(w http.ResponseWriter, req *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.PatientID == "" {
		writeAppError(w, apperrors.New(apperrors.CodeInvalidQuery,
			"patient_id is required",
			"A patient must be selected to start a session."))
		return
	}

	session := r.sessions.CreateSession(body.PatientID)
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: session.SessionID,
		ExpiresAt: session.ExpiresAt,
	})
}

func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	session, err := r.sessions.GetSession(chi.URLParam(req, "id"))
	if err != nil {
		writeAppError(w, apperrors.As(err))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (r *Router) handleCreateEvaluation(w http.ResponseWriter, req *http.Request) {
	var body evaluationRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeAppError(w, apperrors.New(apperrors.CodeInvalidQuery,
			"request body is not valid JSON",
			"The request could not be read. Please check the payload."))
		return
	}
	if body.QueryID == "" || body.Evaluator == "" || body.Rating < 1 || body.Rating > 5 {
		writeAppError(w, apperrors.New(apperrors.CodeInvalidQuery,
			"evaluation requires query_id, evaluator, and a rating between 1 and 5",
			"Please provide the query, your name, and a rating from 1 to 5."))
		return
	}

	eval := &types.Evaluation{
		QueryID:   body.QueryID,
		Evaluator: body.Evaluator,
		Rating:    body.Rating,
		Comment:   body.Comment,
	}
	if err := r.evaluations.SaveEvaluation(req.Context(), eval); err != nil {
		writeAppError(w, apperrors.Wrap(apperrors.CodeInternal, "failed to save evaluation", err))
		return
	}
	writeJSON(w, http.StatusCreated, evaluationResponse{
		EvaluationID: eval.EvaluationID,
		Timestamp:    eval.CreatedAt,
	})
}

func (r *Router) handleListEvaluations(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	filter := storage.EvaluationFilter{
		QueryID:   q.Get("query_id"),
		Evaluator: q.Get("evaluator"),
		MinRating: atoiDefault(q.Get("min_rating"), 0),
		Limit:     atoiDefault(q.Get("limit"), 50),
		Offset:    atoiDefault(q.Get("offset"), 0),
	}

	evaluations, err := r.evaluations.ListEvaluations(req.Context(), filter)
	if err != nil {
		writeAppError(w, apperrors.Wrap(apperrors.CodeInternal, "failed to list evaluations", err))
		return
	}
	if evaluations == nil {
		evaluations = []types.Evaluation{}
	}
	writeJSON(w, http.StatusOK, evaluationListResponse{
		Evaluations: evaluations,
		Limit:       filter.Limit,
		Offset:      filter.Offset,
	})
}

func (r *Router) handleIngestArtifact(w http.ResponseWriter, req *http.Request) {
	var artifact types.Artifact
	if err := json.NewDecoder(req.Body).Decode(&artifact); err != nil {
		writeAppError(w, apperrors.New(apperrors.CodeInvalidQuery,
			"request body is not a valid artifact",
			"The artifact could not be read. Please check the payload."))
		return
	}

	result, err := r.ingestor.Ingest(req.Context(), &artifact)
	if err != nil {
		writeAppError(w, apperrors.Wrap(apperrors.CodeInvalidQuery, "artifact rejected", err))
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	type dependency struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	status := http.StatusOK
	deps := make(map[string]dependency, len(r.health))
	for name, checker := range r.health {
		if err := checker.HealthCheck(req.Context()); err != nil {
			status = http.StatusServiceUnavailable
			deps[name] = dependency{Status: "unhealthy", Error: err.Error()}
		} else {
			deps[name] = dependency{Status: "healthy"}
		}
	}

	writeJSON(w, status, map[string]interface{}{
		"status":       statusWord(status),
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "healthy"
	}
	return "unhealthy"
}

func atoiDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAppError(w http.ResponseWriter, appErr *apperrors.AppError) {
	writeJSON(w, appErr.HTTPStatus(), map[string]interface{}{
		"error": types.ResponseError{
			Code:        string(appErr.Code),
			Message:     appErr.Message,
			UserMessage: appErr.UserMessage,
			Details:     appErr.Details,
		},
	})
}

func writeRateLimited(w http.ResponseWriter) {
	writeAppError(w, apperrors.New(apperrors.CodeRateLimitExceeded,
		"rate limit exceeded",
		"Too many requests. Please wait a moment and try again."))
}
