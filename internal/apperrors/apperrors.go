// Package apperrors provides the stable error-code taxonomy shared by the
// pipeline stages and the HTTP surface.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code represents a semantic error code with a fixed HTTP mapping
type Code string

const (
	CodeInvalidQuery              Code = "INVALID_QUERY"
	CodeSessionExpired            Code = "SESSION_EXPIRED"
	CodePatientNotFound           Code = "PATIENT_NOT_FOUND"
	CodeRateLimitExceeded         Code = "RATE_LIMIT_EXCEEDED"
	CodeRetrievalEmpty            Code = "RETRIEVAL_EMPTY"
	CodeGenerationInvalidOutput   Code = "GENERATION_INVALID_OUTPUT"
	CodeGenerationProvenanceError Code = "GENERATION_PROVENANCE_INVALID"
	CodeLLMTimeout                Code = "LLM_TIMEOUT"
	CodePipelineTimeout           Code = "PIPELINE_TIMEOUT"
	CodeCircuitOpen               Code = "CIRCUIT_OPEN"
	CodeInternal                  Code = "INTERNAL"
)

// AppError is the classified error carried between stages. The orchestrator
// is the only place that converts one into a user-visible response.
type AppError struct {
	Code        Code
	Message     string
	UserMessage string
	Details     string
	Err         error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause
func (e *AppError) Unwrap() error { return e.Err }

// HTTPStatus maps the code to its HTTP status. RETRIEVAL_EMPTY maps to 200
// because an empty result is not an error.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidQuery:
		return http.StatusBadRequest
	case CodeSessionExpired:
		return http.StatusGone
	case CodePatientNotFound:
		return http.StatusNotFound
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeRetrievalEmpty:
		return http.StatusOK
	case CodeGenerationInvalidOutput, CodeGenerationProvenanceError:
		return http.StatusBadGateway
	case CodeLLMTimeout, CodePipelineTimeout:
		return http.StatusGatewayTimeout
	case CodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates an AppError with an operator-facing and a user-facing message
func New(code Code, message, userMessage string) *AppError {
	return &AppError{Code: code, Message: message, UserMessage: userMessage}
}

// Wrap creates an AppError around a cause
func Wrap(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, UserMessage: defaultUserMessage(code), Err: err}
}

// WithDetails attaches diagnostic detail text
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// As extracts an AppError from an error chain, or wraps the error as INTERNAL
func As(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(CodeInternal, "unexpected error", err)
}

// IsCode reports whether err carries the given code
func IsCode(err error, code Code) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func defaultUserMessage(code Code) string {
	switch code {
	case CodeInvalidQuery:
		return "The query could not be understood. Please rephrase your question."
	case CodeSessionExpired:
		return "Your conversation session has expired. Please start a new session."
	case CodePatientNotFound:
		return "No records were found for this patient."
	case CodeRateLimitExceeded:
		return "Too many requests. Please wait a moment and try again."
	case CodeRetrievalEmpty:
		return "No relevant evidence was found in this patient's records."
	case CodeGenerationInvalidOutput:
		return "The answer could not be generated reliably. Please try again."
	case CodeGenerationProvenanceError:
		return "The answer could not be verified against the patient's records."
	case CodeLLMTimeout:
		return "The answer took too long to generate. Please try again."
	case CodePipelineTimeout:
		return "Query is taking longer than expected. Partial results may be shown."
	case CodeCircuitOpen:
		return "The answering service is temporarily unavailable. Please try again shortly."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
