package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInvalidQuery, http.StatusBadRequest},
		{CodeSessionExpired, http.StatusGone},
		{CodePatientNotFound, http.StatusNotFound},
		{CodeRateLimitExceeded, http.StatusTooManyRequests},
		{CodeRetrievalEmpty, http.StatusOK},
		{CodeGenerationInvalidOutput, http.StatusBadGateway},
		{CodeGenerationProvenanceError, http.StatusBadGateway},
		{CodeLLMTimeout, http.StatusGatewayTimeout},
		{CodePipelineTimeout, http.StatusGatewayTimeout},
		{CodeCircuitOpen, http.StatusServiceUnavailable},
		{CodeInternal, http.StatusInternalServerError},
		{Code("UNKNOWN_CODE"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, (&AppError{Code: tt.code}).HTTPStatus())
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeInternal, "failed to reach store", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "INTERNAL")
	assert.Contains(t, err.Error(), "connection refused")
	assert.NotEmpty(t, err.UserMessage)
}

func TestAs(t *testing.T) {
	orig := New(CodeSessionExpired, "session sess_1 expired", "Your conversation session has expired.")
	wrapped := fmt.Errorf("handling query: %w", orig)

	got := As(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, CodeSessionExpired, got.Code)

	plain := As(errors.New("boom"))
	assert.Equal(t, CodeInternal, plain.Code)
	assert.ErrorContains(t, plain, "boom")
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeRetrievalEmpty, "no candidates", ""))

	assert.True(t, IsCode(err, CodeRetrievalEmpty))
	assert.False(t, IsCode(err, CodeInvalidQuery))
	assert.False(t, IsCode(errors.New("plain"), CodeRetrievalEmpty))
}

func TestWithDetails(t *testing.T) {
	err := New(CodeGenerationProvenanceError, "unknown artifact", "").
		WithDetails("extraction 0 cites note_999")

	assert.Equal(t, "extraction 0 cites note_999", err.Details)
}
