// Package validation runs the canonical artifact checks before ingestion,
// separating hard errors from advisory warnings.
package validation

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"emr-query-engine/pkg/types"
)

// Text-length warning thresholds
const (
	minTextChars = 10
	maxTextChars = 50_000
)

// Result is the outcome of validating one artifact
type Result struct {
	ArtifactID string   `json:"artifact_id"`
	Valid      bool     `json:"valid"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// BatchResult aggregates per-item results with summary counts
type BatchResult struct {
	Total        int      `json:"total"`
	Valid        int      `json:"valid"`
	Invalid      int      `json:"invalid"`
	WithWarnings int      `json:"with_warnings"`
	Results      []Result `json:"results"`
}

// Validator applies the canonical artifact checks
type Validator struct {
	now func() time.Time
}

// NewValidator creates a validator
func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// ValidateArtifact checks required fields, the type enum, the occurred_at
// window, and advisory text and source properties. Future dates and
// suspicious text lengths are warnings, not errors.
func (v *Validator) ValidateArtifact(artifact *types.Artifact) Result {
	result := Result{ArtifactID: artifact.ID}

	if artifact.ID == "" {
		result.Errors = append(result.Errors, "id is required")
	}
	if artifact.PatientID == "" {
		result.Errors = append(result.Errors, "patient_id is required")
	}
	if artifact.Type == "" {
		result.Errors = append(result.Errors, "type is required")
	} else if !artifact.Type.Valid() {
		result.Errors = append(result.Errors, fmt.Sprintf("unrecognized artifact type %q", artifact.Type))
	}
	if strings.TrimSpace(artifact.Text) == "" {
		result.Errors = append(result.Errors, "text is required")
	}

	switch {
	case artifact.OccurredAt.IsZero():
		result.Errors = append(result.Errors, "occurred_at is required")
	case artifact.OccurredAt.Before(types.MinArtifactDate):
		result.Errors = append(result.Errors, fmt.Sprintf(
			"occurred_at %s precedes 1900-01-01", artifact.OccurredAt.Format(time.RFC3339)))
	case artifact.OccurredAt.After(v.now()):
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"occurred_at %s is in the future", artifact.OccurredAt.Format(time.RFC3339)))
	}

	if n := len(artifact.Text); n > 0 {
		if n < minTextChars {
			result.Warnings = append(result.Warnings, fmt.Sprintf("text is only %d characters", n))
		} else if n > maxTextChars {
			result.Warnings = append(result.Warnings, fmt.Sprintf("text is %d characters, above the %d limit", n, maxTextChars))
		}
	}

	if artifact.Source != "" && !isURL(artifact.Source) {
		result.Warnings = append(result.Warnings, fmt.Sprintf("source %q is not a URL", artifact.Source))
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// ValidateBatch validates each artifact and tallies the outcomes
func (v *Validator) ValidateBatch(artifacts []*types.Artifact) BatchResult {
	batch := BatchResult{
		Total:   len(artifacts),
		Results: make([]Result, 0, len(artifacts)),
	}

	for _, artifact := range artifacts {
		result := v.ValidateArtifact(artifact)
		if result.Valid {
			batch.Valid++
		} else {
			batch.Invalid++
		}
		if len(result.Warnings) > 0 {
			batch.WithWarnings++
		}
		batch.Results = append(batch.Results, result)
	}
	return batch
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
