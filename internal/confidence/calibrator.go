// Package confidence calibrates a per-answer confidence score from four
// factors and maps it to an uncertainty bucket with a fixed recommendation.
package confidence

import (
	"context"
	"fmt"

	"emr-query-engine/internal/logging"
	"emr-query-engine/pkg/types"
)

// Factor weights; they sum to 1
const (
	weightRetrieval   = 0.30
	weightSource      = 0.25
	weightExtraction  = 0.25
	weightConsistency = 0.20
)

// Extraction-factor components
const (
	extractionBase            = 0.70
	extractionProvenanceBonus = 0.15
	extractionHighConfBonus   = 0.10
	extractionMediumConfBonus = 0.05
	defaultConsistency        = 0.80
	lowFactorThreshold        = 0.70
	defaultSourceTrust        = 0.60
)

// sourceTrust ranks artifact types by how reliable their text is as
// evidence. Authored notes rank highest, scheduling data lowest.
var sourceTrust = map[types.ArtifactType]float64{
	types.ArtifactTypeClinicalNote:     1.00,
	types.ArtifactTypeProgressNote:     1.00,
	types.ArtifactTypeDischargeSummary: 1.00,
	types.ArtifactTypeDocument:         0.95,
	types.ArtifactTypeMedicationOrder:  0.90,
	types.ArtifactTypePrescription:     0.90,
	types.ArtifactTypeMedicationList:   0.90,
	types.ArtifactTypeCondition:        0.90,
	types.ArtifactTypeAllergy:          0.90,
	types.ArtifactTypeLabObservation:   0.85,
	types.ArtifactTypeLabResult:        0.85,
	types.ArtifactTypeCarePlan:         0.85,
	types.ArtifactTypeVital:            0.80,
	types.ArtifactTypeFormResponse:     0.75,
	types.ArtifactTypeMessage:          0.70,
	types.ArtifactTypeAppointment:      0.65,
}

var recommendationByLevel = map[types.UncertaintyLevel]string{
	types.UncertaintyVeryLow:  "High confidence. The answer is well supported by the patient's records.",
	types.UncertaintyLow:      "Good confidence. Verify critical details against the cited sources.",
	types.UncertaintyMedium:   "Moderate confidence. Review the cited sources before acting on this answer.",
	types.UncertaintyHigh:     "Low confidence. Treat this answer as a starting point and consult the record directly.",
	types.UncertaintyVeryHigh: "Very low confidence. Do not rely on this answer without reviewing the full record.",
}

// Metric is the persisted calibration record for one extraction
type Metric struct {
	ConversationID  string                  `json:"conversation_id"`
	ExtractionIndex int                     `json:"extraction_index"`
	Factors         types.ConfidenceFactors `json:"factors"`
	Overall         float64                 `json:"overall"`
}

// MetricStore persists calibration metrics for offline analysis
type MetricStore interface {
	SaveConfidenceMetrics(ctx context.Context, metrics []Metric) error
}

// Calibrator computes the calibrated confidence report for an answer
type Calibrator struct {
	store  MetricStore
	logger logging.Logger
}

// NewCalibrator creates a calibrator. store may be nil to skip persistence.
func NewCalibrator(store MetricStore, logger logging.Logger) *Calibrator {
	return &Calibrator{store: store, logger: logger.WithComponent("confidence_calibrator")}
}

// Calibrate scores each extraction against its source candidate and
// aggregates across extractions by arithmetic mean. conversationID keys the
// persisted metrics and may be empty for sessionless queries.
func (c *Calibrator) Calibrate(ctx context.Context, conversationID string, extractions []types.Extraction, candidates []types.RetrievalCandidate) *types.ConfidenceReport {
	if len(extractions) == 0 {
		report := buildReport(types.ConfidenceFactors{Consistency: defaultConsistency}, 0)
		report.LowReasons = []string{"no grounded extractions were produced for this query"}
		return report
	}

	byChunk := make(map[string]types.RetrievalCandidate, len(candidates))
	for _, cand := range candidates {
		byChunk[cand.Chunk.ChunkID] = cand
	}

	var sumFactors types.ConfidenceFactors
	var sumOverall float64
	metrics := make([]Metric, 0, len(extractions))

	for i, ex := range extractions {
		factors := c.scoreExtraction(ex, byChunk)
		overall := aggregate(factors)

		sumFactors.Retrieval += factors.Retrieval
		sumFactors.Source += factors.Source
		sumFactors.Extraction += factors.Extraction
		sumFactors.Consistency += factors.Consistency
		sumOverall += overall

		metrics = append(metrics, Metric{
			ConversationID:  conversationID,
			ExtractionIndex: i,
			Factors:         factors,
			Overall:         overall,
		})
	}

	n := float64(len(extractions))
	mean := types.ConfidenceFactors{
		Retrieval:   sumFactors.Retrieval / n,
		Source:      sumFactors.Source / n,
		Extraction:  sumFactors.Extraction / n,
		Consistency: sumFactors.Consistency / n,
	}
	report := buildReport(mean, sumOverall/n)

	if c.store != nil && conversationID != "" {
		if err := c.store.SaveConfidenceMetrics(ctx, metrics); err != nil {
			c.logger.WarnContext(ctx, "Failed to persist confidence metrics",
				"conversation_id", conversationID, "error", err.Error())
		}
	}
	return report
}

func (c *Calibrator) scoreExtraction(ex types.Extraction, byChunk map[string]types.RetrievalCandidate) types.ConfidenceFactors {
	factors := types.ConfidenceFactors{Consistency: defaultConsistency}

	if cand, ok := byChunk[ex.Provenance.ChunkID]; ok {
		factors.Retrieval = clamp01(cand.Scores.Combined)
		factors.Source = sourceFactor(cand.Chunk.ArtifactType)
	} else {
		factors.Source = defaultSourceTrust
	}

	extraction := extractionBase
	if ex.Provenance.ArtifactID != "" && ex.Provenance.ChunkID != "" {
		extraction += extractionProvenanceBonus
	}
	switch {
	case ex.Provenance.Confidence >= 0.9:
		extraction += extractionHighConfBonus
	case ex.Provenance.Confidence >= 0.8:
		extraction += extractionMediumConfBonus
	}
	factors.Extraction = clamp01(extraction)

	return factors
}

func sourceFactor(at types.ArtifactType) float64 {
	if trust, ok := sourceTrust[at]; ok {
		return trust
	}
	return defaultSourceTrust
}

func aggregate(f types.ConfidenceFactors) float64 {
	return weightRetrieval*f.Retrieval +
		weightSource*f.Source +
		weightExtraction*f.Extraction +
		weightConsistency*f.Consistency
}

// Bucket maps an aggregate confidence score to its uncertainty level
func Bucket(overall float64) types.UncertaintyLevel {
	switch {
	case overall >= 0.90:
		return types.UncertaintyVeryLow
	case overall >= 0.80:
		return types.UncertaintyLow
	case overall >= 0.60:
		return types.UncertaintyMedium
	case overall >= 0.40:
		return types.UncertaintyHigh
	default:
		return types.UncertaintyVeryHigh
	}
}

func buildReport(factors types.ConfidenceFactors, overall float64) *types.ConfidenceReport {
	level := Bucket(overall)
	return &types.ConfidenceReport{
		Overall:        overall,
		Uncertainty:    level,
		Recommendation: recommendationByLevel[level],
		Factors:        factors,
		LowReasons:     lowReasons(factors),
	}
}

func lowReasons(f types.ConfidenceFactors) []string {
	var reasons []string
	if f.Retrieval < lowFactorThreshold {
		reasons = append(reasons, fmt.Sprintf("retrieval similarity is weak (%.2f)", f.Retrieval))
	}
	if f.Source < lowFactorThreshold {
		reasons = append(reasons, fmt.Sprintf("source artifact types are less reliable (%.2f)", f.Source))
	}
	if f.Extraction < lowFactorThreshold {
		reasons = append(reasons, fmt.Sprintf("extractions lack provenance support (%.2f)", f.Extraction))
	}
	if f.Consistency < lowFactorThreshold {
		reasons = append(reasons, fmt.Sprintf("answer is inconsistent with related queries (%.2f)", f.Consistency))
	}
	return reasons
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
