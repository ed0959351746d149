package confidence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emr-query-engine/internal/logging"
	"emr-query-engine/pkg/types"
)

type recordingStore struct {
	saved []Metric
	err   error
}

func (s *recordingStore) SaveConfidenceMetrics(_ context.Context, metrics []Metric) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, metrics...)
	return nil
}

func noteCandidate(chunkID string, combined float64) types.RetrievalCandidate {
	return types.RetrievalCandidate{
		Chunk: types.Chunk{
			ChunkID:      chunkID,
			ArtifactID:   "note_001",
			ArtifactType: types.ArtifactTypeClinicalNote,
			ChunkText:    "Patient prescribed metformin 500mg twice daily.",
		},
		Scores: types.Scores{Combined: combined},
	}
}

func groundedExtraction(chunkID string, confidence float64) types.Extraction {
	return types.Extraction{
		Type:    types.ExtractionMedicationRecommendation,
		Content: map[string]string{"medication": "metformin"},
		Provenance: types.Provenance{
			ArtifactID:     "note_001",
			ChunkID:        chunkID,
			CharOffsets:    types.Span{Start: 19, End: 46},
			SupportingText: "metformin 500mg twice daily",
			Confidence:     confidence,
		},
	}
}

func TestCalibrate_SingleGroundedExtraction(t *testing.T) {
	c := NewCalibrator(nil, logging.NopLogger{})

	report := c.Calibrate(context.Background(), "",
		[]types.Extraction{groundedExtraction("c1", 0.95)},
		[]types.RetrievalCandidate{noteCandidate("c1", 0.90)},
	)

	// retrieval 0.90, source 1.00 (clinical note), extraction 0.70+0.15+0.10,
	// consistency 0.80
	assert.InDelta(t, 0.90, report.Factors.Retrieval, 0.001)
	assert.InDelta(t, 1.00, report.Factors.Source, 0.001)
	assert.InDelta(t, 0.95, report.Factors.Extraction, 0.001)
	assert.InDelta(t, 0.80, report.Factors.Consistency, 0.001)

	expected := 0.30*0.90 + 0.25*1.00 + 0.25*0.95 + 0.20*0.80
	assert.InDelta(t, expected, report.Overall, 0.001)
	assert.Equal(t, types.UncertaintyVeryLow, report.Uncertainty)
	assert.NotEmpty(t, report.Recommendation)
	assert.Empty(t, report.LowReasons)
}

func TestCalibrate_MeanAcrossExtractions(t *testing.T) {
	c := NewCalibrator(nil, logging.NopLogger{})
	candidates := []types.RetrievalCandidate{
		noteCandidate("c1", 1.0),
		noteCandidate("c2", 0.5),
	}
	extractions := []types.Extraction{
		groundedExtraction("c1", 0.95),
		groundedExtraction("c2", 0.0),
	}

	report := c.Calibrate(context.Background(), "", extractions, candidates)

	assert.InDelta(t, 0.75, report.Factors.Retrieval, 0.001)
	// extraction factor: (0.95 + 0.85) / 2
	assert.InDelta(t, 0.90, report.Factors.Extraction, 0.001)
}

func TestCalibrate_SourceTable(t *testing.T) {
	tests := []struct {
		artifactType types.ArtifactType
		want         float64
	}{
		{types.ArtifactTypeClinicalNote, 1.00},
		{types.ArtifactTypeDocument, 0.95},
		{types.ArtifactTypeMedicationOrder, 0.90},
		{types.ArtifactTypeLabObservation, 0.85},
		{types.ArtifactTypeVital, 0.80},
		{types.ArtifactTypeCarePlan, 0.85},
		{types.ArtifactTypeFormResponse, 0.75},
		{types.ArtifactTypeMessage, 0.70},
		{types.ArtifactTypeAllergy, 0.90},
		{types.ArtifactTypeAppointment, 0.65},
		{types.ArtifactTypeProcedure, 0.60},
	}

	for _, tt := range tests {
		t.Run(string(tt.artifactType), func(t *testing.T) {
			assert.InDelta(t, tt.want, sourceFactor(tt.artifactType), 0.001)
		})
	}
}

func TestCalibrate_UngroundedChunkLowersRetrieval(t *testing.T) {
	c := NewCalibrator(nil, logging.NopLogger{})

	report := c.Calibrate(context.Background(), "",
		[]types.Extraction{groundedExtraction("missing", 0.0)},
		[]types.RetrievalCandidate{noteCandidate("c1", 0.9)},
	)

	assert.Zero(t, report.Factors.Retrieval)
	assert.Contains(t, report.LowReasons[0], "retrieval similarity")
}

func TestBucket(t *testing.T) {
	assert.Equal(t, types.UncertaintyVeryLow, Bucket(0.95))
	assert.Equal(t, types.UncertaintyVeryLow, Bucket(0.90))
	assert.Equal(t, types.UncertaintyLow, Bucket(0.85))
	assert.Equal(t, types.UncertaintyMedium, Bucket(0.70))
	assert.Equal(t, types.UncertaintyHigh, Bucket(0.45))
	assert.Equal(t, types.UncertaintyVeryHigh, Bucket(0.10))
}

func TestCalibrate_NoExtractions(t *testing.T) {
	c := NewCalibrator(nil, logging.NopLogger{})

	report := c.Calibrate(context.Background(), "", nil, nil)

	assert.Zero(t, report.Overall)
	assert.Equal(t, types.UncertaintyVeryHigh, report.Uncertainty)
	require.NotEmpty(t, report.LowReasons)
}

func TestCalibrate_PersistsMetrics(t *testing.T) {
	store := &recordingStore{}
	c := NewCalibrator(store, logging.NopLogger{})

	c.Calibrate(context.Background(), "conv_42",
		[]types.Extraction{groundedExtraction("c1", 0.95), groundedExtraction("c1", 0.5)},
		[]types.RetrievalCandidate{noteCandidate("c1", 0.9)},
	)

	require.Len(t, store.saved, 2)
	assert.Equal(t, "conv_42", store.saved[0].ConversationID)
	assert.Equal(t, 0, store.saved[0].ExtractionIndex)
	assert.Equal(t, 1, store.saved[1].ExtractionIndex)
}

func TestCalibrate_StoreFailureDoesNotFailCalibration(t *testing.T) {
	store := &recordingStore{err: errors.New("db down")}
	c := NewCalibrator(store, logging.NopLogger{})

	report := c.Calibrate(context.Background(), "conv_42",
		[]types.Extraction{groundedExtraction("c1", 0.95)},
		[]types.RetrievalCandidate{noteCandidate("c1", 0.9)},
	)

	assert.NotNil(t, report)
}
