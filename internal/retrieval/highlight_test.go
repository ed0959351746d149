package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emr-query-engine/pkg/types"
)

func TestHighlighter_ExactMatches(t *testing.T) {
	h := NewHighlighter(false)

	text := "Patient started metformin today. Metformin well tolerated."
	highlights, _ := h.Generate(text, []string{"metformin"}, nil)

	require.Len(t, highlights, 2)
	for _, hl := range highlights {
		assert.Equal(t, types.HighlightExact, hl.Type)
		assert.Equal(t, "metformin", strings.ToLower(text[hl.Start:hl.End]))
	}
}

func TestHighlighter_ShortTermsSkipped(t *testing.T) {
	h := NewHighlighter(false)

	highlights, _ := h.Generate("bp is stable", []string{"bp", "is"}, nil)
	assert.Empty(t, highlights)
}

func TestHighlighter_EntityPrecedenceOnMerge(t *testing.T) {
	h := NewHighlighter(false)

	text := "continues lisinopril daily"
	entities := []types.Entity{{Text: "lisinopril", Type: types.EntityTypeMedication, Normalized: "lisinopril"}}

	// The same span matches both as a query term and an entity
	highlights, _ := h.Generate(text, []string{"lisinopril"}, entities)
	require.Len(t, highlights, 1)
	assert.Equal(t, types.HighlightEntity, highlights[0].Type)
}

func TestHighlighter_FuzzyMatch(t *testing.T) {
	h := NewHighlighter(true)

	highlights, _ := h.Generate("patient taking metforman daily", []string{"metformin"}, nil)

	require.Len(t, highlights, 1)
	assert.Equal(t, types.HighlightFuzzy, highlights[0].Type)
	assert.Equal(t, "metformin", highlights[0].Term)
}

func TestHighlighter_MergesAdjacentSpans(t *testing.T) {
	h := NewHighlighter(false)

	text := "blood pressure stable"
	highlights, _ := h.Generate(text, []string{"blood", "pressure"}, nil)

	// "blood" [0,5) and "pressure" [6,14) are separated by a space, so they
	// stay distinct; overlapping spans collapse
	require.Len(t, highlights, 2)
	assert.Equal(t, 0, highlights[0].Start)
	assert.Less(t, highlights[0].End, highlights[1].Start)
}

func TestHighlighter_SnippetCentersFirstHighlight(t *testing.T) {
	h := NewHighlighter(false)

	prefix := strings.Repeat("filler words before the match region here ", 10)
	text := prefix + "metformin dose adjusted" + strings.Repeat(" trailing content after match", 10)

	highlights, snippet := h.Generate(text, []string{"metformin"}, nil)
	require.NotEmpty(t, highlights)

	assert.Contains(t, snippet, "metformin")
	assert.LessOrEqual(t, len(snippet), snippetWindow+len("……"))
	assert.True(t, strings.HasPrefix(snippet, "…"))
	assert.True(t, strings.HasSuffix(snippet, "…"))
}

func TestHighlighter_ShortTextReturnedWhole(t *testing.T) {
	h := NewHighlighter(false)

	text := "short note"
	_, snippet := h.Generate(text, []string{"note"}, nil)
	assert.Equal(t, text, snippet)
}

func TestLevenshtein(t *testing.T) {
	assert.Zero(t, levenshtein("same", "same"))
	assert.Equal(t, 1, levenshtein("metformin", "metforman"))
	assert.Equal(t, 2, levenshtein("lipitor", "liptors"))
	assert.Equal(t, 4, levenshtein("", "four"))
}
