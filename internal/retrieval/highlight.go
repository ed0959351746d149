package retrieval

import (
	"sort"
	"strings"

	"emr-query-engine/pkg/types"
)

const (
	minHighlightTermLen = 3
	snippetWindow       = 200
	maxFuzzyDistance    = 2
)

// highlightPrecedence orders span types for merge resolution
var highlightPrecedence = map[types.HighlightType]int{
	types.HighlightEntity: 3,
	types.HighlightExact:  2,
	types.HighlightFuzzy:  1,
}

// Highlighter finds match spans over chunk text and builds snippets
type Highlighter struct {
	enableFuzzy bool
}

// NewHighlighter creates a highlighter; fuzzy matching is optional
func NewHighlighter(enableFuzzy bool) *Highlighter {
	return &Highlighter{enableFuzzy: enableFuzzy}
}

// Generate produces merged highlight spans and a snippet centered on the
// first highlight.
func (h *Highlighter) Generate(chunkText string, queryTerms []string, entities []types.Entity) ([]types.Highlight, string) {
	lower := strings.ToLower(chunkText)
	var spans []types.Highlight

	for _, term := range queryTerms {
		term = strings.ToLower(term)
		if len(term) < minHighlightTermLen {
			continue
		}
		spans = append(spans, findExact(lower, term, types.HighlightExact)...)
	}

	for _, e := range entities {
		surface := strings.ToLower(e.Text)
		if len(surface) < minHighlightTermLen {
			continue
		}
		spans = append(spans, findExact(lower, surface, types.HighlightEntity)...)
	}

	if h.enableFuzzy {
		spans = append(spans, findFuzzy(lower, queryTerms)...)
	}

	merged := mergeSpans(spans)
	return merged, buildSnippet(chunkText, merged)
}

func findExact(lowerText, term string, highlightType types.HighlightType) []types.Highlight {
	var spans []types.Highlight
	start := 0
	for {
		idx := strings.Index(lowerText[start:], term)
		if idx < 0 {
			break
		}
		abs := start + idx
		spans = append(spans, types.Highlight{
			Start: abs,
			End:   abs + len(term),
			Term:  term,
			Type:  highlightType,
		})
		start = abs + len(term)
	}
	return spans
}

// findFuzzy matches query terms against word tokens within Levenshtein
// distance 2, skipping words already matched exactly.
func findFuzzy(lower string, queryTerms []string) []types.Highlight {
	var spans []types.Highlight

	wordStart := -1
	for i := 0; i <= len(lower); i++ {
		isWord := i < len(lower) && (lower[i] >= 'a' && lower[i] <= 'z' || lower[i] >= '0' && lower[i] <= '9')
		if isWord {
			if wordStart < 0 {
				wordStart = i
			}
			continue
		}
		if wordStart < 0 {
			continue
		}
		word := lower[wordStart:i]
		for _, term := range queryTerms {
			term = strings.ToLower(term)
			if len(term) < minHighlightTermLen || word == term {
				continue
			}
			if levenshtein(word, term) <= maxFuzzyDistance {
				spans = append(spans, types.Highlight{
					Start: wordStart,
					End:   i,
					Term:  term,
					Type:  types.HighlightFuzzy,
				})
				break
			}
		}
		wordStart = -1
	}
	return spans
}

// mergeSpans sorts spans by start and merges overlapping or adjacent ones.
// The merged span keeps the highest-precedence type.
func mergeSpans(spans []types.Highlight) []types.Highlight {
	if len(spans) == 0 {
		return nil
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})

	merged := []types.Highlight{spans[0]}
	for _, span := range spans[1:] {
		last := &merged[len(merged)-1]
		if span.Start <= last.End {
			if span.End > last.End {
				last.End = span.End
			}
			if highlightPrecedence[span.Type] > highlightPrecedence[last.Type] {
				last.Type = span.Type
				last.Term = span.Term
			}
			continue
		}
		merged = append(merged, span)
	}
	return merged
}

// buildSnippet centers a 200-char window on the first highlight, snapping to
// text bounds and ellipsizing cut edges.
func buildSnippet(text string, highlights []types.Highlight) string {
	if len(text) <= snippetWindow {
		return text
	}

	center := snippetWindow / 2
	if len(highlights) > 0 {
		center = (highlights[0].Start + highlights[0].End) / 2
	}

	start := center - snippetWindow/2
	if start < 0 {
		start = 0
	}
	end := start + snippetWindow
	if end > len(text) {
		end = len(text)
		start = end - snippetWindow
	}

	snippet := text[start:end]
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(text) {
		snippet += "…"
	}
	return snippet
}

// levenshtein computes edit distance with the usual two-row method
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = minOf(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func minOf(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
