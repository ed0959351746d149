// Package chunking splits artifact text into overlapping word-bounded chunks
// whose char offsets can be verified by re-slicing the source text.
package chunking

import (
	"fmt"
	"strings"
	"time"

	"emr-query-engine/pkg/types"
)

// ChunkerConfig controls chunk sizing
type ChunkerConfig struct {
	MinWords     int
	MaxWords     int
	OverlapWords int
}

// DefaultChunkerConfig returns the standard 200-300 word window with a
// 50-word overlap.
func DefaultChunkerConfig() *ChunkerConfig {
	return &ChunkerConfig{
		MinWords:     200,
		MaxWords:     300,
		OverlapWords: 50,
	}
}

// Abbreviations that suppress a sentence split after their trailing period.
// Stored lowercase without the final dot.
var abbreviations = map[string]bool{
	"dr": true, "mr": true, "mrs": true, "ms": true, "prof": true,
	"e.g": true, "i.e": true, "etc": true, "vs": true, "cf": true,
	"m.d": true, "ph.d": true, "r.n": true, "d.o": true,
	"st": true, "jr": true, "sr": true, "no": true, "fig": true,
	"approx": true, "dept": true, "univ": true,
	"b.i.d": true, "t.i.d": true, "q.i.d": true, "p.r.n": true, "q.h.s": true,
}

type sentence struct {
	start int
	end   int
	words int
}

// Chunker splits artifacts into chunks and per-sentence records
type Chunker struct {
	config *ChunkerConfig
	now    func() time.Time
}

// NewChunker creates a chunker with the given config, falling back to
// defaults when nil.
func NewChunker(cfg *ChunkerConfig) *Chunker {
	if cfg == nil {
		cfg = DefaultChunkerConfig()
	}
	return &Chunker{config: cfg, now: time.Now}
}

// ChunkArtifact splits the artifact text into chunks plus a sentence index.
// Artifacts at or under MaxWords emit exactly one chunk covering the whole
// text.
func (c *Chunker) ChunkArtifact(artifact *types.Artifact) ([]types.Chunk, []types.SentenceRecord, error) {
	if err := artifact.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid artifact: %w", err)
	}

	text := artifact.Text
	sentences := segmentSentences(text)

	if countWords(text) <= c.config.MaxWords {
		chunk := c.buildChunk(artifact, 0, 0, len(text))
		records := c.sentenceRecords(chunk, sentences, 0, len(sentences))
		return []types.Chunk{chunk}, records, nil
	}

	var chunks []types.Chunk
	var records []types.SentenceRecord

	i := 0
	for i < len(sentences) {
		start := i
		words := 0
		j := i
		for j < len(sentences) {
			if words >= c.config.MinWords && words+sentences[j].words > c.config.MaxWords {
				break
			}
			words += sentences[j].words
			j++
		}

		chunk := c.buildChunk(artifact, len(chunks), sentences[start].start, sentences[j-1].end)
		chunks = append(chunks, chunk)
		records = append(records, c.sentenceRecords(chunk, sentences, start, j)...)

		if j >= len(sentences) {
			break
		}
		i = c.overlapStart(sentences, start, j)
	}

	return chunks, records, nil
}

// overlapStart picks the sentence boundary nearest to OverlapWords before
// the previous chunk end, always advancing past the previous chunk start.
func (c *Chunker) overlapStart(sentences []sentence, start, end int) int {
	next := end
	bestDiff := -1
	wordsBack := 0
	for k := end - 1; k > start; k-- {
		wordsBack += sentences[k].words
		diff := wordsBack - c.config.OverlapWords
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			bestDiff = diff
			next = k
		}
		if wordsBack >= c.config.OverlapWords {
			break
		}
	}
	return next
}

func (c *Chunker) buildChunk(artifact *types.Artifact, index, start, end int) types.Chunk {
	return types.Chunk{
		ChunkID:      fmt.Sprintf("%s_chunk_%03d", artifact.ID, index),
		ArtifactID:   artifact.ID,
		PatientID:    artifact.PatientID,
		ArtifactType: artifact.Type,
		ChunkText:    artifact.Text[start:end],
		CharOffsets:  types.Span{Start: start, End: end},
		OccurredAt:   artifact.OccurredAt,
		Author:       artifact.Author,
		Source:       artifact.Source,
		CreatedAt:    c.now().UTC(),
	}
}

func (c *Chunker) sentenceRecords(chunk types.Chunk, sentences []sentence, start, end int) []types.SentenceRecord {
	records := make([]types.SentenceRecord, 0, end-start)
	for idx := start; idx < end; idx++ {
		s := sentences[idx]
		rel := types.Span{Start: s.start - chunk.CharOffsets.Start, End: s.end - chunk.CharOffsets.Start}
		records = append(records, types.SentenceRecord{
			SentenceID:      fmt.Sprintf("%s_sent_%03d", chunk.ChunkID, idx-start),
			ChunkID:         chunk.ChunkID,
			ArtifactID:      chunk.ArtifactID,
			Text:            chunk.ChunkText[rel.Start:rel.End],
			CharOffsets:     rel,
			AbsoluteOffsets: types.Span{Start: s.start, End: s.end},
		})
	}
	return records
}

// segmentSentences finds sentence spans using punctuation heuristics. Splits
// after '.', '!', or '?' followed by whitespace are suppressed when the
// preceding token is a known abbreviation, a single initial, or part of a
// decimal number.
func segmentSentences(text string) []sentence {
	var sentences []sentence
	start := 0

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '.' && ch != '!' && ch != '?' {
			continue
		}
		if i+1 < len(text) && !isSpace(text[i+1]) {
			continue
		}
		if ch == '.' && suppressSplit(text, i) {
			continue
		}

		end := i + 1
		s := makeSentence(text, start, end)
		if s.words > 0 {
			sentences = append(sentences, s)
		}
		start = end
	}

	if start < len(text) {
		s := makeSentence(text, start, len(text))
		if s.words > 0 {
			sentences = append(sentences, s)
		}
	}

	return sentences
}

func makeSentence(text string, start, end int) sentence {
	for start < end && isSpace(text[start]) {
		start++
	}
	trimmed := end
	for trimmed > start && isSpace(text[trimmed-1]) {
		trimmed--
	}
	return sentence{start: start, end: trimmed, words: countWords(text[start:trimmed])}
}

// suppressSplit reports whether the period at position i ends an
// abbreviation or initial rather than a sentence.
func suppressSplit(text string, i int) bool {
	// Token before the period, including internal dots ("e.g", "m.d")
	j := i
	for j > 0 && (isLetter(text[j-1]) || text[j-1] == '.') {
		j--
	}
	token := strings.ToLower(text[j:i])
	if token == "" {
		return false
	}
	if abbreviations[token] {
		return true
	}
	// Single-letter initial such as "J." in "J. Smith"
	if len(token) == 1 && isLetter(token[0]) {
		return true
	}
	return false
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
