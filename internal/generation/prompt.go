// Package generation turns ranked retrieval candidates into a grounded
// answer with per-claim provenance, using a two-pass LLM flow.
package generation

import (
	"fmt"
	"sort"
	"strings"

	"emr-query-engine/internal/config"
	"emr-query-engine/internal/query"
	"emr-query-engine/pkg/types"
)

// Prompt modes
const (
	ModeExtraction    = "extraction"
	ModeSummarization = "summarization"
)

// Prompt is one fully assembled LLM request
type Prompt struct {
	Mode        string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

const extractionSystemPrompt = `You are a clinical records assistant. You will be given a clinician's question and numbered evidence blocks drawn from one patient's medical record.

Rules:
1. Answer ONLY from the evidence blocks. Never use outside knowledge and never invent facts.
2. Every factual claim must cite its source as {"artifact_id", "chunk_id", "char_offsets": [start, end], "supporting_text"} where the offsets index into that block's chunk text and supporting_text is copied verbatim from it.
3. Respond with a single JSON object of the form {"extractions": [{"type": "...", "content": {...}, "provenance": {...}}]} and nothing else.
4. "type" is one of "medication_recommendation", "care_plan_note", or "general_note".
5. If the evidence does not answer the question, return {"extractions": []}.`

const summarizationSystemPrompt = `You are a clinical records assistant. You will be given a clinician's question and a list of structured extractions already grounded in the patient's record.

Write an answer using only the extractions. Respond with a single JSON object {"short_answer": "...", "detailed_summary": "..."} and nothing else.`

// PromptBuilder assembles the extraction and summarization prompts
type PromptBuilder struct {
	config *config.GeneratorConfig
}

// NewPromptBuilder creates a builder bound to the generator settings
func NewPromptBuilder(cfg *config.GeneratorConfig) *PromptBuilder {
	return &PromptBuilder{config: cfg}
}

// BuildExtraction assembles the pass-1 prompt: numbered candidate blocks
// under the grounding rules, temperature pinned to the extraction setting.
func (pb *PromptBuilder) BuildExtraction(sq *types.StructuredQuery, candidates []types.RetrievalCandidate) Prompt {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(sq.OriginalQuery)
	sb.WriteString("\n\nEvidence:\n\n")
	sb.WriteString(FormatCandidates(candidates))

	return Prompt{
		Mode:        ModeExtraction,
		System:      extractionSystemPrompt,
		User:        sb.String(),
		Temperature: pb.config.ExtractionTemp,
		MaxTokens:   pb.config.ExtractionTokens,
	}
}

// BuildSummarization assembles the pass-2 prompt from the extraction list,
// worded to the response guidelines for the query's detail level.
func (pb *PromptBuilder) BuildSummarization(sq *types.StructuredQuery, extractions []types.Extraction) Prompt {
	g := query.Guidelines(sq.DetailLevel)

	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(sq.OriginalQuery)
	sb.WriteString("\n\nExtracted findings:\n")
	for i, ex := range extractions {
		fmt.Fprintf(&sb, "%d. [%s] %s (from %s)\n", i+1, ex.Type, formatContent(ex.Content), ex.Provenance.ArtifactID)
	}
	fmt.Fprintf(&sb, "\nGuidelines: short_answer at most %d words.", g.MaxShortAnswerWords)
	if g.SummaryBullets > 0 {
		fmt.Fprintf(&sb, " detailed_summary as up to %d bullet points.", g.SummaryBullets)
	} else {
		sb.WriteString(" detailed_summary as one or two sentences.")
	}
	if g.RequireReasoning {
		sb.WriteString(" Explain the clinical reasoning connecting the findings.")
	}

	return Prompt{
		Mode:        ModeSummarization,
		System:      summarizationSystemPrompt,
		User:        sb.String(),
		Temperature: pb.config.SummarizationTemp,
		MaxTokens:   pb.config.SummaryTokens,
	}
}

// FormatCandidates renders candidates as numbered blocks with a metadata
// header so the model can cite artifact and chunk IDs precisely.
func FormatCandidates(candidates []types.RetrievalCandidate) string {
	var sb strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&sb, "[%d] artifact_id=%s chunk_id=%s type=%s date=%s",
			i+1, c.Chunk.ArtifactID, c.Chunk.ChunkID, c.Chunk.ArtifactType,
			c.Chunk.OccurredAt.Format("2006-01-02"))
		if c.Chunk.Author != "" {
			fmt.Fprintf(&sb, " author=%s", c.Chunk.Author)
		}
		sb.WriteString("\n")
		sb.WriteString(c.Chunk.ChunkText)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// EstimateTokens approximates the token count of a text at four characters
// per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// TruncateCandidates drops the lowest-ranked candidates until the estimated
// prompt size fits the token budget. At least one candidate survives.
func TruncateCandidates(candidates []types.RetrievalCandidate, tokenBudget int) []types.RetrievalCandidate {
	if len(candidates) == 0 {
		return candidates
	}

	kept := make([]types.RetrievalCandidate, len(candidates))
	copy(kept, candidates)
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Rank < kept[j].Rank })

	for len(kept) > 1 && EstimateTokens(FormatCandidates(kept)) > tokenBudget {
		kept = kept[:len(kept)-1]
	}
	return kept
}

func formatContent(content map[string]string) string {
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+content[k])
	}
	return strings.Join(parts, ", ")
}
