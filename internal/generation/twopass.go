package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"emr-query-engine/internal/apperrors"
	"emr-query-engine/internal/logging"
	"emr-query-engine/internal/retry"
	"emr-query-engine/pkg/types"
)

// Report carries token and timing accounting for one generation run
type Report struct {
	Pass1Tokens     int   `json:"pass1_tokens"`
	Pass2Tokens     int   `json:"pass2_tokens"`
	TotalTokens     int   `json:"total_tokens"`
	ExecutionTimeMS int64 `json:"execution_time_ms"`
}

// Result is the output of a two-pass generation run
type Result struct {
	Extractions     []types.Extraction `json:"extractions"`
	ShortAnswer     string             `json:"short_answer"`
	DetailedSummary string             `json:"detailed_summary"`
	Report          Report             `json:"report"`
}

type extractionPayload struct {
	Extractions []types.Extraction `json:"extractions"`
}

type summaryPayload struct {
	ShortAnswer     string `json:"short_answer"`
	DetailedSummary string `json:"detailed_summary"`
}

// TwoPassGenerator runs extraction at temperature 0, then summarization at
// temperature 0.3 over the extracted claims. Passes are sequential because
// the summary consumes the extraction list.
type TwoPassGenerator struct {
	client  Client
	prompts *PromptBuilder
	retrier *retry.Retrier
	logger  logging.Logger
	now     func() time.Time
}

// NewTwoPassGenerator creates a generator with the standard retry policy
func NewTwoPassGenerator(client Client, prompts *PromptBuilder, logger logging.Logger) *TwoPassGenerator {
	return &TwoPassGenerator{
		client:  client,
		prompts: prompts,
		retrier: retry.New(retry.DefaultConfig()),
		logger:  logger.WithComponent("twopass_generator"),
		now:     time.Now,
	}
}

// Generate runs both passes and returns the combined result. Transient LLM
// failures are retried with backoff; malformed model output fails with
// GENERATION_INVALID_OUTPUT.
func (g *TwoPassGenerator) Generate(ctx context.Context, sq *types.StructuredQuery, candidates []types.RetrievalCandidate) (*Result, error) {
	start := g.now()

	extractions, pass1Tokens, err := g.extractionPass(ctx, sq, candidates)
	if err != nil {
		return nil, err
	}

	summary, pass2Tokens, err := g.summarizationPass(ctx, sq, extractions)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Extractions:     extractions,
		ShortAnswer:     summary.ShortAnswer,
		DetailedSummary: summary.DetailedSummary,
		Report: Report{
			Pass1Tokens:     pass1Tokens,
			Pass2Tokens:     pass2Tokens,
			TotalTokens:     pass1Tokens + pass2Tokens,
			ExecutionTimeMS: g.now().Sub(start).Milliseconds(),
		},
	}

	g.logger.InfoContext(ctx, "Two-pass generation completed",
		"query_id", sq.QueryID,
		"extractions", len(extractions),
		"total_tokens", result.Report.TotalTokens,
		"execution_time_ms", result.Report.ExecutionTimeMS,
	)
	return result, nil
}

func (g *TwoPassGenerator) extractionPass(ctx context.Context, sq *types.StructuredQuery, candidates []types.RetrievalCandidate) ([]types.Extraction, int, error) {
	prompt := g.prompts.BuildExtraction(sq, candidates)

	completion, err := g.complete(ctx, prompt)
	if err != nil {
		return nil, 0, err
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(stripCodeFence(completion.Content)), &payload); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.CodeGenerationInvalidOutput,
			"extraction pass returned unparseable JSON", err)
	}
	for i, ex := range payload.Extractions {
		if !ex.Type.Valid() {
			return nil, 0, apperrors.New(apperrors.CodeGenerationInvalidOutput,
				"extraction pass returned an unknown extraction type",
				"The answer could not be generated reliably. Please try again.",
			).WithDetails(fmt.Sprintf("extraction %d has type %q", i, ex.Type))
		}
	}
	return payload.Extractions, completion.Tokens, nil
}

func (g *TwoPassGenerator) summarizationPass(ctx context.Context, sq *types.StructuredQuery, extractions []types.Extraction) (*summaryPayload, int, error) {
	prompt := g.prompts.BuildSummarization(sq, extractions)

	completion, err := g.complete(ctx, prompt)
	if err != nil {
		return nil, 0, err
	}

	var payload summaryPayload
	if err := json.Unmarshal([]byte(stripCodeFence(completion.Content)), &payload); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.CodeGenerationInvalidOutput,
			"summarization pass returned unparseable JSON", err)
	}
	if payload.ShortAnswer == "" {
		return nil, 0, apperrors.New(apperrors.CodeGenerationInvalidOutput,
			"summarization pass returned no short answer",
			"The answer could not be generated reliably. Please try again.")
	}
	return &payload, completion.Tokens, nil
}

func (g *TwoPassGenerator) complete(ctx context.Context, prompt Prompt) (*Completion, error) {
	var completion *Completion
	result := g.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		completion, err = g.client.Complete(ctx, prompt)
		return err
	})
	if result.Err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(apperrors.CodeLLMTimeout, "llm call exceeded the deadline", result.Err)
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "llm call failed after retries", result.Err)
	}
	return completion, nil
}

// stripCodeFence unwraps a ```json fenced block when the model adds one
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
