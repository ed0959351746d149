package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"emr-query-engine/internal/config"
)

// Completion is one LLM response with its token accounting
type Completion struct {
	Content string
	Tokens  int
}

// Client abstracts the LLM backend behind a single chat call
type Client interface {
	Complete(ctx context.Context, prompt Prompt) (*Completion, error)
	Model() string
}

// NewClient selects the backend from the generator configuration. With no
// backend configured generation fails fast rather than at first use.
func NewClient(cfg *config.GeneratorConfig) (Client, error) {
	switch cfg.Backend() {
	case config.BackendOpenAI:
		return NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, time.Duration(cfg.RequestTimeout)*time.Second), nil
	case config.BackendOllama:
		return NewOllamaClient(cfg.OllamaBaseURL, cfg.OllamaModel, time.Duration(cfg.RequestTimeout)*time.Second), nil
	default:
		return nil, fmt.Errorf("no generator backend configured: set OPENAI_API_KEY or OLLAMA_BASE_URL")
	}
}

// OpenAIClient backs generation with the OpenAI chat completions API
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates an OpenAI-backed client
func NewOpenAIClient(apiKey, model string, timeout time.Duration) *OpenAIClient {
	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}
}

// Complete sends one chat completion request
func (c *OpenAIClient) Complete(ctx context.Context, prompt Prompt) (*Completion, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt.User},
		},
		Temperature: float32(prompt.Temperature),
		MaxTokens:   prompt.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}
	return &Completion{
		Content: resp.Choices[0].Message.Content,
		Tokens:  resp.Usage.TotalTokens,
	}, nil
}

// Model returns the configured model name
func (c *OpenAIClient) Model() string { return c.model }

// OllamaClient backs generation with a local Ollama server
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaClient creates an Ollama-backed client
func NewOllamaClient(baseURL, model string, timeout time.Duration) *OllamaClient {
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Complete sends one non-streaming chat request to Ollama
func (c *OllamaClient) Complete(ctx context.Context, prompt Prompt) (*Completion, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model: c.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: prompt.User},
		},
		Stream: false,
		Options: ollamaOptions{
			Temperature: prompt.Temperature,
			NumPredict:  prompt.MaxTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama chat request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var chat ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}
	return &Completion{
		Content: chat.Message.Content,
		Tokens:  chat.PromptEvalCount + chat.EvalCount,
	}, nil
}

// Model returns the configured model name
func (c *OllamaClient) Model() string { return c.model }
