// ABOUTME: Generation client adapter over the OpenAI chat completions API.
// ABOUTME: Produces one whole completion per call and classifies provider failures.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Message is one entry of the provider-facing history.
type Message struct {
	Role    string
	Content string
	Name    string
}

// Params carries the generation parameters for a single call. They come
// straight from the speaking personality's config.
type Params struct {
	Model            string
	Temperature      float32
	MaxTokens        int
	FrequencyPenalty float32
	PresencePenalty  float32
}

// Usage reports the token counts of one completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Result is a successful completion. A filtered or empty response is still a
// Result — the content is a placeholder naming the finish reason.
type Result struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Client calls the OpenAI chat completions endpoint.
type Client struct {
	api    *openai.Client
	logger *slog.Logger
}

// NewClient builds a client for the given credential. An empty API key is a
// configuration error; the caller treats it as fatal at startup. baseURL
// overrides the API endpoint when non-empty (self-hosted gateways, tests).
func NewClient(apiKey, baseURL string, logger *slog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is missing, set OPENAI_API_KEY", ErrConfiguration)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &Client{
		api:    openai.NewClientWithConfig(cfg),
		logger: logger.With("component", "llm"),
	}, nil
}

// Generate produces one completion for the given history and parameters.
// Content is trimmed of surrounding whitespace. A response whose content was
// blocked or empty yields a placeholder Result rather than an error.
func (c *Client) Generate(ctx context.Context, messages []Message, params Params) (*Result, error) {
	if params.Model == "" || params.MaxTokens <= 0 {
		return nil, fmt.Errorf("%w: model and max tokens are required", ErrConfiguration)
	}

	req := openai.ChatCompletionRequest{
		Model:            params.Model,
		MaxTokens:        params.MaxTokens,
		Temperature:      params.Temperature,
		FrequencyPenalty: params.FrequencyPenalty,
		PresencePenalty:  params.PresencePenalty,
		Messages:         make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		})
	}

	c.logger.Debug("chat completion request",
		"model", params.Model,
		"temperature", params.Temperature,
		"max_tokens", params.MaxTokens,
		"messages", len(req.Messages))

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", ErrProvider)
	}

	choice := resp.Choices[0]
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}

	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		// Content filter or truncation before any token. Not an error:
		// the turn proceeds with a placeholder message.
		c.logger.Warn("completion content empty", "finish_reason", choice.FinishReason)
		content = fmt.Sprintf("[response blocked or empty: %s]", choice.FinishReason)
	}

	return &Result{
		Content:      content,
		FinishReason: string(choice.FinishReason),
		Usage:        usage,
	}, nil
}

// classify maps a provider failure onto one of the package error kinds.
func classify(err error) error {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}

	switch {
	case apiErr.HTTPStatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: check your API key", ErrAuthentication)
	case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
	case apiErr.HTTPStatusCode == http.StatusBadRequest && isContextLength(apiErr):
		return fmt.Errorf("%w: conversation history too long", ErrContextLength)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrProvider, apiErr.HTTPStatusCode, apiErr.Message)
	}
}

func isContextLength(apiErr *openai.APIError) bool {
	if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
		return true
	}
	return strings.Contains(apiErr.Message, "context_length_exceeded")
}
