package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/config"
	"github.com/triangulate-hq/triangulate-engine/pkg/retry"
)

// OpenAIClient talks to OpenAI-compatible chat endpoints (OpenAI, vLLM,
// Ollama, DeepSeek).
type OpenAIClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(cfg config.LLMConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		logger:  logger.Named("llm-openai"),
	}, nil
}

func (c *OpenAIClient) Model() string { return c.model }

func (c *OpenAIClient) AnalyzeFile(ctx context.Context, filePath, content string) (*FileAnalysis, error) {
	return complete[FileAnalysis](ctx, c, buildFilePrompt(filePath, content))
}

func (c *OpenAIClient) AnalyzeDirectory(ctx context.Context, directory string, pois []POIContext, candidates []CandidateRelationship) (*DirectoryAnalysis, error) {
	return complete[DirectoryAnalysis](ctx, c, buildDirectoryPrompt(directory, pois, candidates))
}

func (c *OpenAIClient) AnalyzePOI(ctx context.Context, poi POIContext, surrounding []POIContext) (*POIAnalysis, error) {
	return complete[POIAnalysis](ctx, c, buildPOIPrompt(poi, surrounding))
}

// complete runs one chat completion with internal retries for transient
// failures, then parses the response into T. An unparsable but successful
// response surfaces as *ParseError so callers can fall back.
func complete[T any](ctx context.Context, c *OpenAIClient, prompt string) (*T, error) {
	content, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (string, error) {
		return c.generate(ctx, prompt)
	})
	if err != nil {
		return nil, err
	}

	result, err := ParseJSONResponse[T](content)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	return &result, nil
}

func (c *OpenAIClient) generate(ctx context.Context, prompt string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(reqCtx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemMessage},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		c.logger.Warn("LLM request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", classifyOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return "", &APIError{Message: "no choices in response", Retryable: true}
	}

	c.logger.Debug("LLM request completed",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)))

	return resp.Choices[0].Message.Content, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return newAPIError(apiErr.HTTPStatusCode, apiErr.Message)
	}
	// Transport errors (timeouts, connection resets) are transient.
	return &APIError{Message: err.Error(), Retryable: true}
}

var _ Client = (*OpenAIClient)(nil)
