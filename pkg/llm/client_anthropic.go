package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/config"
	"github.com/triangulate-hq/triangulate-engine/pkg/retry"
)

const anthropicMaxTokens = 8192

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client  *anthropic.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewAnthropicClient creates a client for the Anthropic API.
func NewAnthropicClient(cfg config.LLMConfig, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	var opts []anthropic.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		client:  anthropic.NewClient(cfg.APIKey, opts...),
		model:   cfg.Model,
		timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		logger:  logger.Named("llm-anthropic"),
	}, nil
}

func (c *AnthropicClient) Model() string { return c.model }

func (c *AnthropicClient) AnalyzeFile(ctx context.Context, filePath, content string) (*FileAnalysis, error) {
	return completeAnthropic[FileAnalysis](ctx, c, buildFilePrompt(filePath, content))
}

func (c *AnthropicClient) AnalyzeDirectory(ctx context.Context, directory string, pois []POIContext, candidates []CandidateRelationship) (*DirectoryAnalysis, error) {
	return completeAnthropic[DirectoryAnalysis](ctx, c, buildDirectoryPrompt(directory, pois, candidates))
}

func (c *AnthropicClient) AnalyzePOI(ctx context.Context, poi POIContext, surrounding []POIContext) (*POIAnalysis, error) {
	return completeAnthropic[POIAnalysis](ctx, c, buildPOIPrompt(poi, surrounding))
}

func completeAnthropic[T any](ctx context.Context, c *AnthropicClient, prompt string) (*T, error) {
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

func (c *AnthropicClient) generate(ctx context.Context, prompt string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.CreateMessages(reqCtx, anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		MaxTokens: anthropicMaxTokens,
		System:    systemMessage,
		Messages: []anthropic.Message{
			anthropic.NewUserTextMessage(prompt),
		},
	})
	if err != nil {
		c.logger.Warn("LLM request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", classifyAnthropicError(err)
	}

	text := firstTextBlock(resp)
	if text == "" {
		return "", &APIError{Message: "no text content in response", Retryable: true}
	}

	c.logger.Debug("LLM request completed",
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)))

	return text, nil
}

func firstTextBlock(resp anthropic.MessagesResponse) string {
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			return *block.Text
		}
	}
	return ""
}

func classifyAnthropicError(err error) error {
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) {
		return newAPIError(reqErr.StatusCode, reqErr.Error())
	}
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		// Overloaded and rate-limit responses are worth retrying.
		retryable := apiErr.IsRateLimitErr() || apiErr.IsOverloadedErr() || apiErr.IsApiErr()
		return &APIError{Message: apiErr.Message, Retryable: retryable}
	}
	return &APIError{Message: err.Error(), Retryable: true}
}

var _ Client = (*AnthropicClient)(nil)
