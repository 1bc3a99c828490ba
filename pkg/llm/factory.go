package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/config"
)

// NewClient creates the configured provider's client wrapped in the shared
// concurrency limiter, so every caller goes through the same bound.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (Client, error) {
	var (
		client Client
		err    error
	)

	switch cfg.Provider {
	case "openai", "":
		client, err = NewOpenAIClient(cfg, logger)
	case "anthropic":
		client, err = NewAnthropicClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}

	return NewLimitedClient(client, cfg.Concurrency), nil
}
