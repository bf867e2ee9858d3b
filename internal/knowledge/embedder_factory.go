package knowledge

import (
	"context"
	"fmt"
	"strings"
)

type EmbedderOptions struct {
	Provider  string
	APIKey    string
	Model     string
	Dimension int
	BaseURL   string
}

func NewEmbedder(ctx context.Context, opts EmbedderOptions) (Embedder, error) {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" {
		provider = "gemini"
	}

	switch provider {
	case "gemini":
		return NewGeminiEmbedder(ctx, opts.APIKey, opts.Model, opts.Dimension)
	case "openai":
		return NewOpenAIEmbedder(opts.APIKey, opts.Model, opts.Dimension, opts.BaseURL), nil
	case "ollama":
		return NewOllamaEmbedder(opts.Model, opts.Dimension, opts.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported embedder provider: %s", opts.Provider)
	}
}

type OracleOptions struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

// NewOracle returns the provider-specific oracle without retries; wrap it with
// NewRetryingOracle for production use.
func NewOracle(ctx context.Context, opts OracleOptions) (Oracle, error) {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" {
		provider = "gemini"
	}

	switch provider {
	case "gemini":
		return NewGeminiOracle(ctx, opts.APIKey, opts.Model)
	case "openai":
		return NewOpenAIOracle(opts.APIKey, opts.Model, opts.BaseURL), nil
	case "ollama":
		return NewOllamaOracle(opts.Model, opts.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported oracle provider: %s", opts.Provider)
	}
}
