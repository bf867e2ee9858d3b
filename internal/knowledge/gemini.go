package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	embedBatchSize  = 50
	embedBatchDelay = 700 * time.Millisecond
	embedRetryDelay = 6 * time.Second
	embedMaxRetries = 5
)

func newGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

// GeminiEmbedder implements Embedder using Google's Gemini API.
type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dimension int
}

func NewGeminiEmbedder(ctx context.Context, apiKey string, modelName string, dim int) (*GeminiEmbedder, error) {
	client, err := newGeminiClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	return &GeminiEmbedder{
		client:    client,
		model:     modelName,
		dimension: dim,
	}, nil
}

func (g *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))

	config := &genai.EmbedContentConfig{TaskType: "CODE_RETRIEVAL_QUERY"}
	if g.dimension > 0 {
		dim := int32(g.dimension)
		config.OutputDimensionality = &dim
	}

	for i := 0; i < len(texts); i += embedBatchSize {
		if i > 0 && !waitOrCancel(ctx, embedBatchDelay) {
			return nil, ctx.Err()
		}

		end := min(i+embedBatchSize, len(texts))
		batch := texts[i:end]

		contents := make([]*genai.Content, 0, len(batch))
		for _, text := range batch {
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}

		var res *genai.EmbedContentResponse
		var err error
		for attempt := 0; attempt <= embedMaxRetries; attempt++ {
			res, err = g.client.Models.EmbedContent(ctx, g.model, contents, config)
			if err == nil {
				break
			}
			if !isRateLimitError(err) || attempt == embedMaxRetries {
				return nil, fmt.Errorf("failed to embed text: %w", err)
			}
			if !waitOrCancel(ctx, embedRetryDelay) {
				return nil, ctx.Err()
			}
		}

		if len(res.Embeddings) != len(batch) {
			return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(res.Embeddings), len(batch))
		}
		for _, emb := range res.Embeddings {
			results = append(results, emb.Values)
		}
	}
	return results, nil
}

func (g *GeminiEmbedder) Dimension() int {
	return g.dimension
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "429") || strings.Contains(s, "RESOURCE_EXHAUSTED") || strings.Contains(s, "quota")
}

// GeminiOracle implements Oracle with Gemini text generation.
type GeminiOracle struct {
	client *genai.Client
	model  string
}

func NewGeminiOracle(ctx context.Context, apiKey string, modelName string) (*GeminiOracle, error) {
	client, err := newGeminiClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &GeminiOracle{client: client, model: modelName}, nil
}

func (o *GeminiOracle) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.1),
	}
	if opts.Structured {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := o.client.Models.GenerateContent(ctx, o.model, genai.Text(prompt), config)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return resp.Text(), nil
}
