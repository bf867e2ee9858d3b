package knowledge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	ollamaEmbedBatchSize = 64
	ollamaEmbedDelay     = 200 * time.Millisecond
)

type OllamaEmbedder struct {
	client    *http.Client
	model     string
	dimension int
	endpoint  string
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// ollamaEndpoint normalizes a base URL into a full endpoint for path
// ("/api/embed", "/api/chat").
func ollamaEndpoint(baseURL, path string) string {
	url := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if url == "" {
		url = "http://127.0.0.1:11434"
	}
	url = strings.TrimSuffix(url, "/api/embed")
	url = strings.TrimSuffix(url, "/api/chat")
	return url + path
}

func NewOllamaEmbedder(model string, dim int, baseURL string) *OllamaEmbedder {
	return &OllamaEmbedder{
		client:    &http.Client{Timeout: 90 * time.Second},
		model:     model,
		dimension: dim,
		endpoint:  ollamaEndpoint(baseURL, "/api/embed"),
	}
}

// Dimension is the configured size, or the size observed on the first call
// when none was configured.
func (o *OllamaEmbedder) Dimension() int {
	return o.dimension
}

func (o *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if strings.TrimSpace(o.model) == "" {
		return nil, fmt.Errorf("ollama embedding model is required")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += ollamaEmbedBatchSize {
		if i > 0 && !waitOrCancel(ctx, ollamaEmbedDelay) {
			return nil, ctx.Err()
		}
		end := min(i+ollamaEmbedBatchSize, len(texts))
		batch := texts[i:end]

		var parsed ollamaEmbedResponse
		if err := postJSON(ctx, o.client, "ollama embed", o.endpoint, "", ollamaEmbedRequest{Model: o.model, Input: batch}, &parsed); err != nil {
			return nil, err
		}
		if len(parsed.Embeddings) != len(batch) {
			return nil, fmt.Errorf("ollama embedding count mismatch: got %d, expected %d", len(parsed.Embeddings), len(batch))
		}
		out = append(out, parsed.Embeddings...)
	}

	if o.dimension <= 0 && len(out) > 0 {
		o.dimension = len(out[0])
	}
	return out, nil
}

// OllamaOracle implements Oracle over the local chat API.
type OllamaOracle struct {
	client   *http.Client
	model    string
	endpoint string
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []openAIChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message openAIChatMessage `json:"message"`
}

func NewOllamaOracle(model, baseURL string) *OllamaOracle {
	return &OllamaOracle{
		client:   &http.Client{Timeout: 300 * time.Second},
		model:    model,
		endpoint: ollamaEndpoint(baseURL, "/api/chat"),
	}
}

func (o *OllamaOracle) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if strings.TrimSpace(o.model) == "" {
		return "", fmt.Errorf("ollama oracle model is required")
	}
	req := ollamaChatRequest{
		Model:    o.model,
		Messages: []openAIChatMessage{{Role: "user", Content: prompt}},
		Options:  map[string]any{"temperature": 0.1},
	}
	if opts.Structured {
		req.Format = "json"
	}

	var parsed ollamaChatResponse
	if err := postJSON(ctx, o.client, "ollama chat", o.endpoint, "", req, &parsed); err != nil {
		return "", err
	}
	return parsed.Message.Content, nil
}
