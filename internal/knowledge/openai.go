package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	openAIEmbedBatchSize = 64
	openAIEmbedDelay     = 400 * time.Millisecond
	openAIEmbedRetries   = 5
	openAIRetryDelay     = 3 * time.Second
)

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// httpStatusError carries a non-2xx response from an HTTP provider.
type httpStatusError struct {
	Provider string
	Status   int
	Message  string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("%s request failed (%d): %s", e.Provider, e.Status, e.Message)
}

func (e *httpStatusError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// postJSON performs one JSON round trip. Non-2xx responses become *httpStatusError.
func postJSON(ctx context.Context, client *http.Client, provider, endpoint, apiKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		var errBody openAIErrorBody
		if json.Unmarshal(raw, &errBody) == nil && strings.TrimSpace(errBody.Error.Message) != "" {
			msg = strings.TrimSpace(errBody.Error.Message)
		}
		return &httpStatusError{Provider: provider, Status: resp.StatusCode, Message: msg}
	}
	return json.Unmarshal(raw, out)
}

// openAIEndpoint normalizes a base URL into a full endpoint for the given path
// ("/embeddings", "/chat/completions").
func openAIEndpoint(baseURL, path string) string {
	endpoint := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if endpoint == "" {
		return "https://api.openai.com/v1" + path
	}
	if strings.HasSuffix(endpoint, path) {
		return endpoint
	}
	if !strings.HasSuffix(endpoint, "/v1") {
		endpoint += "/v1"
	}
	return endpoint + path
}

type OpenAIEmbedder struct {
	client     *http.Client
	apiKey     string
	model      string
	dimension  int
	endpoint   string
	retryDelay time.Duration
}

type openAIEmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func NewOpenAIEmbedder(apiKey, model string, dim int, baseURL string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client:     &http.Client{Timeout: 60 * time.Second},
		apiKey:     apiKey,
		model:      model,
		dimension:  dim,
		endpoint:   openAIEndpoint(baseURL, "/embeddings"),
		retryDelay: openAIRetryDelay,
	}
}

func (o *OpenAIEmbedder) Dimension() int {
	return o.dimension
}

func (o *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if strings.TrimSpace(o.apiKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if strings.TrimSpace(o.model) == "" {
		return nil, fmt.Errorf("openai embedding model is required")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += openAIEmbedBatchSize {
		if i > 0 && !waitOrCancel(ctx, openAIEmbedDelay) {
			return nil, ctx.Err()
		}
		end := min(i+openAIEmbedBatchSize, len(texts))
		vecs, err := o.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vecs...)
	}
	return results, nil
}

func (o *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	payload := openAIEmbeddingRequest{Model: o.model, Input: batch}
	if o.dimension > 0 {
		payload.Dimensions = &o.dimension
	}

	var lastErr error
	for attempt := 0; attempt <= openAIEmbedRetries; attempt++ {
		if attempt > 0 && !waitOrCancel(ctx, o.retryDelay) {
			return nil, ctx.Err()
		}

		var parsed openAIEmbeddingResponse
		err := postJSON(ctx, o.client, "openai embeddings", o.endpoint, o.apiKey, payload, &parsed)
		if err != nil {
			lastErr = err
			if statusErr, ok := err.(*httpStatusError); ok && !statusErr.retryable() {
				return nil, err
			}
			continue
		}

		if len(parsed.Data) != len(batch) {
			return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(parsed.Data), len(batch))
		}
		out := make([][]float32, len(batch))
		for _, item := range parsed.Data {
			if item.Index < 0 || item.Index >= len(batch) {
				continue
			}
			out[item.Index] = item.Embedding
		}
		for i := range out {
			if len(out[i]) == 0 {
				return nil, fmt.Errorf("embedding missing at index %d", i)
			}
		}
		return out, nil
	}
	return nil, lastErr
}

// OpenAIOracle implements Oracle over the chat completions API.
type OpenAIOracle struct {
	client   *http.Client
	apiKey   string
	model    string
	endpoint string
}

type openAIChatRequest struct {
	Model          string              `json:"model"`
	Messages       []openAIChatMessage `json:"messages"`
	Temperature    float64             `json:"temperature,omitempty"`
	ResponseFormat *openAIFormat       `json:"response_format,omitempty"`
}

type openAIFormat struct {
	Type string `json:"type"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
}

func NewOpenAIOracle(apiKey, model, baseURL string) *OpenAIOracle {
	if model == "" {
		model = "gpt-4-turbo"
	}
	return &OpenAIOracle{
		client:   &http.Client{Timeout: 180 * time.Second},
		apiKey:   apiKey,
		model:    model,
		endpoint: openAIEndpoint(baseURL, "/chat/completions"),
	}
}

func (o *OpenAIOracle) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if strings.TrimSpace(o.apiKey) == "" {
		return "", fmt.Errorf("openai api key is required")
	}

	reqBody := openAIChatRequest{
		Model:       o.model,
		Temperature: 0.1,
	}
	if opts.Structured {
		reqBody.ResponseFormat = &openAIFormat{Type: "json_object"}
		reqBody.Messages = append(reqBody.Messages, openAIChatMessage{
			Role:    "system",
			Content: "You are a helpful assistant designed to output JSON.",
		})
	}
	reqBody.Messages = append(reqBody.Messages, openAIChatMessage{Role: "user", Content: prompt})

	var parsed openAIChatResponse
	if err := postJSON(ctx, o.client, "openai chat", o.endpoint, o.apiKey, reqBody, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openai chat response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func waitOrCancel(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
