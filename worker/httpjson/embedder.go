package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	slidewise "github.com/slidewise/slidewise"
)

// Embedder calls a remote embedding service: POST {base}/embed with
// {"texts": [...]} returning {"embeddings": [[...], ...]}.
type Embedder struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ slidewise.Embedder = (*Embedder)(nil)

// NewEmbedder creates an embedding client for the service at baseURL.
func NewEmbedder(baseURL string, opts ...Option) *Embedder {
	// Reuse the worker client options for transport configuration.
	c := New("embed", baseURL, opts...)
	return &Embedder{baseURL: baseURL, apiKey: c.apiKey, client: c.client}
}

// Embed returns one vector per input text, in order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(map[string]any{"texts": texts})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("embed: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &slidewise.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: slidewise.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d texts", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}
