// Package embedx provides a client for OpenAI-compatible embedding
// endpoints ("/v1/embeddings": model + input texts in, vectors out in input
// order).
package embedx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Service-side limits the client enforces before submitting.
const (
	// MaxBatchSize is the most texts allowed in one request.
	MaxBatchSize = 100
	// MaxTextLen is the per-text character cap; longer inputs are truncated.
	MaxTextLen = 8000
)

// StatusError is a non-2xx response from the embedding service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("embedx: status %d: %s", e.Code, e.Body)
}

// Retryable reports whether an error is worth retrying: rate limiting or a
// 5xx-class response.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return false
}

// Client calls an OpenAI-compatible embeddings endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	httpClient *http.Client
}

// NewClient creates an embeddings client. dimensions <= 0 leaves the output
// dimensionality to the model default.
func NewClient(baseURL, apiKey, model string, dimensions int) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Truncate caps a text at MaxTextLen without splitting a rune.
func Truncate(text string) string {
	if len(text) <= MaxTextLen {
		return text
	}
	cut := MaxTextLen
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	return text[:cut]
}

// Embed submits one batch of texts and returns vectors in input order.
// len(texts) must not exceed MaxBatchSize; texts are truncated client-side.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > MaxBatchSize {
		return nil, fmt.Errorf("embedx: batch of %d exceeds max %d", len(texts), MaxBatchSize)
	}

	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = Truncate(t)
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Input: input, Dimensions: c.dimensions})
	if err != nil {
		return nil, fmt.Errorf("embedx: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedx: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedx: decode response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedx: got %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedx: vector index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
