// Package embedding generates and compares semantic vectors for snapshot
// text. Providers are pluggable; the catalog only sees the (dim, provider,
// model) identity a provider declares.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/rekal-dev/rekal/internal/metrics"
)

// Provider produces vectors for text and declares the embedding space they
// live in.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Identity() Identity
}

// Client is an HTTP client for OpenAI-compatible embeddings APIs (Ollama,
// OpenRouter, or any /v1-style endpoint).
type Client struct {
	apiKey   string
	baseURL  string
	identity Identity
	client   *http.Client
}

// NewClient creates a client for a keyed OpenAI-compatible endpoint.
func NewClient(baseURL, apiKey, model string, dim int) *Client {
	return &Client{
		apiKey:   apiKey,
		baseURL:  baseURL,
		identity: Identity{Dim: dim, Provider: "openai", Model: model},
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

// NewOllamaClient creates a client for a local Ollama instance, which needs
// no API key.
func NewOllamaClient(baseURL, model string, dim int) *Client {
	return &Client{
		baseURL:  baseURL,
		identity: Identity{Dim: dim, Provider: "ollama", Model: model},
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Identity returns the embedding space this client produces vectors for.
func (c *Client) Identity() Identity { return c.identity }

// Embed generates an L2-normalized embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		metrics.EmbeddingsFailedTotal.Add(1)
		return nil, fmt.Errorf("text cannot be empty")
	}
	slog.Debug("generating embedding", "text_length", len(text), "model", c.identity.Model)

	vec, err := c.embed(ctx, text)
	if err != nil {
		metrics.EmbeddingsFailedTotal.Add(1)
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(vec) != c.identity.Dim {
		metrics.EmbeddingsFailedTotal.Add(1)
		return nil, fmt.Errorf("provider returned %d dimensions, expected %d", len(vec), c.identity.Dim)
	}

	Normalize(vec)
	metrics.EmbeddingsGeneratedTotal.Add(1)
	return vec, nil
}

func (c *Client) embed(ctx context.Context, text string) ([]float32, error) {
	jsonData, err := json.Marshal(embeddingRequest{Model: c.identity.Model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	const maxRetries = 3
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embeddings", bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			vec, retryable, err := decodeEmbedding(resp)
			if err == nil {
				return vec, nil
			}
			lastErr = err
			if !retryable {
				return nil, err
			}
		}

		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second * time.Duration(i+1)):
			}
		}
	}
	return nil, fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// decodeEmbedding reads one response. The second return value reports whether
// the failure is worth retrying (5xx or transport-level).
func decodeEmbedding(resp *http.Response) ([]float32, bool, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500
		var errResp errorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, retryable, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return nil, retryable, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var er embeddingResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, false, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(er.Data) == 0 {
		return nil, false, fmt.Errorf("no embedding data in response")
	}
	return er.Data[0].Embedding, false, nil
}

// Normalize scales vec to unit L2 norm in place. Zero vectors are left
// untouched.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}

// Dot returns the dot product of two vectors. For pre-normalized vectors
// this equals cosine similarity. Mismatched lengths score zero.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
