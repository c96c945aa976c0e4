// Package embedding provides a client for the embedding service. One query
// embedding is produced at the QnA width and truncated downstream for the
// regular collection, so callers make a single call per query.
package embedding

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/hsn0918/docqa/internal/clients/base"
	"github.com/hsn0918/docqa/internal/config"
)

const (
	DefaultTimeout = 30 * time.Second
	ServiceName    = "embedding"

	// requestsPerSecond paces batch ingestion against provider rate limits.
	requestsPerSecond = 8
)

// Embedder defines the interface for embedding operations.
type Embedder interface {
	Embed(ctx context.Context, text string, dimensions int) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, dimensions int) ([][]float32, error)
}

// Client provides embedding API operations using the standardized base client.
type Client struct {
	httpClient *base.HTTPClient
	model      string
	limiter    *rate.Limiter
}

// Compile-time check to ensure Client implements Embedder interface
var _ Embedder = (*Client)(nil)

// NewClient creates a new embedding client.
func NewClient(cfg config.ServiceConfig) *Client {
	return &Client{
		httpClient: base.NewHTTPClient(ServiceName, cfg, DefaultTimeout),
		model:      cfg.Model,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

// Request represents an embedding generation request.
type Request struct {
	Model          string `json:"model"`
	Input          any    `json:"input"`
	EncodingFormat string `json:"encoding_format,omitempty"`
	Dimensions     int    `json:"dimensions,omitempty"`
}

// Data represents a single embedding result.
type Data struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response represents the complete embedding API response.
type Response struct {
	Object string `json:"object"`
	Model  string `json:"model"`
	Data   []Data `json:"data"`
	Usage  Usage  `json:"usage"`
}

// Embed generates one embedding at the requested width.
func (c *Client) Embed(ctx context.Context, text string, dimensions int) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text}, dimensions)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one API call,
// waiting on the rate limiter first. Results come back in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, dimensions int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit wait: %w", err)
	}

	req := Request{
		Model:          c.model,
		Input:          texts,
		EncodingFormat: "float",
		Dimensions:     dimensions,
	}

	var result Response
	if err := c.httpClient.Post(ctx, "/embeddings", req, &result); err != nil {
		// Transient failures get one immediate retry on top of the 5xx
		// retries inside the base client.
		if !base.IsRetryableError(err) {
			return nil, err
		}
		if err := c.httpClient.Post(ctx, "/embeddings", req, &result); err != nil {
			return nil, err
		}
	}

	if len(result.Data) != len(texts) {
		return nil, base.NewClientError(ServiceName, "POST /embeddings",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Data)))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, base.NewClientError(ServiceName, "POST /embeddings",
				fmt.Errorf("embedding index %d out of range", d.Index))
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, base.NewClientError(ServiceName, "POST /embeddings",
				fmt.Errorf("missing embedding for input %d", i))
		}
	}
	return vectors, nil
}
