// Package openai provides the chat-completions client used for answer
// generation, relevance judging and citation repair.
package openai

import (
	"context"
	"errors"
	"time"

	"github.com/hsn0918/docqa/internal/clients/base"
	"github.com/hsn0918/docqa/internal/config"
)

const (
	DefaultTimeout = 120 * time.Second
	ServiceName    = "llm"
)

// ErrNoChoices is returned when the API answers with an empty choice list.
var ErrNoChoices = errors.New("openai: response contains no choices")

// ChatCompleter defines the chat operations the pipelines need.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Complete(ctx context.Context, messages []Message, temperature float64) (string, error)
	CompleteJSON(ctx context.Context, messages []Message, temperature float64) (string, error)
}

type Client struct {
	httpClient *base.HTTPClient
	model      string
}

var _ ChatCompleter = (*Client)(nil)

func NewClient(cfg config.ServiceConfig) *Client {
	return &Client{
		httpClient: base.NewHTTPClient(ServiceName, cfg, DefaultTimeout),
		model:      cfg.Model,
	}
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ResponseFormat struct {
	Type string `json:"type"`
}

type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	TopP           float64         `json:"top_p,omitempty"`
	Stop           any             `json:"stop,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

func (c *Client) CreateChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	var result ChatResponse
	if err := c.httpClient.Post(ctx, "/chat/completions", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Complete sends messages with default limits and returns the first choice.
func (c *Client) Complete(ctx context.Context, messages []Message, temperature float64) (string, error) {
	resp, err := c.CreateChatCompletion(ctx, ChatRequest{
		Messages:    messages,
		MaxTokens:   4096,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteJSON requests a strict JSON object response. Used by the relevance
// judge, whose output is machine-parsed.
func (c *Client) CompleteJSON(ctx context.Context, messages []Message, temperature float64) (string, error) {
	resp, err := c.CreateChatCompletion(ctx, ChatRequest{
		Messages:       messages,
		MaxTokens:      2048,
		Temperature:    temperature,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}
