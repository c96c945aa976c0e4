// Package docparse provides a client for the document extraction service
// that turns uploaded PDFs into per-page markdown, including OCR for scanned
// pages.
package docparse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hsn0918/docqa/internal/clients/base"
	"github.com/hsn0918/docqa/internal/config"
)

const (
	DefaultTimeout = 60 * time.Second
	ServiceName    = "docparse"

	pollInterval = 2 * time.Second
	maxPollTime  = 10 * time.Minute
)

// ErrParseFailed is returned when the service reports a terminal failure.
var ErrParseFailed = errors.New("docparse: extraction failed")

// Page holds the extracted markdown of one document page.
type Page struct {
	PageNumber int    `json:"page_idx"`
	Markdown   string `json:"md"`
}

// Parser defines the extraction operation the ingestion pipeline needs.
type Parser interface {
	ParsePDF(ctx context.Context, filename string, data []byte) ([]Page, error)
}

// Client submits a PDF and polls until extraction finishes.
type Client struct {
	httpClient *base.HTTPClient
}

var _ Parser = (*Client)(nil)

func NewClient(cfg config.ServiceConfig) *Client {
	return &Client{
		httpClient: base.NewHTTPClient(ServiceName, cfg, DefaultTimeout),
	}
}

type submitResponse struct {
	Code string `json:"code"`
	Data struct {
		UID string `json:"uid"`
	} `json:"data"`
}

type statusResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg,omitempty"`
	Data *struct {
		Progress int    `json:"progress"`
		Status   string `json:"status"`
		Detail   string `json:"detail"`
		Result   *struct {
			Pages []Page `json:"pages"`
		} `json:"result"`
	} `json:"data"`
}

// ParsePDF uploads the document and polls the job until pages are available.
func (c *Client) ParsePDF(ctx context.Context, filename string, data []byte) ([]Page, error) {
	var submitted submitResponse
	err := c.httpClient.PostMultipart(ctx, "/api/v2/parse/pdf", "file", filename, data, nil, &submitted)
	if err != nil {
		return nil, err
	}
	if submitted.Data.UID == "" {
		return nil, base.NewClientError(ServiceName, "POST /api/v2/parse/pdf",
			errors.New("no job uid in response"))
	}

	return c.waitForResult(ctx, submitted.Data.UID)
}

func (c *Client) waitForResult(ctx context.Context, uid string) ([]Page, error) {
	deadline := time.Now().Add(maxPollTime)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: job %s timed out", ErrParseFailed, uid)
		}

		var status statusResponse
		err := c.httpClient.Get(ctx, "/api/v2/parse/status", map[string]string{"uid": uid}, &status)
		if err != nil {
			if base.IsRetryableError(err) {
				continue
			}
			return nil, err
		}
		if status.Data == nil {
			continue
		}

		switch status.Data.Status {
		case "success":
			if status.Data.Result == nil {
				return nil, fmt.Errorf("%w: job %s finished without pages", ErrParseFailed, uid)
			}
			return status.Data.Result.Pages, nil
		case "failed":
			return nil, fmt.Errorf("%w: job %s: %s", ErrParseFailed, uid, status.Data.Detail)
		}
	}
}
