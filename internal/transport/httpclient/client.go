// Package httpclient implements the client side of the push and pull protocols over HTTP.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/transport/httpdto"
)

// StatusError is a non-2xx answer from the server
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server answered %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client satisfies service.PushHandler and service.PullHandler
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

func New(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("component", "httpclient"),
	}
}

// WithHTTPClient replaces the underlying http.Client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) Push(ctx context.Context, events []models.OutboxEvent) ([]models.PushResult, error) {
	body, err := json.Marshal(httpdto.PushRequest{Events: events})
	if err != nil {
		return nil, fmt.Errorf("encode push request: %w", err)
	}

	var out httpdto.Response[httpdto.PushResponse]
	if err := c.do(ctx, http.MethodPost, "/v1/sync/push", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return out.Data.Results, nil
}

func (c *Client) Pull(ctx context.Context, cursor int64) (*models.PullPage, error) {
	q := url.Values{}
	q.Set("cursor", strconv.FormatInt(cursor, 10))

	var out httpdto.Response[*models.PullPage]
	if err := c.do(ctx, http.MethodGet, "/v1/sync/pull?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return &models.PullPage{Cursor: cursor}, nil
	}
	return out.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("HTTP call", "method", method, "path", path, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	// Numbers stay json.Number so integer keys survive the trip exactly
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e httpdto.Response[any]
		_ = dec.Decode(&e)
		return &StatusError{StatusCode: resp.StatusCode, Code: e.Code, Message: e.Error}
	}
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
