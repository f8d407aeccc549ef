// Package httpjson is the HTTP JSON transport for remote workers. A worker
// service exposes POST {base}/invoke accepting a request envelope and
// returning a result envelope; failures come back either as a structured
// error body or as a bare non-2xx status.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	slidewise "github.com/slidewise/slidewise"
)

// Client invokes one remote worker over HTTP JSON.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

var _ slidewise.Worker = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. The default client
// carries no timeout; deadlines come from the request context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithAPIKey sets a bearer token attached to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithLogger sets the structured logger for transport events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a transport client for the named worker at baseURL
// (e.g. "http://outline-worker:8080").
func New(name, baseURL string, opts ...Option) *Client {
	c := &Client{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the worker kind this client fronts.
func (c *Client) Name() string { return c.name }

// errorBody is the structured error envelope a worker may return on non-2xx.
type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

// Invoke posts the request to {base}/invoke and decodes the response.
// Structured error bodies become *slidewise.WorkerError; bare non-2xx
// statuses become *slidewise.ErrHTTP carrying any Retry-After header.
func (c *Client) Invoke(ctx context.Context, req slidewise.WorkerRequest) (slidewise.WorkerResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return slidewise.WorkerResponse{}, &slidewise.WorkerError{
			Worker: c.name, Code: slidewise.CodeInternal,
			Message: fmt.Sprintf("marshal request: %v", err),
		}
	}

	url := c.baseURL + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return slidewise.WorkerResponse{}, &slidewise.WorkerError{
			Worker: c.name, Code: slidewise.CodeInternal,
			Message: fmt.Sprintf("create request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return slidewise.WorkerResponse{}, &slidewise.WorkerError{
				Worker: c.name, Code: slidewise.CodeTimeout,
				Message: err.Error(), Retryable: true,
			}
		}
		return slidewise.WorkerResponse{}, &slidewise.WorkerError{
			Worker: c.name, Code: slidewise.CodeTransient,
			Message: err.Error(), Retryable: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return slidewise.WorkerResponse{}, c.httpErr(resp)
	}

	var out slidewise.WorkerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return slidewise.WorkerResponse{}, &slidewise.WorkerError{
			Worker: c.name, Code: slidewise.CodeSchema,
			Message: fmt.Sprintf("decode response: %v", err),
		}
	}
	return out, nil
}

// Health probes GET {base}/health and reports reachability.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return &slidewise.ErrHTTP{Status: resp.StatusCode}
	}
	return nil
}

// httpErr converts a non-2xx response into a typed error. A structured
// error body maps onto WorkerError; anything else becomes ErrHTTP so the
// retry envelope can read the status and Retry-After.
func (c *Client) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	retryAfter := slidewise.ParseRetryAfter(resp.Header.Get("Retry-After"))

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Code != "" {
		code := slidewise.ErrorCode(eb.Error.Code)
		c.logger.Warn("worker returned error",
			"worker", c.name,
			"status", resp.StatusCode,
			"code", code)
		return &slidewise.WorkerError{
			Worker:    c.name,
			Code:      code,
			Message:   eb.Error.Message,
			Retryable: eb.Error.Retryable || retryableStatus(resp.StatusCode),
		}
	}

	return &slidewise.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: retryAfter,
	}
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
