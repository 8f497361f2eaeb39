// Package evalhttp provides an HTTP client adapter for remote protocol
// evaluators. It implements protocol.Evaluator by POSTing evaluate
// requests to a configured endpoint, letting stateful protocols run out
// of process behind the same contract as in-process ones.
package evalhttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/toolwarden/toolwarden/internal/domain/protocol"
)

const (
	// maxResponseBodySize bounds evaluate response bodies.
	// Prevents OOM from a misbehaving evaluator sending unbounded responses.
	maxResponseBodySize = 1 * 1024 * 1024 // 1MB

	defaultTimeout = 10 * time.Second
)

// Client sends evaluate requests to a remote protocol evaluator over HTTP.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// Option is a functional option for configuring Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a client for the given evaluator endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Evaluate POSTs the request to the remote evaluator and decodes its
// response. Any transport or decode failure surfaces as an error; the
// router turns those into deny outcomes.
func (c *Client) Evaluate(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("marshal evaluate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return protocol.Response{}, fmt.Errorf("create evaluate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("evaluate request to %s: %w", c.endpoint, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBodySize))
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read evaluate response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return protocol.Response{}, fmt.Errorf("evaluator returned status %d", httpResp.StatusCode)
	}

	var resp protocol.Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return protocol.Response{}, fmt.Errorf("decode evaluate response: %w", err)
	}

	switch resp.Outcome {
	case protocol.OutcomeAllow, protocol.OutcomeDeny, protocol.OutcomePending:
	default:
		return protocol.Response{}, fmt.Errorf("evaluator returned unknown outcome %q", resp.Outcome)
	}

	return resp, nil
}

// Compile-time interface verification.
var _ protocol.Evaluator = (*Client)(nil)
