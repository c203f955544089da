// Package transport performs the HTTP calls of the sync core. Every successful
// response carries the resource's concurrency token; a 412 is always surfaced
// as a *ConflictError and nothing is retried.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"flow-studio/backend/internal/logging"
	"flow-studio/backend/internal/observability"
	"flow-studio/backend/internal/patch"
	"flow-studio/backend/pkg/models"
)

const maxBodyBytes = 16 << 20

// Result is a decoded successful response.
type Result struct {
	Data   json.RawMessage
	Token  string
	Status int
}

// Decode unmarshals the response body into v.
func (r *Result) Decode(v any) error {
	if r == nil || len(r.Data) == 0 {
		return fmt.Errorf("failed to decode response: empty body")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Client talks to the Flow Studio REST API. It holds no per-call state and is
// safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	metrics    *observability.ClientMetrics
	logger     *logging.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMetrics records request outcomes on m.
func WithMetrics(m *observability.ClientMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a Client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Read fetches a resource and its concurrency token.
func (c *Client) Read(ctx context.Context, resource string) (*Result, error) {
	return c.do(ctx, http.MethodGet, resource, nil, "", "")
}

// Write applies ops to a resource, guarded by token. A stale token yields a
// *ConflictError carrying the server's current token and snapshot.
func (c *Client) Write(ctx context.Context, resource string, ops []patch.Op, token string) (*Result, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if err := patch.Validate(ops); err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPatch, resource, ops, "application/json-patch+json", token)
}

// Do issues an arbitrary JSON request. A non-empty token is sent as If-Match.
func (c *Client) Do(ctx context.Context, method, resource string, body any, token string) (*Result, error) {
	return c.do(ctx, method, resource, body, "application/json", token)
}

func (c *Client) do(ctx context.Context, method, resource string, body any, contentType, token string) (*Result, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+resource, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("If-Match", FormatETag(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.Failure(ctx, method)
		c.logger.Debug("request failed", "method", method, "resource", resource, "error", err)
		return nil, &TransportError{Method: method, Resource: resource, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.metrics.Failure(ctx, method)
		return nil, &TransportError{Method: method, Resource: resource, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	c.metrics.Request(ctx, method, resp.StatusCode)
	current := ParseETag(resp.Header.Get("ETag"))

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		c.metrics.Conflict(ctx, family(resource))
		c.logger.Debug("precondition failed", "method", method, "resource", resource, "current", current)
		return nil, &ConflictError{Resource: resource, Token: current, Snapshot: json.RawMessage(data)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.metrics.Failure(ctx, method)
		c.logger.Debug("request rejected", "method", method, "resource", resource, "status", resp.StatusCode)
		return nil, &TransportError{Method: method, Resource: resource, StatusCode: resp.StatusCode, Detail: problemDetail(data)}
	}

	return &Result{Data: json.RawMessage(data), Token: current, Status: resp.StatusCode}, nil
}

// ParseETag turns an ETag header value into an opaque token. Strong tags lose
// their quotes; weak tags are kept verbatim.
func ParseETag(header string) string {
	h := strings.TrimSpace(header)
	if len(h) >= 2 && strings.HasPrefix(h, `"`) && strings.HasSuffix(h, `"`) {
		return h[1 : len(h)-1]
	}
	return h
}

// FormatETag renders a token for an If-Match header.
func FormatETag(token string) string {
	if strings.HasPrefix(token, `W/`) || strings.HasPrefix(token, `"`) {
		return token
	}
	return `"` + token + `"`
}

// problemDetail pulls a human-readable message out of an error body.
func problemDetail(data []byte) string {
	var p models.ProblemDetails
	if err := json.Unmarshal(data, &p); err == nil {
		if p.Detail != "" {
			return p.Detail
		}
		if p.Title != "" {
			return p.Title
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// family maps "/api/flows/signal" to "flows" for metric attributes.
func family(resource string) string {
	p := strings.TrimPrefix(resource, models.APIPrefix)
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}
