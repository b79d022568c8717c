// Package upstream provides an HTTP client for engine-adjacent services with
// bounded retries. Server-side failures and transport errors are retried a
// fixed number of times with a linearly growing delay; client-side failures
// are surfaced immediately because retrying them cannot succeed.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 1 * time.Second
	defaultTimeout     = 60 * time.Second

	maxErrorBodyBytes = 4 << 10
)

// Error describes a failed upstream call. Transient reports whether the
// failure class was eligible for retry (5xx or transport level).
type Error struct {
	StatusCode int
	Body       string
	Transient  bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("upstream call failed: %s", e.Body)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithMaxAttempts sets the total number of tries per call, including the
// first. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(cl *Client) {
		if n >= 1 {
			cl.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the unit of the linear backoff. Attempt k waits
// k*baseDelay before retrying.
func WithBaseDelay(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.baseDelay = d
		}
	}
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(cl *Client) {
		cl.headers.Set(key, value)
	}
}

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.log = l
		}
	}
}

// Client calls an upstream HTTP service with bounded, linearly delayed
// retries. It is safe for concurrent use.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	baseDelay   time.Duration
	headers     http.Header
	log         *slog.Logger
}

// New creates a Client rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	cl := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		headers:     make(http.Header),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(cl)
	}

	return cl, nil
}

// Request performs one HTTP call against the upstream service. body, when
// non-nil, is JSON-encoded. A 2xx response returns the raw body; any 4xx
// fails immediately; 5xx and transport errors are retried up to the attempt
// budget with delay base*attempt between tries.
func (c *Client) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	url := c.baseURL + "/" + strings.TrimLeft(path, "/")

	var lastErr *Error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.baseDelay * time.Duration(attempt-1)
			c.log.InfoContext(ctx, "upstream.retry.wait",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		out, err := c.do(ctx, method, url, payload)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var ue *Error
		if !errors.As(err, &ue) {
			return nil, err
		}
		if !ue.Transient {
			c.log.WarnContext(ctx, "upstream.call.fail",
				slog.Int("status", ue.StatusCode),
			)
			return nil, ue
		}
		lastErr = ue
		c.log.WarnContext(ctx, "upstream.call.transient",
			slog.Int("attempt", attempt),
			slog.Int("status", ue.StatusCode),
		)
	}

	c.log.ErrorContext(ctx, "upstream.retries.exhausted",
		slog.Int("attempts", c.maxAttempts),
	)
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) (json.RawMessage, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Body: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &Error{Body: err.Error(), Transient: true}
		}
		if len(out) > 0 && !json.Valid(out) {
			return nil, fmt.Errorf("upstream returned non-JSON body")
		}
		return json.RawMessage(out), nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return nil, &Error{
		StatusCode: resp.StatusCode,
		Body:       string(bytes.TrimSpace(snippet)),
		Transient:  resp.StatusCode >= 500,
	}
}
