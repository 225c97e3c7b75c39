// Package httpadapter is the shared JSON-over-HTTP client used by the
// remote classifier adapters. It normalizes transport failures into a
// small error vocabulary the dispatch layer can act on.
package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	ErrTimeout     = errors.New("request timed out")
	ErrUnreachable = errors.New("endpoint unreachable")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Doer abstracts the underlying HTTP client for tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls one endpoint client.
type Config struct {
	BaseURL string
	Timeout time.Duration // per-request deadline, default 15s
	APIKey  string
	Client  Doer
}

// Client issues JSON requests against a single base URL.
type Client struct {
	cfg  Config
	http Doer
}

// New validates the endpoint and returns a client with defaults applied.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

// BaseURL returns the configured endpoint base.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// PostJSON posts a JSON body to base+path and decodes the JSON response
// into out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.roundTrip(ctx, http.MethodPost, path, bytes.NewReader(body), out)
}

// GetJSON fetches base+path and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.roundTrip(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: %w", url, &StatusError{Code: resp.StatusCode})
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

func classifyTransportError(url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", url, ErrTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w", url, ErrTimeout)
	}
	return fmt.Errorf("%s: %v: %w", url, err, ErrUnreachable)
}
