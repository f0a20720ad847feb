// Package httpapi is the shared JSON-over-HTTP transport for partner APIs
// (swap venue, bridge provider). Requests are HMAC-signed and optionally
// throttled through a distributed rate limiter.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/gasrelay/internal/crypto"
	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// maxBody caps how much of a response is read.
const maxBody = 4 << 20

// Client sends authenticated JSON requests to one partner API.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
	limiter    domain.RateLimiter
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimiter makes every request wait for a slot under the key
// "<name>:api" before it is sent.
func WithRateLimiter(l domain.RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client. name prefixes errors and the rate-limit key.
func New(name, baseURL string, auth *crypto.HMACAuth, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends body (JSON-encoded when non-nil) to path and decodes the
// response into out when out is non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.name+":api"); err != nil {
			return fmt.Errorf("%s: rate limit wait: %w", c.name, err)
		}
	}

	var payload []byte
	var bodyReader io.Reader
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request body: %w", c.name, err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth.Apply(req, payload)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.External(c.name+" "+method+" "+path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return domain.External(c.name+" read response", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return fmt.Errorf("%s: %s %s: %w", c.name, method, path, err)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return domain.External(c.name+" decode response", err)
	}
	return nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors. Throttling and
// server faults are retryable; any other refusal is not.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := strings.TrimSpace(string(body))
	if len(bodyStr) > 512 {
		bodyStr = bodyStr[:512]
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return domain.Wrapf(domain.ErrRateLimited, "HTTP 429: %s", bodyStr)
	case statusCode >= 500, statusCode == http.StatusRequestTimeout:
		return domain.Wrapf(domain.ErrExternalService, "HTTP %d: %s", statusCode, bodyStr)
	default:
		return domain.Wrapf(domain.ErrUpstreamRejected, "HTTP %d: %s", statusCode, bodyStr)
	}
}
