// Package quote is a retrying HTTP client for a CoinGecko-compatible price
// service. It has no cache awareness; callers decide whether a call is
// needed at all.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zave/portfolio-engine/internal/metrics"
)

// DefaultMaxAttempts is the attempt limit used when a caller passes zero.
const DefaultMaxAttempts = 3

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("quote: %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Request describes one call. Endpoint is a low-cardinality name used for
// logs and metrics; Path may embed ids.
type Request struct {
	Endpoint string
	Path     string
	Params   url.Values
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls the price service with bounded retries and exponential
// backoff. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger

	// Backoff returns the wait after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration
}

// NewClient creates a price service client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "quote").Logger(),
		Backoff: ExponentialBackoff,
	}
}

// ExponentialBackoff waits 2^attempt seconds: 2s, 4s, 8s, ...
func ExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// FetchWithRetry performs req up to maxAttempts times and decodes the JSON
// body into out. Any transport error, non-2xx status or undecodable body is
// retried; the last failure is returned.
func (c *Client) FetchWithRetry(ctx context.Context, req Request, maxAttempts int, out any) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		err := c.do(ctx, req, out)
		latency := time.Since(start)
		metrics.QuoteLatency.WithLabelValues(req.Endpoint).Observe(latency.Seconds())

		if err == nil {
			metrics.QuoteRequestsTotal.WithLabelValues(req.Endpoint, "success").Inc()
			c.log.Debug().
				Str("endpoint", req.Endpoint).
				Int("attempt", attempt).
				Int64("latency_ms", latency.Milliseconds()).
				Msg("quote request succeeded")
			return nil
		}
		lastErr = err

		ev := c.log.Warn().
			Err(err).
			Str("endpoint", req.Endpoint).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Int64("latency_ms", latency.Milliseconds())
		if ctx.Err() != nil || attempt == maxAttempts {
			ev.Msg("quote request attempt failed")
			break
		}

		metrics.QuoteRequestsTotal.WithLabelValues(req.Endpoint, "retry").Inc()
		wait := c.Backoff(attempt)
		ev.Dur("backoff", wait).Msg("quote request failed, retrying")

		if err := sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	metrics.QuoteRequestsTotal.WithLabelValues(req.Endpoint, "failure").Inc()
	c.log.Error().
		Err(lastErr).
		Str("endpoint", req.Endpoint).
		Int("max_attempts", maxAttempts).
		Msg("quote request failed")
	return fmt.Errorf("%s: %w", req.Endpoint, lastErr)
}

func (c *Client) do(ctx context.Context, req Request, out any) error {
	u := c.baseURL + req.Path
	if len(req.Params) > 0 {
		u += "?" + req.Params.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Endpoint: req.Endpoint, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
