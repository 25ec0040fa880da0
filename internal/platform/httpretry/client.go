// Package httpretry wraps an HTTP client with retries, exponential backoff and
// full jitter for calls to vendor APIs.
package httpretry

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Doer is satisfied by *http.Client and *Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	client     Doer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     zerolog.Logger
}

type Option func(*Client)

// WithDelays overrides the backoff bounds.
func WithDelays(base, max time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// New wraps client. A nil client means http.Client with a 30s timeout;
// maxRetries <= 0 means 3 retries after the first attempt.
func New(client Doer, maxRetries int, logger zerolog.Logger, opts ...Option) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	c := &Client{
		client:     client,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   30 * time.Second,
		logger:     logger.With().Str("component", "httpretry").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do retries 429 and 5xx gateway responses plus transport errors. Client
// errors are returned immediately. The final retryable response is returned
// as-is so the caller can read its body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	var retryAfter time.Duration

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}

			delay := c.delay(attempt)
			if retryAfter > delay {
				delay = retryAfter
			}
			c.logger.Warn().
				Int("attempt", attempt).
				Int("max_retries", c.maxRetries).
				Str("host", req.URL.Host).
				Str("path", req.URL.Path).
				Dur("wait", delay).
				Err(lastErr).
				Msg("retrying vendor request")

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			retryAfter = 0
			continue
		}

		if !Retryable(resp.StatusCode) || attempt == c.maxRetries {
			return resp, nil
		}

		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.maxDelay)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// delay is random(0, min(maxDelay, baseDelay*2^(attempt-1))) with a small floor.
func (c *Client) delay(attempt int) time.Duration {
	exp := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(c.maxDelay) {
		exp = float64(c.maxDelay)
	}
	d := time.Duration(rand.Float64() * exp)
	if floor := c.baseDelay / 10; d < floor {
		d = floor
	}
	return d
}

func parseRetryAfter(v string, max time.Duration) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > max {
		return max
	}
	return d
}

// Retryable reports whether status indicates a transient server condition.
func Retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
