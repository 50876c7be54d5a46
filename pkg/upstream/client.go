package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRateLimitHeaders extracts the provider's throttle hints. Retry-After
// may be a delay in seconds or an HTTP date; X-RateLimit-Reset is a unix
// timestamp. Absent or malformed headers leave the zero values.
func ParseRateLimitHeaders(h http.Header) (retryAfter time.Duration, remaining int, resetAt time.Time) {
	remaining = -1
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			retryAfter = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				retryAfter = d
			}
		}
	}
	if v := strings.TrimSpace(h.Get("X-RateLimit-Remaining")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			remaining = n
		}
	}
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset")); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil && epoch > 0 {
			resetAt = time.Unix(epoch, 0).UTC()
		}
	}
	return retryAfter, remaining, resetAt
}

// Client calls one JSON-speaking provider through a backoff-aware Caller.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Caller     *Caller
}

func NewClient(baseURL, apiKey string, opts ...CallerOption) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Caller:     NewCaller(opts...),
	}
}

// PostJSON sends one JSON request, retrying on 429 and 503 with the
// provider's own hints folded into the backoff. Other statuses return the
// body as-is and leave interpretation to the caller.
func (c *Client) PostJSON(ctx context.Context, path string, body []byte) (int, []byte, error) {
	var (
		status   int
		respBody []byte
	)
	err := c.Caller.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}
		client := c.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			retryAfter, remaining, resetAt := ParseRateLimitHeaders(resp.Header)
			return &RateLimitError{
				StatusCode: resp.StatusCode,
				RetryAfter: retryAfter,
				Remaining:  remaining,
				ResetAt:    resetAt,
			}
		}
		status, respBody = resp.StatusCode, b
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return status, respBody, nil
}
