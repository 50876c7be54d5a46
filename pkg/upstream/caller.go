package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// RateLimitError signals that the provider throttled the call. RetryAfter is
// zero when the provider gave no hint.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Remaining  int
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream rate limited (status %d, retry after %s)", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("upstream rate limited (status %d)", e.StatusCode)
}

// IsRateLimit reports whether err is a provider throttle.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// Operation is one attempt against the provider. It returns a *RateLimitError
// to request backoff; any other error aborts the retry loop.
type Operation func(ctx context.Context) error

const (
	defaultBaseDelay  = 500 * time.Millisecond
	defaultMaxDelay   = 30 * time.Second
	defaultMaxRetries = 3
)

// Caller serializes access to a single rate-limited provider. The mutex is
// deliberate: concurrent callers hammering a throttled upstream just burn the
// quota faster, so attempts go out one at a time and every caller observes
// the provider-imposed cooldown left by the previous one.
type Caller struct {
	mu         sync.Mutex
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries int
	notBefore  time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64
}

type CallerOption func(*Caller)

func WithBaseDelay(d time.Duration) CallerOption {
	return func(c *Caller) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

func WithMaxDelay(d time.Duration) CallerOption {
	return func(c *Caller) {
		if d > 0 {
			c.maxDelay = d
		}
	}
}

func WithMaxRetries(n int) CallerOption {
	return func(c *Caller) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// withSleeper replaces the real clock in tests.
func withSleeper(now func() time.Time, sleep func(context.Context, time.Duration) error) CallerOption {
	return func(c *Caller) {
		c.now = now
		c.sleep = sleep
	}
}

func NewCaller(opts ...CallerOption) *Caller {
	c := &Caller{
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		maxRetries: defaultMaxRetries,
		now:        time.Now,
		sleep:      sleepContext,
		randf:      rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecuteWithRetry runs op, backing off and retrying on rate-limit errors.
// Delays grow exponentially with jitter, never shrink below the provider's
// Retry-After hint, and cap at the configured maximum. Non-throttle errors
// propagate immediately; after maxRetries the last throttle error is
// returned as-is.
func (c *Caller) ExecuteWithRetry(ctx context.Context, op Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if cooldown := c.notBefore.Sub(c.now()); cooldown > 0 {
			if err := c.sleep(ctx, cooldown); err != nil {
				return err
			}
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		var rle *RateLimitError
		if !errors.As(err, &rle) {
			return err
		}
		if !rle.ResetAt.IsZero() {
			c.notBefore = rle.ResetAt
		}
		if attempt >= c.maxRetries {
			return err
		}
		delay := c.backoff(attempt)
		if rle.RetryAfter > delay {
			delay = rle.RetryAfter
		}
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// backoff computes base*2^attempt plus up to half a base of jitter. The
// jitter bound keeps successive delays strictly increasing while still
// spreading retries from independent processes.
func (c *Caller) backoff(attempt int) time.Duration {
	delay := c.baseDelay << uint(attempt)
	if delay > c.maxDelay || delay <= 0 {
		return c.maxDelay
	}
	jitter := time.Duration(c.randf() * float64(c.baseDelay) / 2)
	if delay+jitter > c.maxDelay {
		return c.maxDelay
	}
	return delay + jitter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
