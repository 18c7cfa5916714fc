// Package fetch provides the client for retrieving market data from the
// upstream price API.
package fetch

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// defaultRetryAfter is the wait applied to a throttled response whose
// Retry-After header is absent or unparseable.
const defaultRetryAfter = 60 * time.Second

// newRetryClient creates an HTTP client whose retry policy handles upstream
// throttling: a 429 response is retried exactly once, after the delay the
// server asked for. Every other failure is returned to the caller, which
// degrades to its cached data instead.
func newRetryClient(timeout time.Duration) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 1
	c.CheckRetry = throttleRetryPolicy
	c.Backoff = retryAfterBackoff
	c.Logger = nil
	c.HTTPClient.Timeout = timeout
	c.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			logrus.Warnf("Upstream rate limit hit (429), retry-after: %q", resp.Header.Get("Retry-After"))
		}
	}
	return c
}

// throttleRetryPolicy retries on 429 only. Transport errors and other
// status codes are not retried here; the caller's sticky cache covers them.
func throttleRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil && resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	return false, nil
}

// retryAfterBackoff derives the retry delay from the Retry-After header,
// falling back to defaultRetryAfter when the header is missing or invalid.
func retryAfterBackoff(_, _ time.Duration, _ int, resp *http.Response) time.Duration {
	if resp != nil {
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	return defaultRetryAfter
}
