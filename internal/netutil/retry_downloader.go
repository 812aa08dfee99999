package netutil

import (
	"context"
	"errors"
	"time"
)

// RetryDownloader decorates a Downloader with bounded retries for
// transient network failures. Responses with unexpected status codes
// and request-setup failures are returned immediately.
type RetryDownloader struct {
	Direct Downloader
	// Attempts is the total number of tries. <= 0 means 3.
	Attempts int
	// Backoff is the delay before the first retry, doubled after each
	// failed attempt. <= 0 means 2s.
	Backoff time.Duration
}

// Download fetches the URL, retrying transient failures until the
// attempt budget or the caller context runs out. The last error wins.
func (r *RetryDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := r.Backoff
	if delay <= 0 {
		delay = 2 * time.Second
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return nil, lastErr
			}
		}

		body, err := r.Direct.Download(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !shouldRetry(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return false
	}

	var nonRetryable *NonRetryableError
	return !errors.As(err, &nonRetryable)
}
