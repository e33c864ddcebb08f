package httpclient

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/arcrelay/forwardcore/internal/snapshot"
)

// ShouldRetryStatus reports whether an upstream HTTP status is a transient
// failure worth retrying: 5xx and 429. 4xx otherwise indicates a bad request
// and is never retried.
func ShouldRetryStatus(status int) bool {
	return status == 429 || (status >= 500 && status <= 599)
}

// RetryDelay computes min(MaxDelay, InitialDelay*2^attempt) plus up to 25%
// jitter.
func RetryDelay(attempt int, cfg snapshot.RetryConfig) time.Duration {
	shift := attempt
	if shift > 10 {
		shift = 10
	}
	delay := cfg.InitialDelay * time.Duration(int64(1)<<shift)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	if delay <= 0 {
		return 0
	}
	jitterBound := int64(delay/4) + 1
	n, err := rand.Int(rand.Reader, big.NewInt(jitterBound))
	if err != nil {
		return delay
	}
	return delay + time.Duration(n.Int64())
}

// OnRetry is called before each retry sleep, for WARN-level logging; it is
// never called on the final attempt.
type OnRetry func(attempt int, err error)

// Do executes newReq repeatedly against cfg's retry policy. newReq must
// build a fresh *http.Request each call, since a consumed request body
// cannot be replayed. A non-retryable status (2xx or 4xx other than 429) is
// returned immediately for the caller to interpret; only transport errors
// and retryable statuses consume an attempt.
func Do(ctx context.Context, client *http.Client, newReq func() (*http.Request, error), cfg snapshot.RetryConfig, onRetry OnRetry) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
		} else if resp.StatusCode < 400 || !ShouldRetryStatus(resp.StatusCode) {
			return resp, nil
		} else {
			lastErr = fmt.Errorf("upstream returned status %d", resp.StatusCode)
			resp.Body.Close()
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, lastErr)
		}
		delay := RetryDelay(attempt+1, cfg)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
