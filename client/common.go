package client

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// maxRateLimitRetries bounds how often one call waits out a 429 before the
// rate limit is handed back to the caller.
const maxRateLimitRetries = 5

// withRetries runs fn, waiting out the server's Retry-After whenever it
// answers 429. Other errors return at once. After maxRateLimitRetries waits
// the last *ErrRateLimited is returned.
func withRetries[R any](ctx context.Context, logger *slog.Logger, fn func() (R, error)) (R, error) {
	var zero R
	for attempt := 0; ; attempt++ {
		result, err := fn()
		var limited *ErrRateLimited
		if err == nil || !errors.As(err, &limited) {
			return result, err
		}
		if attempt >= maxRateLimitRetries {
			logger.Warn("Still rate limited, giving up", "attempts", attempt+1)
			return zero, err
		}

		logger.Debug("Rate limited, waiting", "retry_after", limited.RetryAfter, "attempt", attempt+1)
		timer := time.NewTimer(limited.RetryAfter)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
}

func withRetriesVoid(ctx context.Context, logger *slog.Logger, fn func() error) error {
	_, err := withRetries(ctx, logger, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
