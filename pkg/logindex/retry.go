package logindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	// backoffMultiplier is the exponential backoff multiplier for retry attempts
	backoffMultiplier = 2.0
)

// applyJitter applies symmetric jitter to a duration.
//
// The jitter creates a random duration centered on the input duration, varying by jitterFactor (+ or -)
// For example, with jitterFactor=0.2 and duration=60s, the result ranges from 48s to 72s (+/-20%).
//
// Returns the original duration if jitterFactor is 0 or negative.
func applyJitter(duration time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return duration
	}

	//nolint:gosec // Using non-cryptographic random for jitter is acceptable
	multiplier := 1.0 + (rand.Float64()*2.0-1.0)*jitterFactor
	return time.Duration(float64(duration) * multiplier)
}

// retryPolicy bounds retries of archive writes
type retryPolicy struct {
	maxRetries          int
	initialBackoff      time.Duration
	maxBackoff          time.Duration
	backoffJitterFactor float64
}

// retryWithBackoff executes an operation with exponential backoff retry logic
func (rp retryPolicy) retryWithBackoff(
	ctx context.Context,
	operation func() error,
	operationName string,
	logger *slog.Logger,
) error {
	var lastErr error
	backoff := rp.initialBackoff

	for attempt := 0; attempt <= rp.maxRetries; attempt++ {
		if attempt > 0 {
			actualBackoff := applyJitter(backoff, rp.backoffJitterFactor)

			logger.Info(fmt.Sprintf("retrying %s after backoff", operationName),
				"attempt", attempt,
				"backoffSeconds", actualBackoff.Seconds())

			select {
			case <-time.After(actualBackoff):
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					logger.Warn(fmt.Sprintf("%s operation timed out", operationName), "error", ctx.Err())
				}
				return ctx.Err()
			}

			backoff = time.Duration(float64(backoff) * backoffMultiplier)
			if backoff > rp.maxBackoff {
				backoff = rp.maxBackoff
			}
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				logger.Info(fmt.Sprintf("%s succeeded", operationName), "attempt", attempt)
			}
			return nil
		}

		lastErr = err

		logger.Warn(fmt.Sprintf("transient error, will retry %s", operationName),
			"attempt", attempt,
			"error", err)
	}

	return fmt.Errorf("max retries (%d) exceeded for %s: %w", rp.maxRetries, operationName, lastErr)
}
