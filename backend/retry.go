// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"log/slog"
	"time"
)

// withRetry runs fn up to policy.MaxAttempts times, sleeping the backoff
// table's delay between attempts. Fatal errors return immediately;
// retryable errors that survive every attempt are wrapped in
// RetryExhaustedError.
func withRetry(ctx context.Context, policy RetryPolicy, logger *slog.Logger, operation string, fn func(context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := policy.delay(attempt)
		logger.WarnContext(ctx, "backend call failed, retrying",
			slog.String("operation", operation),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", attempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return &RetryExhaustedError{Operation: operation, Attempts: attempts, LastErr: lastErr}
}
