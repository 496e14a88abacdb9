// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// UpstreamError reports a failed backend call. Retryable errors are
// absorbed by the retry loop and only escape it on exhaustion.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s failed: HTTP %d: %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend %s failed: %s", e.Operation, e.Message)
}

// Retryable reports whether the failure is worth another attempt.
func (e *UpstreamError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// RetryExhaustedError reports that every attempt of a backend call failed.
type RetryExhaustedError struct {
	Operation string
	Attempts  int
	LastErr   error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("backend %s failed after %d attempts: %v", e.Operation, e.Attempts, e.LastErr)
}

// Unwrap returns the error from the final attempt.
func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

// isRetryable classifies an error from a single attempt. Connection
// failures and timeouts are retryable; so are the transient HTTP
// statuses carried by UpstreamError. Everything else is fatal.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
