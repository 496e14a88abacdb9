// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"log/slog"
	"net/http"
	"time"
)

// Mode selects which kind of backend target answers questions.
type Mode string

// Backend target kinds. A chat assistant answers from its configured
// knowledge bases; an agent runs a configured pipeline.
const (
	ModeChat  Mode = "chat"
	ModeAgent Mode = "agent"
)

// RetryPolicy bounds how the client retries transient failures. The
// backoff table is indexed by attempt number and clamped to its last
// entry.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// DefaultRetryPolicy returns the standard policy: three attempts with
// 1s, 3s, 5s delays between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}
}

// delay returns the backoff for the given zero-based attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt >= len(p.Backoff) {
		attempt = len(p.Backoff) - 1
	}
	return p.Backoff[attempt]
}

// options holds the configuration for a Client.
type options struct {
	httpClient     *http.Client
	answerTimeout  time.Duration
	sessionTimeout time.Duration
	retry          RetryPolicy
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*options)

// defaultOptions returns the default client options.
func defaultOptions() *options {
	return &options{
		answerTimeout:  180 * time.Second,
		sessionTimeout: 30 * time.Second,
		retry:          DefaultRetryPolicy(),
		logger:         slog.Default(),
	}
}

// WithHTTPClient sets the HTTP client used for backend calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithAnswerTimeout sets the per-request timeout for answer calls.
func WithAnswerTimeout(d time.Duration) Option {
	return func(o *options) {
		o.answerTimeout = d
	}
}

// WithSessionTimeout sets the per-request timeout for session creation.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *options) {
		o.sessionTimeout = d
	}
}

// WithRetryPolicy sets the retry policy for session and answer calls.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *options) {
		o.retry = policy
	}
}

// WithLogger sets the logger used by the client.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
