// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify delivers task updates to caller-registered webhook URLs.
// A URL must prove ownership once, via a challenge echo, before any
// notification is sent to it; deliveries are signed with a per-process
// ES256 key whose public half is served from a JWKS endpoint.
package notify

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// maxChallengeEcho bounds how much of the verification response body
	// is read back.
	maxChallengeEcho = 4096

	defaultTimeout = 10 * time.Second
)

// Dispatcher verifies webhook URL ownership and delivers signed
// notifications. Safe for concurrent use.
type Dispatcher struct {
	client     *http.Client
	signingKey *ecdsa.PrivateKey
	keyID      string
	logger     *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient sets the HTTP client used for verification and delivery.
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithLogger sets the logger used by the dispatcher.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a Dispatcher with a freshly generated ES256
// signing key.
func NewDispatcher(opts ...DispatcherOption) (*Dispatcher, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	d := &Dispatcher{
		client:     &http.Client{Timeout: defaultTimeout},
		signingKey: key,
		keyID:      uuid.NewString(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// VerifyURL checks that the caller controls the webhook URL. It sends a
// GET with a random validationToken query parameter and accepts the URL
// only when the response echoes the token back in its body.
func (d *Dispatcher) VerifyURL(ctx context.Context, rawURL string) (bool, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("invalid notification URL: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return false, fmt.Errorf("notification URL must be http or https, got %q", target.Scheme)
	}

	token := uuid.NewString()
	query := target.Query()
	query.Set("validationToken", token)
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create verification request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.WarnContext(ctx, "notification URL verification request failed",
			slog.String("url", rawURL),
			slog.String("error", err.Error()))
		return false, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeEcho))
	if err != nil {
		return false, nil
	}

	verified := resp.StatusCode == http.StatusOK && strings.TrimSpace(string(body)) == token
	if !verified {
		d.logger.WarnContext(ctx, "notification URL failed challenge echo",
			slog.String("url", rawURL),
			slog.Int("status", resp.StatusCode))
	}
	return verified, nil
}

// Send delivers the payload to the webhook URL as JSON. The request
// carries a signed JWT binding the body via a request_body_sha256 claim;
// callerToken, when set, is echoed in the X-Notification-Token header so
// receivers can correlate the delivery with their registration.
func (d *Dispatcher) Send(ctx context.Context, rawURL, callerToken string, payload any) error {
	body, err := sonic.ConfigDefault.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification payload: %w", err)
	}

	signature, err := d.signRequest(body)
	if err != nil {
		return fmt.Errorf("failed to sign notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signature)
	if callerToken != "" {
		req.Header.Set("X-Notification-Token", callerToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxChallengeEcho))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification rejected with status code: %d", resp.StatusCode)
	}
	return nil
}

// signRequest builds an ES256 JWT whose request_body_sha256 claim binds
// the exact bytes being delivered.
func (d *Dispatcher) signRequest(body []byte) (string, error) {
	sum := sha256.Sum256(body)
	claims := jwt.MapClaims{
		"iat":                 time.Now().Unix(),
		"request_body_sha256": hex.EncodeToString(sum[:]),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = d.keyID
	return token.SignedString(d.signingKey)
}
