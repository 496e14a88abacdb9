// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend wraps the external knowledge-base answering service.
// It exposes one blocking call and one incremental call per question,
// hides transport flakiness behind a bounded retry loop, and creates
// backend sessions lazily through the session mapper.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/kbflow/kbflow"
	"github.com/kbflow/kbflow/server/session"
)

// supportedContentTypes lists the output modalities the backend produces.
var supportedContentTypes = []string{"text", "text/plain"}

// Client talks to the answering backend. One client serves one target,
// either a chat assistant or an agent pipeline.
type Client struct {
	baseURL  string
	apiKey   string
	targetID string
	mode     Mode
	sessions *session.Mapper
	opts     *options
}

// NewClient creates a backend client for the given target.
func NewClient(baseURL, apiKey, targetID string, mode Mode, sessions *session.Mapper, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if targetID == "" {
		return nil, fmt.Errorf("target ID cannot be empty")
	}
	if mode != ModeChat && mode != ModeAgent {
		return nil, fmt.Errorf("invalid mode: %q", mode)
	}
	if sessions == nil {
		return nil, fmt.Errorf("session mapper cannot be nil")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		targetID: targetID,
		mode:     mode,
		sessions: sessions,
		opts:     o,
	}, nil
}

// SupportedContentTypes returns the output modalities the backend produces.
func (c *Client) SupportedContentTypes() []string {
	return supportedContentTypes
}

// Result is the outcome of a blocking answer call. NeedsInput marks a
// successful round trip whose answer was empty: the backend needs more
// from the caller before it can answer.
type Result struct {
	NeedsInput bool
	Content    string
	References map[string]any
}

// envelope is the backend's standard response wrapper.
type envelope struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    jsontext.Value `json:"data"`
}

type sessionData struct {
	ID string `json:"id"`
}

type answerData struct {
	Answer    string         `json:"answer"`
	Reference map[string]any `json:"reference"`
}

// collectionPath returns the REST collection for the client's target kind.
func (c *Client) collectionPath() string {
	if c.mode == ModeAgent {
		return fmt.Sprintf("/api/v1/agents/%s", c.targetID)
	}
	return fmt.Sprintf("/api/v1/chats/%s", c.targetID)
}

// EnsureSession resolves the backend session for a caller session ID,
// creating one on first use. The mapping persists so later submissions
// with the same caller session reuse the backend-side conversation.
func (c *Client) EnsureSession(ctx context.Context, callerSessionID string) (string, error) {
	backendID, err := c.sessions.Resolve(ctx, callerSessionID)
	if err != nil {
		return "", err
	}
	if backendID != "" {
		return backendID, nil
	}

	payload := map[string]string{"name": "kbflow session " + callerSessionID}
	var created string
	err = withRetry(ctx, c.opts.retry, c.opts.logger, "create session", func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.sessionTimeout)
		defer cancel()

		env, err := c.postJSON(attemptCtx, c.collectionPath()+"/sessions", payload)
		if err != nil {
			return err
		}
		var data sessionData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return &UpstreamError{Operation: "create session", Message: "malformed session payload"}
		}
		if data.ID == "" {
			return &UpstreamError{Operation: "create session", Message: "response missing session id"}
		}
		created = data.ID
		return nil
	})
	if err != nil {
		return "", err
	}

	mapping := &kbflow.SessionMapping{
		CallerSessionID:  callerSessionID,
		BackendSessionID: created,
		BackendKind:      string(c.mode),
		BackendTargetID:  c.targetID,
	}
	if err := c.sessions.Save(ctx, mapping); err != nil {
		return "", err
	}
	c.opts.logger.InfoContext(ctx, "created backend session",
		slog.String("caller_session_id", callerSessionID),
		slog.String("backend_session_id", created))
	return created, nil
}

// Answer makes one blocking answer call for the question.
func (c *Client) Answer(ctx context.Context, backendSessionID, question string) (*Result, error) {
	payload := map[string]any{
		"question":   question,
		"stream":     false,
		"session_id": backendSessionID,
	}

	var result *Result
	err := withRetry(ctx, c.opts.retry, c.opts.logger, "answer", func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.answerTimeout)
		defer cancel()

		env, err := c.postJSON(attemptCtx, c.collectionPath()+"/completions", payload)
		if err != nil {
			return err
		}
		var data answerData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return &UpstreamError{Operation: "answer", Message: "malformed answer payload"}
		}
		if data.Answer == "" {
			result = &Result{
				NeedsInput: true,
				Content:    "The knowledge base could not answer; please provide more detail.",
			}
			return nil
		}
		result = &Result{Content: data.Answer, References: data.Reference}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// postJSON sends one POST and decodes the response envelope. Transient
// HTTP statuses and non-zero envelope codes come back as UpstreamError
// so the retry loop can classify them.
func (c *Client) postJSON(ctx context.Context, path string, payload any) (*envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &UpstreamError{
			Operation:  path,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &UpstreamError{Operation: path, Message: "malformed response body"}
	}
	if env.Code != 0 {
		return nil, &UpstreamError{Operation: path, Message: env.Message}
	}
	return &env, nil
}

// do is a small escape hatch for the stream opener, which needs the raw
// response rather than a decoded envelope.
func (c *Client) do(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")
	return c.opts.httpClient.Do(req)
}
