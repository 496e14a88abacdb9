// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package kbflow provides the data model for the kbflow task lifecycle:
// tasks, messages, artifacts, push-notification configs, and the stream
// events exchanged between the task manager and its subscribers.
package kbflow

import (
	"fmt"
	"time"
)

// TaskState represents the lifecycle state of a task.
type TaskState string

// Valid task states. A task moves submitted -> working -> one of
// completed, error, or input_required. The input_required state ends the
// current call but a later submission with the same task ID re-enters
// working. canceled is defined for forward compatibility only; no code
// path in this module produces it.
const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input_required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateError         TaskState = "error"
	TaskStateCanceled      TaskState = "canceled"
)

// IsTerminal reports whether the state permits no further mutation.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateError || s == TaskStateCanceled
}

// Validate ensures the state is one of the defined values.
func (s TaskState) Validate() error {
	switch s {
	case TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired,
		TaskStateCompleted, TaskStateError, TaskStateCanceled:
		return nil
	}
	return fmt.Errorf("invalid task state: %q", string(s))
}

// Part types carried in a message or artifact.
const (
	PartTypeText = "text"
	PartTypeData = "data"
)

// Part is one unit of content inside a message or artifact. Text parts
// carry plain text; data parts carry structured payloads such as the
// backend's reference chunks.
type Part struct {
	Type string         `json:"type"`
	Text string         `json:"text,omitzero"`
	Data map[string]any `json:"data,omitzero"`
}

// Validate ensures the part has a recognized type and matching content.
func (p Part) Validate() error {
	switch p.Type {
	case PartTypeText:
		return nil
	case PartTypeData:
		if p.Data == nil {
			return fmt.Errorf("data part requires a data payload")
		}
		return nil
	default:
		return fmt.Errorf("invalid part type: %q", p.Type)
	}
}

// NewTextPart creates a text content part.
func NewTextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// NewDataPart creates a structured data content part.
func NewDataPart(data map[string]any) Part {
	return Part{Type: PartTypeData, Data: data}
}

// Message roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Message is a single exchange on a task: a role plus an ordered list of
// content parts.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Validate ensures the message carries a role and at least one valid part.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if m.Role != RoleUser && m.Role != RoleAgent {
		return fmt.Errorf("invalid message role: %q", m.Role)
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("message must have at least one part")
	}
	for i, part := range m.Parts {
		if err := part.Validate(); err != nil {
			return fmt.Errorf("part at index %d is invalid: %w", i, err)
		}
	}
	return nil
}

// Text returns the text of the first text part, or an error if the
// message leads with a non-text part. The task manager only accepts
// text questions.
func (m *Message) Text() (string, error) {
	if m == nil || len(m.Parts) == 0 {
		return "", fmt.Errorf("message has no parts")
	}
	if m.Parts[0].Type != PartTypeText {
		return "", fmt.Errorf("only text parts are supported, got %q", m.Parts[0].Type)
	}
	return m.Parts[0].Text, nil
}

// TaskStatus is the current state of a task paired with the latest
// agent-authored message, if any.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitzero"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Validate ensures the status state is valid and any message is well formed.
func (ts TaskStatus) Validate() error {
	if err := ts.State.Validate(); err != nil {
		return err
	}
	if ts.Message != nil {
		if err := ts.Message.Validate(); err != nil {
			return fmt.Errorf("status message is invalid: %w", err)
		}
	}
	return nil
}

// Artifact is a finalized, addressable piece of output attached to a task.
// Index lets a producer replace or append to a specific artifact slot.
type Artifact struct {
	Parts     []Part `json:"parts"`
	Index     int    `json:"index"`
	Append    bool   `json:"append,omitzero"`
	LastChunk bool   `json:"lastChunk,omitzero"`
}

// Validate ensures the artifact carries at least one valid part.
func (a *Artifact) Validate() error {
	if a == nil {
		return fmt.Errorf("artifact cannot be nil")
	}
	if len(a.Parts) == 0 {
		return fmt.Errorf("artifact must have at least one part")
	}
	if a.Index < 0 {
		return fmt.Errorf("artifact index cannot be negative")
	}
	for i, part := range a.Parts {
		if err := part.Validate(); err != nil {
			return fmt.Errorf("part at index %d is invalid: %w", i, err)
		}
	}
	return nil
}

// Task is the unit of conversational work. The history is append-only;
// once the status state is terminal, neither status nor artifacts may
// change again (enforced by the task manager).
type Task struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	Status    TaskStatus  `json:"status"`
	Artifacts []*Artifact `json:"artifacts,omitzero"`
	History   []*Message  `json:"history,omitzero"`
}

// Validate ensures the task has an ID and a valid status.
func (t *Task) Validate() error {
	if t == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if t.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if err := t.Status.Validate(); err != nil {
		return fmt.Errorf("task status is invalid: %w", err)
	}
	for i, artifact := range t.Artifacts {
		if err := artifact.Validate(); err != nil {
			return fmt.Errorf("artifact at index %d is invalid: %w", i, err)
		}
	}
	return nil
}

// PushNotificationConfig describes where task state changes are delivered
// out of band. At most one config exists per task, and it is stored only
// after the dispatcher verified the caller controls the URL.
type PushNotificationConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitzero"`
}

// Validate ensures the config carries a delivery URL.
func (c *PushNotificationConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("push notification config cannot be nil")
	}
	if c.URL == "" {
		return fmt.Errorf("push notification URL cannot be empty")
	}
	return nil
}

// SessionMapping associates a caller-visible session ID with the backend's
// own session ID. Mappings are created lazily on first use and refreshed
// on every lookup; stale mappings are eligible for cleanup.
type SessionMapping struct {
	CallerSessionID  string    `json:"callerSessionId"`
	BackendSessionID string    `json:"backendSessionId"`
	BackendKind      string    `json:"backendKind"`
	BackendTargetID  string    `json:"backendTargetId"`
	CreatedAt        time.Time `json:"createdAt"`
	LastUsedAt       time.Time `json:"lastUsedAt"`
}

// Validate ensures both sides of the mapping are present.
func (m *SessionMapping) Validate() error {
	if m == nil {
		return fmt.Errorf("session mapping cannot be nil")
	}
	if m.CallerSessionID == "" {
		return fmt.Errorf("caller session ID cannot be empty")
	}
	if m.BackendSessionID == "" {
		return fmt.Errorf("backend session ID cannot be empty")
	}
	return nil
}

// TaskSendParams carries everything a caller supplies when submitting work
// to a task: the task and session identity, the inbound message, the
// output modalities the caller can accept, and an optional push config.
type TaskSendParams struct {
	ID                  string                  `json:"id"`
	SessionID           string                  `json:"sessionId"`
	Message             *Message                `json:"message"`
	AcceptedOutputModes []string                `json:"acceptedOutputModes,omitzero"`
	PushNotification    *PushNotificationConfig `json:"pushNotification,omitzero"`
	HistoryLength       int                     `json:"historyLength,omitzero"`
}

// Validate ensures the submission parameters are complete.
func (p *TaskSendParams) Validate() error {
	if p == nil {
		return fmt.Errorf("task send params cannot be nil")
	}
	if p.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if p.SessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	return p.Message.Validate()
}
