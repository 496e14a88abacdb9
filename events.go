// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package kbflow

import "fmt"

// StreamEvent is the union of events delivered to task subscribers.
type StreamEvent interface {
	// EventType returns the wire type of the event.
	EventType() string

	// String returns a short description for logs.
	String() string
}

// Stream event types.
const (
	StatusUpdateEventType   = "task_status_update"
	ArtifactUpdateEventType = "task_artifact_update"
	ErrorEventType          = "error"
)

// TaskStatusUpdateEvent announces a task status change. An event with
// Final set is the unique terminal marker for a subscription.
type TaskStatusUpdateEvent struct {
	ID     string     `json:"id"`
	Status TaskStatus `json:"status"`
	Final  bool       `json:"final"`
}

var _ StreamEvent = (*TaskStatusUpdateEvent)(nil)

// EventType returns the wire type of the event.
func (e *TaskStatusUpdateEvent) EventType() string { return StatusUpdateEventType }

func (e *TaskStatusUpdateEvent) String() string {
	return fmt.Sprintf("TaskStatusUpdateEvent{ID: %s, State: %s, Final: %t}", e.ID, e.Status.State, e.Final)
}

// TaskArtifactUpdateEvent announces a new or updated artifact on a task.
type TaskArtifactUpdateEvent struct {
	ID       string    `json:"id"`
	Artifact *Artifact `json:"artifact"`
}

var _ StreamEvent = (*TaskArtifactUpdateEvent)(nil)

// EventType returns the wire type of the event.
func (e *TaskArtifactUpdateEvent) EventType() string { return ArtifactUpdateEventType }

func (e *TaskArtifactUpdateEvent) String() string {
	return fmt.Sprintf("TaskArtifactUpdateEvent{ID: %s, Index: %d}", e.ID, e.Artifact.Index)
}

// ErrorEvent terminates a subscription with an error instead of a final
// status update.
type ErrorEvent struct {
	ErrCode    int    `json:"code"`
	ErrMessage string `json:"message"`
}

var _ StreamEvent = (*ErrorEvent)(nil)

// EventType returns the wire type of the event.
func (e *ErrorEvent) EventType() string { return ErrorEventType }

func (e *ErrorEvent) String() string {
	return fmt.Sprintf("ErrorEvent{Code: %d, Message: %s}", e.ErrCode, e.ErrMessage)
}

// NewErrorEvent builds an ErrorEvent from a coded error, falling back to
// the internal error code.
func NewErrorEvent(err error) *ErrorEvent {
	if coded, ok := err.(CodedError); ok {
		return &ErrorEvent{ErrCode: coded.Code(), ErrMessage: coded.Error()}
	}
	return &ErrorEvent{ErrCode: ErrorCodeInternalError, ErrMessage: err.Error()}
}

// IsFinalEvent reports whether an event ends a subscription: a status
// update with Final set, or any error event.
func IsFinalEvent(event StreamEvent) bool {
	switch e := event.(type) {
	case *TaskStatusUpdateEvent:
		return e.Final
	case *ErrorEvent:
		return true
	default:
		return false
	}
}
