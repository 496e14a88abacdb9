// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package kbflow

import "fmt"

// Error codes, JSON-RPC style. The -320xx range holds task-specific
// codes; the -326xx range holds the standard request errors.
const (
	ErrorCodeTaskNotFound            = -32001
	ErrorCodeTaskNotCancelable       = -32002
	ErrorCodeTaskNotUpdatable        = -32004
	ErrorCodeContentTypeNotSupported = -32005
	ErrorCodeInvalidParams           = -32602
	ErrorCodeInternalError           = -32603
)

// CodedError is an error that maps to a protocol error code.
type CodedError interface {
	error
	Code() int
}

// TaskNotFoundError reports an operation against an unknown task ID.
type TaskNotFoundError struct {
	TaskID string
}

func (e TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// Code returns the protocol error code.
func (e TaskNotFoundError) Code() int { return ErrorCodeTaskNotFound }

// TaskNotCancelableError reports a cancellation attempt. Cancellation is
// unsupported by policy, so every cancel of an existing task yields this.
type TaskNotCancelableError struct {
	TaskID string
}

func (e TaskNotCancelableError) Error() string {
	return fmt.Sprintf("task cannot be canceled: %s", e.TaskID)
}

// Code returns the protocol error code.
func (e TaskNotCancelableError) Code() int { return ErrorCodeTaskNotCancelable }

// ContentTypeNotSupportedError reports that none of the caller's accepted
// output modes intersect the agent's supported content types.
type ContentTypeNotSupportedError struct {
	Accepted  []string
	Supported []string
}

func (e ContentTypeNotSupportedError) Error() string {
	return fmt.Sprintf("incompatible content types: accepted %v, supported %v", e.Accepted, e.Supported)
}

// Code returns the protocol error code.
func (e ContentTypeNotSupportedError) Code() int { return ErrorCodeContentTypeNotSupported }

// InvalidParamsError reports malformed request parameters, including a
// push notification config whose URL failed ownership verification.
type InvalidParamsError struct {
	Msg string
}

func (e InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid params: %s", e.Msg)
}

// Code returns the protocol error code.
func (e InvalidParamsError) Code() int { return ErrorCodeInvalidParams }

// InternalError reports a failure inside the task manager or its storage.
// The Msg is user-safe; the causing error is kept for logs only.
type InternalError struct {
	Msg string
	Err error
}

func (e InternalError) Error() string {
	return fmt.Sprintf("internal error: %s", e.Msg)
}

// Code returns the protocol error code.
func (e InternalError) Code() int { return ErrorCodeInternalError }

// Unwrap returns the underlying error.
func (e InternalError) Unwrap() error { return e.Err }

// TaskNotUpdatableError reports a submission against a task already in a
// terminal state. Only input_required re-enters working; completed, error,
// and canceled tasks accept no further writes.
type TaskNotUpdatableError struct {
	TaskID string
	State  TaskState
}

func (e TaskNotUpdatableError) Error() string {
	return fmt.Sprintf("task %s in terminal state %s cannot be updated", e.TaskID, e.State)
}

// Code returns the protocol error code.
func (e TaskNotUpdatableError) Code() int { return ErrorCodeTaskNotUpdatable }
