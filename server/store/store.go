// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides the persistence contract for tasks, message
// history, artifacts, push-notification configs, and session mappings,
// with interchangeable volatile and database-backed implementations.
package store

import (
	"context"
	"time"

	"github.com/kbflow/kbflow"
)

// Store is the storage contract the task manager and session mapper
// program against. Implementations must be safe for concurrent use;
// callers serialize mutations per task above this layer, so a store only
// guarantees the atomicity of each individual call.
type Store interface {
	// UpsertTask creates the task in state submitted on first submission,
	// or appends the inbound message to the existing task's history.
	// History is append-only in both cases.
	UpsertTask(ctx context.Context, params *kbflow.TaskSendParams) (*kbflow.Task, error)

	// UpdateTask writes a new status and optional artifacts for the task.
	// A status message is appended to the history. Artifacts land in the
	// slot named by their index: replaced by default, extended when the
	// artifact's Append flag is set. Returns kbflow.TaskNotFoundError if
	// the task does not exist.
	UpdateTask(ctx context.Context, taskID string, status kbflow.TaskStatus, artifacts []*kbflow.Artifact) (*kbflow.Task, error)

	// GetTask retrieves a task with its full history and artifacts.
	// Returns kbflow.TaskNotFoundError if the task does not exist.
	GetTask(ctx context.Context, taskID string) (*kbflow.Task, error)

	// ListTasks retrieves tasks, optionally filtered by session ID.
	ListTasks(ctx context.Context, sessionID string, limit, offset int) ([]*kbflow.Task, error)

	// CountTasks returns the number of tasks, optionally filtered by
	// session ID.
	CountTasks(ctx context.Context, sessionID string) (int64, error)

	// SavePushConfig stores the push-notification config for a task,
	// replacing any previous one. At most one config exists per task.
	SavePushConfig(ctx context.Context, taskID string, config *kbflow.PushNotificationConfig) error

	// GetPushConfig retrieves the push-notification config for a task.
	// Returns kbflow.TaskNotFoundError if none is stored.
	GetPushConfig(ctx context.Context, taskID string) (*kbflow.PushNotificationConfig, error)

	// HasPushConfig reports whether a push-notification config exists.
	HasPushConfig(ctx context.Context, taskID string) (bool, error)

	// GetSessionMapping retrieves the mapping for a caller session ID, or
	// nil when no mapping exists.
	GetSessionMapping(ctx context.Context, callerSessionID string) (*kbflow.SessionMapping, error)

	// SaveSessionMapping creates or replaces a session mapping.
	SaveSessionMapping(ctx context.Context, mapping *kbflow.SessionMapping) error

	// TouchSessionMapping refreshes the mapping's last-used time.
	TouchSessionMapping(ctx context.Context, callerSessionID string) error

	// DeleteSessionMapping removes a session mapping.
	DeleteSessionMapping(ctx context.Context, callerSessionID string) error

	// DeleteStaleSessionMappings removes mappings not used since cutoff
	// and returns how many were removed.
	DeleteStaleSessionMappings(ctx context.Context, cutoff time.Time) (int64, error)

	// Initialize prepares the storage for use, creating tables or other
	// structures as needed.
	Initialize(ctx context.Context) error

	// Close cleanly shuts down the storage.
	Close(ctx context.Context) error
}
