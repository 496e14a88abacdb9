// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kbflow/kbflow"
)

// MemoryStore is an in-memory implementation of Store. All data is lost
// when the process stops. All operations are thread-safe using
// sync.RWMutex.
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[string]*kbflow.Task
	createdAt   map[string]time.Time
	pushConfigs map[string]*kbflow.PushNotificationConfig
	sessions    map[string]*kbflow.SessionMapping
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*kbflow.Task),
		createdAt:   make(map[string]time.Time),
		pushConfigs: make(map[string]*kbflow.PushNotificationConfig),
		sessions:    make(map[string]*kbflow.SessionMapping),
	}
}

// UpsertTask creates the task in state submitted, or appends the inbound
// message to an existing task's history.
func (s *MemoryStore) UpsertTask(ctx context.Context, params *kbflow.TaskSendParams) (*kbflow.Task, error) {
	if err := params.Validate(); err != nil {
		return nil, NewStoreError("upsert", params.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[params.ID]
	if !exists {
		task = &kbflow.Task{
			ID:        params.ID,
			SessionID: params.SessionID,
			Status: kbflow.TaskStatus{
				State:     kbflow.TaskStateSubmitted,
				Timestamp: time.Now().UTC(),
			},
		}
		s.tasks[params.ID] = task
		s.createdAt[params.ID] = time.Now().UTC()
	}
	task.History = append(task.History, copyMessage(params.Message))

	return copyTask(task), nil
}

// UpdateTask writes a new status and optional artifacts for the task.
func (s *MemoryStore) UpdateTask(ctx context.Context, taskID string, status kbflow.TaskStatus, artifacts []*kbflow.Artifact) (*kbflow.Task, error) {
	if err := status.Validate(); err != nil {
		return nil, NewStoreError("update", taskID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, kbflow.TaskNotFoundError{TaskID: taskID}
	}

	task.Status = status
	if task.Status.Timestamp.IsZero() {
		task.Status.Timestamp = time.Now().UTC()
	}
	if status.Message != nil {
		task.History = append(task.History, copyMessage(status.Message))
	}
	for _, artifact := range artifacts {
		task.Artifacts = mergeArtifact(task.Artifacts, copyArtifact(artifact))
	}

	return copyTask(task), nil
}

// GetTask retrieves a task by its ID.
func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*kbflow.Task, error) {
	if taskID == "" {
		return nil, NewStoreError("get", taskID, fmt.Errorf("task ID cannot be empty"))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, kbflow.TaskNotFoundError{TaskID: taskID}
	}
	return copyTask(task), nil
}

// ListTasks retrieves tasks ordered by creation time, optionally filtered
// by session ID.
func (s *MemoryStore) ListTasks(ctx context.Context, sessionID string, limit, offset int) ([]*kbflow.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.tasks))
	for id, task := range s.tasks {
		if sessionID != "" && task.SessionID != sessionID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := s.createdAt[ids[i]], s.createdAt[ids[j]]
		if ti.Equal(tj) {
			return ids[i] < ids[j]
		}
		return ti.Before(tj)
	})

	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	tasks := make([]*kbflow.Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, copyTask(s.tasks[id]))
	}
	return tasks, nil
}

// CountTasks returns the number of tasks, optionally filtered by session ID.
func (s *MemoryStore) CountTasks(ctx context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sessionID == "" {
		return int64(len(s.tasks)), nil
	}
	var n int64
	for _, task := range s.tasks {
		if task.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

// SavePushConfig stores the push-notification config for a task.
func (s *MemoryStore) SavePushConfig(ctx context.Context, taskID string, config *kbflow.PushNotificationConfig) error {
	if taskID == "" {
		return NewStoreError("save push config", taskID, fmt.Errorf("task ID cannot be empty"))
	}
	if err := config.Validate(); err != nil {
		return NewStoreError("save push config", taskID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := *config
	s.pushConfigs[taskID] = &cfg
	return nil
}

// GetPushConfig retrieves the push-notification config for a task.
func (s *MemoryStore) GetPushConfig(ctx context.Context, taskID string) (*kbflow.PushNotificationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	config, exists := s.pushConfigs[taskID]
	if !exists {
		return nil, kbflow.TaskNotFoundError{TaskID: taskID}
	}
	cfg := *config
	return &cfg, nil
}

// HasPushConfig reports whether a push-notification config exists.
func (s *MemoryStore) HasPushConfig(ctx context.Context, taskID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.pushConfigs[taskID]
	return exists, nil
}

// GetSessionMapping retrieves the mapping for a caller session ID, or nil
// when no mapping exists.
func (s *MemoryStore) GetSessionMapping(ctx context.Context, callerSessionID string) (*kbflow.SessionMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mapping, exists := s.sessions[callerSessionID]
	if !exists {
		return nil, nil
	}
	m := *mapping
	return &m, nil
}

// SaveSessionMapping creates or replaces a session mapping.
func (s *MemoryStore) SaveSessionMapping(ctx context.Context, mapping *kbflow.SessionMapping) error {
	if err := mapping.Validate(); err != nil {
		return NewStoreError("save session mapping", mapping.CallerSessionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := *mapping
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.LastUsedAt.IsZero() {
		m.LastUsedAt = m.CreatedAt
	}
	s.sessions[mapping.CallerSessionID] = &m
	return nil
}

// TouchSessionMapping refreshes the mapping's last-used time.
func (s *MemoryStore) TouchSessionMapping(ctx context.Context, callerSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mapping, exists := s.sessions[callerSessionID]
	if !exists {
		return NewStoreError("touch session mapping", callerSessionID, fmt.Errorf("mapping not found"))
	}
	mapping.LastUsedAt = time.Now().UTC()
	return nil
}

// DeleteSessionMapping removes a session mapping.
func (s *MemoryStore) DeleteSessionMapping(ctx context.Context, callerSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, callerSessionID)
	return nil
}

// DeleteStaleSessionMappings removes mappings not used since cutoff.
func (s *MemoryStore) DeleteStaleSessionMappings(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, mapping := range s.sessions {
		if mapping.LastUsedAt.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// Initialize is a no-op for the in-memory store.
func (s *MemoryStore) Initialize(ctx context.Context) error { return nil }

// Close clears all stored data.
func (s *MemoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]*kbflow.Task)
	s.createdAt = make(map[string]time.Time)
	s.pushConfigs = make(map[string]*kbflow.PushNotificationConfig)
	s.sessions = make(map[string]*kbflow.SessionMapping)
	return nil
}

// mergeArtifact places the artifact into the slot named by its index:
// replaced by default, extended when the Append flag is set. Slots stay
// ordered by index.
func mergeArtifact(existing []*kbflow.Artifact, artifact *kbflow.Artifact) []*kbflow.Artifact {
	for i, current := range existing {
		if current.Index != artifact.Index {
			continue
		}
		if artifact.Append {
			current.Parts = append(current.Parts, artifact.Parts...)
			current.LastChunk = artifact.LastChunk
		} else {
			existing[i] = artifact
		}
		return existing
	}
	existing = append(existing, artifact)
	sort.SliceStable(existing, func(i, j int) bool {
		return existing[i].Index < existing[j].Index
	})
	return existing
}

// copyTask creates a deep copy of a task to avoid race conditions.
func copyTask(task *kbflow.Task) *kbflow.Task {
	if task == nil {
		return nil
	}
	copied := &kbflow.Task{
		ID:        task.ID,
		SessionID: task.SessionID,
		Status: kbflow.TaskStatus{
			State:     task.Status.State,
			Message:   copyMessage(task.Status.Message),
			Timestamp: task.Status.Timestamp,
		},
	}
	if task.Artifacts != nil {
		copied.Artifacts = make([]*kbflow.Artifact, len(task.Artifacts))
		for i, artifact := range task.Artifacts {
			copied.Artifacts[i] = copyArtifact(artifact)
		}
	}
	if task.History != nil {
		copied.History = make([]*kbflow.Message, len(task.History))
		for i, message := range task.History {
			copied.History[i] = copyMessage(message)
		}
	}
	return copied
}

// copyMessage creates a deep copy of a message.
func copyMessage(message *kbflow.Message) *kbflow.Message {
	if message == nil {
		return nil
	}
	copied := &kbflow.Message{Role: message.Role}
	if message.Parts != nil {
		copied.Parts = make([]kbflow.Part, len(message.Parts))
		copy(copied.Parts, message.Parts)
	}
	return copied
}

// copyArtifact creates a deep copy of an artifact.
func copyArtifact(artifact *kbflow.Artifact) *kbflow.Artifact {
	if artifact == nil {
		return nil
	}
	copied := &kbflow.Artifact{
		Index:     artifact.Index,
		Append:    artifact.Append,
		LastChunk: artifact.LastChunk,
	}
	if artifact.Parts != nil {
		copied.Parts = make([]kbflow.Part, len(artifact.Parts))
		copy(copied.Parts, artifact.Parts)
	}
	return copied
}
