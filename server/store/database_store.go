// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kbflow/kbflow"
)

// DatabaseStore is a database implementation of Store using GORM. Tasks,
// history messages, artifacts, push configs, and session mappings each
// live in their own table; reads reassemble a task from its rows.
type DatabaseStore struct {
	db          *gorm.DB
	autoMigrate bool
}

var _ Store = (*DatabaseStore)(nil)

// DatabaseStoreConfig holds configuration for DatabaseStore.
type DatabaseStoreConfig struct {
	DB *gorm.DB
	// AutoMigrate creates or updates the tables during Initialize.
	AutoMigrate bool
}

// NewDatabaseStore creates a new DatabaseStore.
func NewDatabaseStore(config DatabaseStoreConfig) (*DatabaseStore, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	return &DatabaseStore{
		db:          config.DB,
		autoMigrate: config.AutoMigrate,
	}, nil
}

// Initialize prepares the database, running migrations when configured.
func (s *DatabaseStore) Initialize(ctx context.Context) error {
	if !s.autoMigrate {
		return nil
	}
	err := s.db.WithContext(ctx).AutoMigrate(
		&TaskRecord{},
		&MessageRecord{},
		&ArtifactRecord{},
		&PushConfigRecord{},
		&SessionMappingRecord{},
	)
	if err != nil {
		return NewStoreError("initialize", "", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *DatabaseStore) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return NewStoreError("close", "", err)
	}
	return sqlDB.Close()
}

// UpsertTask creates the task in state submitted, or appends the inbound
// message to an existing task's history.
func (s *DatabaseStore) UpsertTask(ctx context.Context, params *kbflow.TaskSendParams) (*kbflow.Task, error) {
	if err := params.Validate(); err != nil {
		return nil, NewStoreError("upsert", params.ID, err)
	}

	var task *kbflow.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record TaskRecord
		err := tx.Where("id = ?", params.ID).First(&record).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			record = TaskRecord{
				ID:          params.ID,
				SessionID:   params.SessionID,
				StatusState: string(kbflow.TaskStateSubmitted),
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		}

		if err := appendMessage(tx, record.ID, params.Message); err != nil {
			return err
		}

		task, err = buildTask(tx, record.ID)
		return err
	})
	if err != nil {
		return nil, NewStoreError("upsert", params.ID, err)
	}
	return task, nil
}

// UpdateTask writes a new status and optional artifacts for the task.
func (s *DatabaseStore) UpdateTask(ctx context.Context, taskID string, status kbflow.TaskStatus, artifacts []*kbflow.Artifact) (*kbflow.Task, error) {
	if err := status.Validate(); err != nil {
		return nil, NewStoreError("update", taskID, err)
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}

	var task *kbflow.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record TaskRecord
		if err := tx.Where("id = ?", taskID).First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return kbflow.TaskNotFoundError{TaskID: taskID}
			}
			return err
		}

		record.StatusState = string(status.State)
		record.StatusMessage = MessageJSON{Message: status.Message}
		if err := tx.Save(&record).Error; err != nil {
			return err
		}

		if status.Message != nil {
			if err := appendMessage(tx, taskID, status.Message); err != nil {
				return err
			}
		}
		for _, artifact := range artifacts {
			if err := saveArtifact(tx, taskID, artifact); err != nil {
				return err
			}
		}

		var err error
		task, err = buildTask(tx, taskID)
		return err
	})
	if err != nil {
		var notFound kbflow.TaskNotFoundError
		if errors.As(err, &notFound) {
			return nil, notFound
		}
		return nil, NewStoreError("update", taskID, err)
	}
	return task, nil
}

// GetTask retrieves a task with its full history and artifacts.
func (s *DatabaseStore) GetTask(ctx context.Context, taskID string) (*kbflow.Task, error) {
	if taskID == "" {
		return nil, NewStoreError("get", taskID, fmt.Errorf("task ID cannot be empty"))
	}

	task, err := buildTask(s.db.WithContext(ctx), taskID)
	if err != nil {
		var notFound kbflow.TaskNotFoundError
		if errors.As(err, &notFound) {
			return nil, notFound
		}
		return nil, NewStoreError("get", taskID, err)
	}
	return task, nil
}

// ListTasks retrieves tasks ordered by creation time, optionally filtered
// by session ID.
func (s *DatabaseStore) ListTasks(ctx context.Context, sessionID string, limit, offset int) ([]*kbflow.Task, error) {
	db := s.db.WithContext(ctx).Model(&TaskRecord{})
	if sessionID != "" {
		db = db.Where("session_id = ?", sessionID)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	if offset > 0 {
		db = db.Offset(offset)
	}

	var records []TaskRecord
	if err := db.Order("created_at ASC, id ASC").Find(&records).Error; err != nil {
		return nil, NewStoreError("list", sessionID, err)
	}

	tasks := make([]*kbflow.Task, 0, len(records))
	for _, record := range records {
		task, err := buildTask(s.db.WithContext(ctx), record.ID)
		if err != nil {
			return nil, NewStoreError("list", record.ID, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// CountTasks returns the number of tasks, optionally filtered by session ID.
func (s *DatabaseStore) CountTasks(ctx context.Context, sessionID string) (int64, error) {
	db := s.db.WithContext(ctx).Model(&TaskRecord{})
	if sessionID != "" {
		db = db.Where("session_id = ?", sessionID)
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, NewStoreError("count", sessionID, err)
	}
	return count, nil
}

// SavePushConfig stores the push-notification config for a task.
func (s *DatabaseStore) SavePushConfig(ctx context.Context, taskID string, config *kbflow.PushNotificationConfig) error {
	if taskID == "" {
		return NewStoreError("save push config", taskID, fmt.Errorf("task ID cannot be empty"))
	}
	if err := config.Validate(); err != nil {
		return NewStoreError("save push config", taskID, err)
	}

	record := PushConfigRecord{
		TaskID: taskID,
		Config: PushConfigJSON{Config: config},
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return NewStoreError("save push config", taskID, err)
	}
	return nil
}

// GetPushConfig retrieves the push-notification config for a task.
func (s *DatabaseStore) GetPushConfig(ctx context.Context, taskID string) (*kbflow.PushNotificationConfig, error) {
	var record PushConfigRecord
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, kbflow.TaskNotFoundError{TaskID: taskID}
		}
		return nil, NewStoreError("get push config", taskID, err)
	}
	return record.Config.Config, nil
}

// HasPushConfig reports whether a push-notification config exists.
func (s *DatabaseStore) HasPushConfig(ctx context.Context, taskID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&PushConfigRecord{}).
		Where("task_id = ?", taskID).Count(&count).Error
	if err != nil {
		return false, NewStoreError("has push config", taskID, err)
	}
	return count > 0, nil
}

// GetSessionMapping retrieves the mapping for a caller session ID, or nil
// when no mapping exists.
func (s *DatabaseStore) GetSessionMapping(ctx context.Context, callerSessionID string) (*kbflow.SessionMapping, error) {
	var record SessionMappingRecord
	err := s.db.WithContext(ctx).Where("caller_session_id = ?", callerSessionID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, NewStoreError("get session mapping", callerSessionID, err)
	}
	return record.ToMapping(), nil
}

// SaveSessionMapping creates or replaces a session mapping.
func (s *DatabaseStore) SaveSessionMapping(ctx context.Context, mapping *kbflow.SessionMapping) error {
	if err := mapping.Validate(); err != nil {
		return NewStoreError("save session mapping", mapping.CallerSessionID, err)
	}

	record := newSessionMappingRecord(mapping)
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.LastUsedAt.IsZero() {
		record.LastUsedAt = record.CreatedAt
	}
	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		return NewStoreError("save session mapping", mapping.CallerSessionID, err)
	}
	return nil
}

// TouchSessionMapping refreshes the mapping's last-used time.
func (s *DatabaseStore) TouchSessionMapping(ctx context.Context, callerSessionID string) error {
	result := s.db.WithContext(ctx).Model(&SessionMappingRecord{}).
		Where("caller_session_id = ?", callerSessionID).
		Update("last_used_at", time.Now().UTC())
	if result.Error != nil {
		return NewStoreError("touch session mapping", callerSessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return NewStoreError("touch session mapping", callerSessionID, fmt.Errorf("mapping not found"))
	}
	return nil
}

// DeleteSessionMapping removes a session mapping.
func (s *DatabaseStore) DeleteSessionMapping(ctx context.Context, callerSessionID string) error {
	err := s.db.WithContext(ctx).
		Where("caller_session_id = ?", callerSessionID).
		Delete(&SessionMappingRecord{}).Error
	if err != nil {
		return NewStoreError("delete session mapping", callerSessionID, err)
	}
	return nil
}

// DeleteStaleSessionMappings removes mappings not used since cutoff.
func (s *DatabaseStore) DeleteStaleSessionMappings(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("last_used_at < ?", cutoff).
		Delete(&SessionMappingRecord{})
	if result.Error != nil {
		return 0, NewStoreError("delete stale session mappings", "", result.Error)
	}
	return result.RowsAffected, nil
}

// appendMessage inserts a history row with the next ordinal for the task.
func appendMessage(tx *gorm.DB, taskID string, message *kbflow.Message) error {
	var maxOrdinal sql.NullInt64
	err := tx.Model(&MessageRecord{}).
		Where("task_id = ?", taskID).
		Select("MAX(ordinal)").Scan(&maxOrdinal).Error
	if err != nil {
		return err
	}
	ordinal := 0
	if maxOrdinal.Valid {
		ordinal = int(maxOrdinal.Int64) + 1
	}
	record := MessageRecord{
		ID:      uuid.NewString(),
		TaskID:  taskID,
		Ordinal: ordinal,
		Content: MessageJSON{Message: message},
	}
	return tx.Create(&record).Error
}

// saveArtifact writes the artifact into the slot named by its index:
// replaced by default, extended when the Append flag is set.
func saveArtifact(tx *gorm.DB, taskID string, artifact *kbflow.Artifact) error {
	var record ArtifactRecord
	err := tx.Where("task_id = ? AND idx = ?", taskID, artifact.Index).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = ArtifactRecord{
			ID:      uuid.NewString(),
			TaskID:  taskID,
			Idx:     artifact.Index,
			Content: ArtifactJSON{Artifact: artifact},
		}
		return tx.Create(&record).Error
	}
	if err != nil {
		return err
	}

	if artifact.Append && record.Content.Artifact != nil {
		merged := record.Content.Artifact
		merged.Parts = append(merged.Parts, artifact.Parts...)
		merged.LastChunk = artifact.LastChunk
		record.Content = ArtifactJSON{Artifact: merged}
	} else {
		record.Content = ArtifactJSON{Artifact: artifact}
	}
	return tx.Save(&record).Error
}

// buildTask reassembles a task from its rows across the tasks, messages,
// and artifacts tables.
func buildTask(db *gorm.DB, taskID string) (*kbflow.Task, error) {
	var record TaskRecord
	if err := db.Where("id = ?", taskID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, kbflow.TaskNotFoundError{TaskID: taskID}
		}
		return nil, err
	}

	task := &kbflow.Task{
		ID:        record.ID,
		SessionID: record.SessionID,
		Status: kbflow.TaskStatus{
			State:     kbflow.TaskState(record.StatusState),
			Message:   record.StatusMessage.Message,
			Timestamp: record.UpdatedAt.UTC(),
		},
	}

	var messages []MessageRecord
	err := db.Where("task_id = ?", taskID).Order("ordinal ASC").Find(&messages).Error
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		task.History = append(task.History, m.Content.Message)
	}

	var artifacts []ArtifactRecord
	err = db.Where("task_id = ?", taskID).Order("idx ASC").Find(&artifacts).Error
	if err != nil {
		return nil, err
	}
	for _, a := range artifacts {
		task.Artifacts = append(task.Artifacts, a.Content.Artifact)
	}

	return task, nil
}
