// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kbflow/kbflow"
)

// MessageJSON stores a kbflow.Message as a JSON column.
type MessageJSON struct {
	Message *kbflow.Message
}

// Value implements the driver.Valuer interface for database storage.
func (m MessageJSON) Value() (driver.Value, error) {
	if m.Message == nil {
		return nil, nil
	}
	return json.Marshal(m.Message)
}

// Scan implements the sql.Scanner interface for database retrieval.
func (m *MessageJSON) Scan(value any) error {
	if value == nil {
		m.Message = nil
		return nil
	}
	bytes, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("cannot scan %T into MessageJSON", value)
	}
	var msg kbflow.Message
	if err := json.Unmarshal(bytes, &msg); err != nil {
		return fmt.Errorf("cannot unmarshal MessageJSON: %w", err)
	}
	m.Message = &msg
	return nil
}

// ArtifactJSON stores a kbflow.Artifact as a JSON column.
type ArtifactJSON struct {
	Artifact *kbflow.Artifact
}

// Value implements the driver.Valuer interface for database storage.
func (a ArtifactJSON) Value() (driver.Value, error) {
	if a.Artifact == nil {
		return nil, nil
	}
	return json.Marshal(a.Artifact)
}

// Scan implements the sql.Scanner interface for database retrieval.
func (a *ArtifactJSON) Scan(value any) error {
	if value == nil {
		a.Artifact = nil
		return nil
	}
	bytes, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("cannot scan %T into ArtifactJSON", value)
	}
	var artifact kbflow.Artifact
	if err := json.Unmarshal(bytes, &artifact); err != nil {
		return fmt.Errorf("cannot unmarshal ArtifactJSON: %w", err)
	}
	a.Artifact = &artifact
	return nil
}

// PushConfigJSON stores a kbflow.PushNotificationConfig as a JSON column.
type PushConfigJSON struct {
	Config *kbflow.PushNotificationConfig
}

// Value implements the driver.Valuer interface for database storage.
func (p PushConfigJSON) Value() (driver.Value, error) {
	if p.Config == nil {
		return nil, nil
	}
	return json.Marshal(p.Config)
}

// Scan implements the sql.Scanner interface for database retrieval.
func (p *PushConfigJSON) Scan(value any) error {
	if value == nil {
		p.Config = nil
		return nil
	}
	bytes, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("cannot scan %T into PushConfigJSON", value)
	}
	var config kbflow.PushNotificationConfig
	if err := json.Unmarshal(bytes, &config); err != nil {
		return fmt.Errorf("cannot unmarshal PushConfigJSON: %w", err)
	}
	p.Config = &config
	return nil
}

func jsonBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", value)
	}
}

// TaskRecord is the tasks table row.
type TaskRecord struct {
	ID            string      `gorm:"primaryKey;size:64"`
	SessionID     string      `gorm:"size:64;index"`
	StatusState   string      `gorm:"size:20;not null"`
	StatusMessage MessageJSON `gorm:"type:json"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName returns the table name for TaskRecord.
func (TaskRecord) TableName() string { return "tasks" }

// MessageRecord is one history entry. Ordinal preserves the append order
// of the task's history.
type MessageRecord struct {
	ID        string      `gorm:"primaryKey;size:36"`
	TaskID    string      `gorm:"size:64;index;not null"`
	Ordinal   int         `gorm:"not null"`
	Content   MessageJSON `gorm:"type:json;not null"`
	CreatedAt time.Time
}

// TableName returns the table name for MessageRecord.
func (MessageRecord) TableName() string { return "messages" }

// ArtifactRecord is one artifact slot of a task, addressed by Idx.
type ArtifactRecord struct {
	ID        string       `gorm:"primaryKey;size:36"`
	TaskID    string       `gorm:"size:64;index;not null"`
	Idx       int          `gorm:"not null"`
	Content   ArtifactJSON `gorm:"type:json;not null"`
	CreatedAt time.Time
}

// TableName returns the table name for ArtifactRecord.
func (ArtifactRecord) TableName() string { return "artifacts" }

// PushConfigRecord is the per-task push-notification config row.
type PushConfigRecord struct {
	TaskID    string         `gorm:"primaryKey;size:64"`
	Config    PushConfigJSON `gorm:"type:json;not null"`
	CreatedAt time.Time
}

// TableName returns the table name for PushConfigRecord.
func (PushConfigRecord) TableName() string { return "push_notifications" }

// SessionMappingRecord maps a caller session ID to the backend's session.
type SessionMappingRecord struct {
	CallerSessionID  string `gorm:"primaryKey;size:64"`
	BackendSessionID string `gorm:"size:64;not null"`
	BackendKind      string `gorm:"size:20;not null"`
	BackendTargetID  string `gorm:"size:64;not null"`
	CreatedAt        time.Time
	LastUsedAt       time.Time `gorm:"index"`
}

// TableName returns the table name for SessionMappingRecord.
func (SessionMappingRecord) TableName() string { return "session_mappings" }

// ToMapping converts the record to a kbflow.SessionMapping.
func (r *SessionMappingRecord) ToMapping() *kbflow.SessionMapping {
	return &kbflow.SessionMapping{
		CallerSessionID:  r.CallerSessionID,
		BackendSessionID: r.BackendSessionID,
		BackendKind:      r.BackendKind,
		BackendTargetID:  r.BackendTargetID,
		CreatedAt:        r.CreatedAt,
		LastUsedAt:       r.LastUsedAt,
	}
}

// newSessionMappingRecord converts a kbflow.SessionMapping to its row form.
func newSessionMappingRecord(m *kbflow.SessionMapping) *SessionMappingRecord {
	return &SessionMappingRecord{
		CallerSessionID:  m.CallerSessionID,
		BackendSessionID: m.BackendSessionID,
		BackendKind:      m.BackendKind,
		BackendTargetID:  m.BackendTargetID,
		CreatedAt:        m.CreatedAt,
		LastUsedAt:       m.LastUsedAt,
	}
}
