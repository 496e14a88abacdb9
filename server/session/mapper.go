// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package session maps caller-visible session IDs to the backend's own
// session IDs, with a read-through cache in front of the store.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kbflow/kbflow"
	"github.com/kbflow/kbflow/server/store"
)

const defaultCacheSize = 1024

// Mapper resolves caller session IDs to backend session IDs. Lookups go
// through an in-process LRU cache; hits still refresh the mapping's
// last-used time in the store so stale cleanup sees recent activity.
type Mapper struct {
	store  store.Store
	cache  *lru.Cache[string, string]
	logger *slog.Logger
}

// MapperOption configures a Mapper.
type MapperOption func(*Mapper)

// WithCacheSize sets the number of mappings held in the cache.
func WithCacheSize(size int) MapperOption {
	return func(m *Mapper) {
		cache, err := lru.New[string, string](size)
		if err == nil {
			m.cache = cache
		}
	}
}

// WithLogger sets the logger used by the mapper.
func WithLogger(logger *slog.Logger) MapperOption {
	return func(m *Mapper) {
		m.logger = logger
	}
}

// NewMapper creates a new Mapper backed by the given store.
func NewMapper(s store.Store, opts ...MapperOption) (*Mapper, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	cache, err := lru.New[string, string](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	m := &Mapper{
		store:  s,
		cache:  cache,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Resolve returns the backend session ID for a caller session ID, or ""
// when no mapping exists. Every successful resolution refreshes the
// mapping's last-used time.
func (m *Mapper) Resolve(ctx context.Context, callerSessionID string) (string, error) {
	if callerSessionID == "" {
		return "", fmt.Errorf("caller session ID cannot be empty")
	}

	if backendID, ok := m.cache.Get(callerSessionID); ok {
		if err := m.store.TouchSessionMapping(ctx, callerSessionID); err != nil {
			// The store row may have been cleaned up underneath the cache.
			m.cache.Remove(callerSessionID)
			m.logger.WarnContext(ctx, "cached session mapping missing from store",
				slog.String("caller_session_id", callerSessionID))
			return "", nil
		}
		return backendID, nil
	}

	mapping, err := m.store.GetSessionMapping(ctx, callerSessionID)
	if err != nil {
		return "", fmt.Errorf("failed to look up session mapping: %w", err)
	}
	if mapping == nil {
		return "", nil
	}

	m.cache.Add(callerSessionID, mapping.BackendSessionID)
	if err := m.store.TouchSessionMapping(ctx, callerSessionID); err != nil {
		m.logger.WarnContext(ctx, "failed to refresh session mapping",
			slog.String("caller_session_id", callerSessionID),
			slog.String("error", err.Error()))
	}
	return mapping.BackendSessionID, nil
}

// Save stores a new mapping and primes the cache with it.
func (m *Mapper) Save(ctx context.Context, mapping *kbflow.SessionMapping) error {
	if err := mapping.Validate(); err != nil {
		return err
	}
	if err := m.store.SaveSessionMapping(ctx, mapping); err != nil {
		return fmt.Errorf("failed to save session mapping: %w", err)
	}
	m.cache.Add(mapping.CallerSessionID, mapping.BackendSessionID)
	return nil
}

// Forget drops a mapping from the cache and the store.
func (m *Mapper) Forget(ctx context.Context, callerSessionID string) error {
	m.cache.Remove(callerSessionID)
	if err := m.store.DeleteSessionMapping(ctx, callerSessionID); err != nil {
		return fmt.Errorf("failed to delete session mapping: %w", err)
	}
	return nil
}

// CleanupStale removes mappings unused for longer than maxIdle and evicts
// the whole cache so no removed mapping survives in it.
func (m *Mapper) CleanupStale(ctx context.Context, maxIdle time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxIdle)
	removed, err := m.store.DeleteStaleSessionMappings(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale session mappings: %w", err)
	}
	if removed > 0 {
		m.cache.Purge()
		m.logger.InfoContext(ctx, "removed stale session mappings",
			slog.Int64("count", removed))
	}
	return removed, nil
}
