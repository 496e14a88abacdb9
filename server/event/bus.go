// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/kbflow/kbflow"
)

// ErrNoSubscriberSet is returned when subscribing without allowCreate to a
// task that has no live subscriber set: the task either never streamed or
// already reached a terminal state.
var ErrNoSubscriberSet = errors.New("no active subscriber set for task")

// Bus multicasts task events to every currently registered subscriber
// queue. The subscriber map is guarded by its own lock, disjoint from any
// storage locking.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*Queue

	logger *slog.Logger
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]*Queue),
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the bus.
func (b *Bus) WithLogger(logger *slog.Logger) *Bus {
	b.logger = logger
	return b
}

// Subscribe registers a new queue for taskID. A subscriber set is created
// only when allowCreate is true (a fresh submission); otherwise a missing
// set means the task is not streaming and ErrNoSubscriberSet is returned.
func (b *Bus) Subscribe(taskID string, allowCreate bool) (*Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[taskID]; !ok {
		if !allowCreate {
			return nil, ErrNoSubscriberSet
		}
		b.subscribers[taskID] = nil
	}

	q := NewQueue()
	b.subscribers[taskID] = append(b.subscribers[taskID], q)
	return q, nil
}

// Publish delivers event to every queue registered for taskID, in
// registration order. Queues buffer without bound, so one slow subscriber
// cannot delay another.
func (b *Bus) Publish(taskID string, event kbflow.StreamEvent) {
	b.mu.RLock()
	queues := slices.Clone(b.subscribers[taskID])
	b.mu.RUnlock()

	for _, q := range queues {
		q.Put(event)
	}
}

// Unsubscribe removes one queue. When the last queue for a task is removed
// the subscriber set entry is deleted, so idle tasks hold no bus state.
func (b *Bus) Unsubscribe(taskID string, queue *Queue) {
	queue.Close()

	b.mu.Lock()
	defer b.mu.Unlock()

	queues, ok := b.subscribers[taskID]
	if !ok {
		return
	}
	for i, q := range queues {
		if q == queue {
			b.subscribers[taskID] = slices.Delete(queues, i, i+1)
			break
		}
	}
	if len(b.subscribers[taskID]) == 0 {
		delete(b.subscribers, taskID)
	}
}

// CloseTask closes every queue for taskID and drops the subscriber set.
// The producer calls this after publishing its final event; buffered
// events stay readable on each closed queue.
func (b *Bus) CloseTask(taskID string) {
	b.mu.Lock()
	queues := b.subscribers[taskID]
	delete(b.subscribers, taskID)
	b.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
}

// HasSubscriberSet reports whether the task currently has a subscriber set.
func (b *Bus) HasSubscriberSet(taskID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subscribers[taskID]
	return ok
}

// SubscriberCount returns the number of queues registered for taskID.
func (b *Bus) SubscriberCount(taskID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[taskID])
}
