// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package event provides the per-task multicast bus that fans task
// lifecycle events out to live subscribers.
package event

import (
	"context"
	"errors"
	"sync"

	"github.com/kbflow/kbflow"
)

// ErrQueueClosed is returned by Get once a closed queue has been drained.
var ErrQueueClosed = errors.New("event queue is closed")

// Queue is one subscriber's event buffer. It grows without bound so that
// a slow consumer never blocks the producer or other subscribers; memory
// is traded for non-blocking fan-out.
type Queue struct {
	mu     sync.Mutex
	items  []kbflow.StreamEvent
	notify chan struct{}
	done   chan struct{}
	closed bool
}

// NewQueue creates an empty subscriber queue.
func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Put appends an event. Put never blocks; on a closed queue it is a no-op.
func (q *Queue) Put(event kbflow.StreamEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, event)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Get blocks until an event is available, the queue is closed and fully
// drained, or the context is done. Buffered events are always delivered
// before ErrQueueClosed, so a subscriber never loses the final event.
func (q *Queue) Get(ctx context.Context) (kbflow.StreamEvent, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			event := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return event, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
		case <-q.notify:
		}
	}
}

// Close marks the queue closed and wakes blocked readers. Already-buffered
// events remain readable.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.done)
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
