// Copyright 2025 The Sandcastle Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue holds submitted runs until a worker picks them up. The
// in-memory implementation orders by priority, FIFO within a priority
// band, and blocks dequeuers until work arrives.
package queue

import (
	"context"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = &Error{message: "queue is closed"}

// Error is a queue-related error.
type Error struct {
	message string
}

func (e *Error) Error() string { return e.message }

// Submission is one queued run.
type Submission struct {
	// RunID references the persisted run row
	RunID string

	// Workflow is the workflow name the run executes
	Workflow string

	// Priority orders dequeueing; higher runs first
	Priority int

	// EnqueuedAt is when the submission entered the queue
	EnqueuedAt time.Time
}

// Queue hands submissions to workers.
type Queue interface {
	// Push adds a submission. It fails only when the queue is closed.
	Push(ctx context.Context, sub *Submission) error

	// Pop removes and returns the highest-priority submission, blocking
	// until one is available or the context is cancelled.
	Pop(ctx context.Context) (*Submission, error)

	// Len returns the number of waiting submissions.
	Len() int

	// Close rejects further pushes and unblocks waiting poppers.
	Close() error
}

// Memory is the in-process queue implementation.
type Memory struct {
	mu     sync.Mutex
	subs   []*Submission
	signal chan struct{}
	closed bool
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{signal: make(chan struct{}, 1)}
}

// Push adds a submission in priority order. Equal priorities keep
// insertion order.
func (q *Memory) Push(_ context.Context, sub *Submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if sub.EnqueuedAt.IsZero() {
		sub.EnqueuedAt = time.Now().UTC()
	}

	inserted := false
	for i, existing := range q.subs {
		if sub.Priority > existing.Priority {
			q.subs = append(q.subs[:i], append([]*Submission{sub}, q.subs[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.subs = append(q.subs, sub)
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the head submission, waiting for one if the queue is empty.
func (q *Memory) Pop(ctx context.Context) (*Submission, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.subs) > 0 {
			sub := q.subs[0]
			q.subs = q.subs[1:]
			q.mu.Unlock()
			return sub, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of waiting submissions.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

// Close marks the queue closed and wakes every blocked Pop.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}
