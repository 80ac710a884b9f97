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

// Package events provides a process-local publish/subscribe bus for run
// lifecycle notifications. Publishing never blocks: each subscriber has a
// bounded queue and events are dropped per-subscriber when it fills.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names a run lifecycle event.
type Kind string

const (
	RunStarted    Kind = "run.started"
	RunCompleted  Kind = "run.completed"
	RunFailed     Kind = "run.failed"
	StepStarted   Kind = "step.started"
	StepCompleted Kind = "step.completed"
	StepFailed    Kind = "step.failed"
	DLQNew        Kind = "dlq.new"
	BudgetWarning Kind = "budget.warning"
)

// Event is one bus message.
type Event struct {
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// subscriberCapacity bounds each subscriber queue.
const subscriberCapacity = 256

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	logger      *slog.Logger
	dropped     atomic.Uint64
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[int]chan Event),
		logger:      logger,
	}
}

// Subscribe allocates a bounded queue receiving every subsequent event.
// The returned cancel function releases the subscription and closes the
// channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberCapacity)
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
// Subscribers with full queues miss the event; a warning is logged.
func (b *Bus) Publish(kind Kind, payload map[string]any) {
	event := Event{
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber",
				"event", string(kind),
				"subscriber", id,
			)
		}
	}
}

// Dropped returns the total number of events dropped across subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
