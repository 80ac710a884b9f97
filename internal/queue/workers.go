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

package queue

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Handler executes one dequeued submission.
type Handler func(ctx context.Context, sub *Submission)

// Pool pulls submissions off a queue and runs them concurrently,
// bounded by a worker count.
type Pool struct {
	queue   Queue
	handler Handler
	sem     *semaphore.Weighted
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewPool creates a worker pool over the queue. workers caps concurrent
// handler invocations; values below 1 mean a single worker.
func NewPool(q Queue, workers int, handler Handler, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:   q,
		handler: handler,
		sem:     semaphore.NewWeighted(int64(workers)),
		logger:  logger,
	}
}

// Run dispatches submissions until the context is cancelled or the
// queue is closed, then waits for in-flight handlers to finish.
func (p *Pool) Run(ctx context.Context) {
	defer p.wg.Wait()

	for {
		sub, err := p.queue.Pop(ctx)
		if err != nil {
			if err != context.Canceled && err != ErrClosed && ctx.Err() == nil {
				p.logger.Error("dequeue failed", "error", err)
			}
			return
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			// Shutting down; the submission stays unprocessed.
			p.logger.Warn("dropping submission on shutdown", "run_id", sub.RunID)
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.handler(ctx, sub)
		}()
	}
}
