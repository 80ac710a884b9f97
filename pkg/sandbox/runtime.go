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

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sandcastle-hq/sandcastle/internal/log"
	"github.com/sandcastle-hq/sandcastle/pkg/errors"
)

// defaultMaxConcurrent caps simultaneous sandbox executions per process.
const defaultMaxConcurrent = 5

// safetyMargin extends the per-call deadline past the backend's own
// timeout so the backend gets first chance to report its own expiry.
const safetyMargin = 30 * time.Second

// RuntimeOptions tune a Runtime.
type RuntimeOptions struct {
	// MaxConcurrent caps simultaneous executions (default 5)
	MaxConcurrent int64

	// Logger receives structured execution logs
	Logger *slog.Logger

	// cooldowns overrides the shared map, for tests
	cooldowns *cooldownMap
}

// Runtime is the single entry point for executing prompts. It wraps one
// backend and layers a concurrency semaphore, health caching, retriable
// error detection, and model failover above it.
type Runtime struct {
	backend   Backend
	registry  *Registry
	sem       *semaphore.Weighted
	cooldowns *cooldownMap
	health    *healthCache
	logger    *slog.Logger
}

// NewRuntime creates a runtime over the given backend.
func NewRuntime(backend Backend, registry *Registry, opts RuntimeOptions) *Runtime {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cooldowns := opts.cooldowns
	if cooldowns == nil {
		cooldowns = sharedCooldowns
	}
	return &Runtime{
		backend:   backend,
		registry:  registry,
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		cooldowns: cooldowns,
		health:    newHealthCache(),
		logger:    opts.Logger,
	}
}

// Registry exposes the model table.
func (r *Runtime) Registry() *Registry { return r.registry }

// Query executes the request and returns the final result, failing over
// to alternative models on retriable errors. The returned result records
// which model actually served the call.
func (r *Runtime) Query(ctx context.Context, req Request) (*Result, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	candidates, err := r.candidates(req.Model)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, model := range candidates {
		if i > 0 && !r.usable(model) {
			continue
		}

		result, err := r.runOnce(ctx, req, model)
		if err == nil {
			result.Model = model.ID
			if i > 0 {
				r.logger.Info("sandbox failover succeeded",
					"model", model.ID,
					"primary", req.Model,
					"attempt", i+1,
				)
				recordFailover(req.Model, model.ID)
			}
			return result, nil
		}

		lastErr = err
		if !IsRetriable(err) {
			return nil, err
		}

		r.cooldowns.mark(cooldownKey(model))
		r.logger.Warn("retriable sandbox error, trying alternative",
			"model", model.ID,
			"api_key", log.SanitizeAPIKey(keyValue(model)),
			"error", err,
		)
	}

	if lastErr == nil {
		lastErr = &errors.ProviderError{
			Provider: r.backend.Name(),
			Message:  fmt.Sprintf("no usable model for %s: all keys missing or cooling down", req.Model),
		}
	}
	return nil, fmt.Errorf("failover exhausted for model %s: %w", req.Model, lastErr)
}

// QueryStream executes the request and yields events as they arrive.
// Failover happens transparently: a retriable error event is swallowed,
// the offending key is marked for cooldown, and the stream restarts on
// the next alternative. Non-retriable errors pass through as error events.
func (r *Runtime) QueryStream(ctx context.Context, req Request) (<-chan Event, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	candidates, err := r.candidates(req.Model)
	if err != nil {
		r.sem.Release(1)
		return nil, err
	}

	out := make(chan Event, eventQueueSize)
	go func() {
		defer r.sem.Release(1)
		defer close(out)

		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var lastErr error
		for i, model := range candidates {
			if i > 0 && !r.usable(model) {
				continue
			}
			if i > 0 {
				if !emit(Event{Type: EventSystem, Payload: map[string]any{
					"failover": model.ID,
					"primary":  req.Model,
				}}) {
					return
				}
				recordFailover(req.Model, model.ID)
			}

			done, err := r.streamOnce(ctx, req, model, emit)
			if done {
				return
			}
			if err == nil {
				// Context cancelled mid-stream.
				return
			}
			lastErr = err
			if !IsRetriable(err) {
				emit(Event{Type: EventError, Payload: map[string]any{"error": err.Error()}})
				return
			}
			r.cooldowns.mark(cooldownKey(model))
		}

		msg := "failover exhausted"
		if lastErr != nil {
			msg = fmt.Sprintf("failover exhausted: %s", lastErr.Error())
		}
		emit(Event{Type: EventError, Payload: map[string]any{"error": msg}})
	}()

	return out, nil
}

// candidates builds the ordered model chain: the primary first, then the
// registry's failover alternatives.
func (r *Runtime) candidates(modelID string) ([]ModelInfo, error) {
	primary, err := r.registry.Get(modelID)
	if err != nil {
		return nil, err
	}
	return append([]ModelInfo{primary}, r.registry.Alternatives(modelID)...), nil
}

// usable reports whether an alternative's key is configured and not on
// cooldown. The primary is always attempted so missing-key errors surface
// descriptively.
func (r *Runtime) usable(model ModelInfo) bool {
	if !r.registry.KeyConfigured(model) {
		return false
	}
	return !r.cooldowns.active(cooldownKey(model))
}

// runOnce executes one model attempt and collects the stream into a Result.
func (r *Runtime) runOnce(ctx context.Context, req Request, model ModelInfo) (*Result, error) {
	if err := r.health.check(ctx, r.backend); err != nil {
		return nil, err
	}

	timeout := time.Duration(req.Timeout)*time.Second + safetyMargin
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	events, err := r.backend.Stream(callCtx, req, model)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	var sawResult bool
	for ev := range events {
		switch ev.Type {
		case EventError:
			return nil, classifyEventError(r.backend.Name(), ev)
		case EventResult:
			sawResult = true
			applyResultEvent(result, ev)
		case EventAssistant:
			if t := ev.Text(); t != "" {
				result.Text = t
			}
		}
	}

	if err := callCtx.Err(); err != nil && !sawResult {
		if ctx.Err() != nil {
			// Caller cancellation, not a provider fault.
			return nil, ctx.Err()
		}
		return nil, &errors.TimeoutError{
			Operation: "sandbox call",
			Duration:  timeout,
			Cause:     err,
		}
	}
	if !sawResult {
		return nil, &errors.ProviderError{
			Provider:  model.Provider,
			Message:   "stream ended without a result event",
			Retriable: true,
		}
	}

	result.Duration = time.Since(start)
	recordExecution(r.backend.Name(), model.ID, result.Duration, result.TotalCostUSD)
	return result, nil
}

// streamOnce forwards one model attempt's events. It returns done=true
// when a result event was delivered (the stream completed), and an error
// when the attempt failed before completing.
func (r *Runtime) streamOnce(ctx context.Context, req Request, model ModelInfo, emit func(Event) bool) (bool, error) {
	if err := r.health.check(ctx, r.backend); err != nil {
		return false, err
	}

	timeout := time.Duration(req.Timeout)*time.Second + safetyMargin
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events, err := r.backend.Stream(callCtx, req, model)
	if err != nil {
		return false, err
	}

	completed := false
	for ev := range events {
		if ev.Type == EventError {
			err := classifyEventError(r.backend.Name(), ev)
			if IsRetriable(err) {
				return false, err
			}
			emit(ev)
			return true, nil
		}
		if !emit(ev) {
			return false, nil
		}
		if ev.Type == EventResult {
			completed = true
		}
	}
	if completed {
		recordExecution(r.backend.Name(), model.ID, 0, 0)
		return true, nil
	}
	return false, &errors.ProviderError{
		Provider:  model.Provider,
		Message:   "stream ended without a result event",
		Retriable: true,
	}
}

// applyResultEvent copies the result event payload into the Result.
func applyResultEvent(result *Result, ev Event) {
	if t, ok := ev.Payload["text"].(string); ok && t != "" {
		result.Text = t
	}
	if cost, ok := ev.Payload["total_cost_usd"].(float64); ok {
		result.TotalCostUSD = cost
	}
	if turns, ok := ev.Payload["num_turns"].(float64); ok {
		result.NumTurns = int(turns)
	}
	if structured, ok := ev.Payload["structured_output"].(map[string]any); ok {
		result.StructuredOutput = structured
	}
}
