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

// Package engine drives workflow runs: it executes planned stages,
// routes steps through the sandbox with retries and fallback, applies
// policies, persists checkpoints, and pauses runs at approval gates.
package engine

import (
	"context"
	"log/slog"
	"math/rand"

	"github.com/sandcastle-hq/sandcastle/internal/store"
	"github.com/sandcastle-hq/sandcastle/pkg/autopilot"
	"github.com/sandcastle-hq/sandcastle/pkg/events"
	"github.com/sandcastle-hq/sandcastle/pkg/optimizer"
	"github.com/sandcastle-hq/sandcastle/pkg/policy"
	"github.com/sandcastle-hq/sandcastle/pkg/sandbox"
	"github.com/sandcastle-hq/sandcastle/pkg/storage"
	"github.com/sandcastle-hq/sandcastle/pkg/webhook"
	"github.com/sandcastle-hq/sandcastle/pkg/workflow"
)

// defaultMaxDepth bounds sub-workflow recursion.
const defaultMaxDepth = 3

// Sandbox executes one resolved prompt. *sandbox.Runtime satisfies it;
// tests substitute a scripted implementation.
type Sandbox interface {
	Query(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

// Library resolves workflow names for sub-workflow steps.
type Library interface {
	Lookup(name string) (*workflow.Definition, error)
}

// Options configure an Engine.
type Options struct {
	Store    *store.Store
	Sandbox  Sandbox
	Registry *sandbox.Registry
	Library  Library
	Blobs    storage.Backend
	Bus      *events.Bus
	Webhooks *webhook.Dispatcher
	Logger   *slog.Logger

	// MaxDepth bounds sub-workflow recursion (default 3)
	MaxDepth int

	// Judge scores autopilot outputs under llm_judge evaluation
	Judge autopilot.Judge
}

// Engine executes workflow runs.
type Engine struct {
	store    *store.Store
	sandbox  Sandbox
	registry *sandbox.Registry
	library  Library
	blobs    storage.Backend
	bus      *events.Bus
	webhooks *webhook.Dispatcher
	policies *policy.Engine
	router   *optimizer.Optimizer
	pilot    *autopilot.Experimenter
	logger   *slog.Logger
	maxDepth int

	// sampleRand decides autopilot sampling; overridable in tests
	sampleRand func() float64

	// backoff waits between retry attempts; overridable in tests
	backoff func(ctx context.Context, kind workflow.BackoffKind, attempt int) error
}

// New creates an engine. The store doubles as the optimizer's history
// source and the experimenter's persistence.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	if opts.Registry == nil {
		opts.Registry = sandbox.NewRegistry()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}

	pricing := func(model string) float64 {
		m, err := opts.Registry.Get(model)
		if err != nil {
			return 0
		}
		return m.InputPrice
	}

	return &Engine{
		store:      opts.Store,
		sandbox:    opts.Sandbox,
		registry:   opts.Registry,
		library:    opts.Library,
		blobs:      opts.Blobs,
		bus:        opts.Bus,
		webhooks:   opts.Webhooks,
		policies:   policy.NewEngine(opts.Logger),
		router:     optimizer.New(opts.Store, pricing, opts.Logger),
		pilot:      autopilot.New(opts.Store, opts.Judge, opts.Logger),
		logger:     opts.Logger,
		maxDepth:   opts.MaxDepth,
		sampleRand: rand.Float64,
		backoff:    sleepBackoff,
	}
}

// Bus exposes the event bus for subscribers.
func (e *Engine) Bus() *events.Bus { return e.bus }
