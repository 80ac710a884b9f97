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

// Package daemon assembles the run store, blob storage, sandbox runtime,
// and execution engine into a long-running process: runs are submitted
// to a priority queue, a bounded worker pool drains it, and background
// loops sweep expired approvals and purge the step cache.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sandcastle-hq/sandcastle/internal/config"
	"github.com/sandcastle-hq/sandcastle/internal/engine"
	"github.com/sandcastle-hq/sandcastle/internal/log"
	"github.com/sandcastle-hq/sandcastle/internal/queue"
	"github.com/sandcastle-hq/sandcastle/internal/store"
	"github.com/sandcastle-hq/sandcastle/pkg/sandbox"
	"github.com/sandcastle-hq/sandcastle/pkg/storage"
	"github.com/sandcastle-hq/sandcastle/pkg/webhook"
)

// Daemon owns the wired components and their lifecycle.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	blobs   storage.Backend
	engine  *engine.Engine
	library *Library
	queue   *queue.Memory
	pool    *queue.Pool
}

// New wires a daemon from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(store.Config{Path: cfg.Store.Path, WAL: cfg.Store.WAL})
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}

	var blobs storage.Backend
	switch cfg.Storage.Backend {
	case "s3":
		blobs, err = storage.NewS3(ctx, cfg.Storage.S3)
	default:
		blobs, err = storage.NewLocal(cfg.Storage.BaseDir)
	}
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening storage backend: %w", err)
	}

	backend, err := sandbox.NewBackend(cfg.Sandbox.Backend)
	if err != nil {
		st.Close()
		return nil, err
	}
	registry := sandbox.NewRegistry()
	runtime := sandbox.NewRuntime(backend, registry, sandbox.RuntimeOptions{
		MaxConcurrent: int64(cfg.Sandbox.MaxConcurrent),
		Logger:        logger,
	})

	var limiter *rate.Limiter
	if cfg.Engine.WebhookRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Engine.WebhookRatePerSecond), 1)
	}

	library := NewLibrary(st, cfg.Daemon.WorkflowsDir)
	eng := engine.New(engine.Options{
		Store:    st,
		Sandbox:  runtime,
		Registry: registry,
		Library:  library,
		Blobs:    blobs,
		Webhooks: webhook.NewDispatcher(log.WithComponent(logger, "webhook"), limiter),
		Logger:   log.WithComponent(logger, "engine"),
		MaxDepth: cfg.Engine.MaxDepth,
	})

	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		blobs:   blobs,
		engine:  eng,
		library: library,
		queue:   queue.NewMemory(),
	}
	d.pool = queue.NewPool(d.queue, cfg.Daemon.Workers, d.handle, logger)
	return d, nil
}

// Store exposes the run store for command handlers.
func (d *Daemon) Store() *store.Store { return d.store }

// Engine exposes the execution engine.
func (d *Daemon) Engine() *engine.Engine { return d.engine }

// Library exposes the workflow library.
func (d *Daemon) Library() *Library { return d.library }

// SubmitRequest describes one run submission.
type SubmitRequest struct {
	Workflow       string
	Input          map[string]any
	MaxCost        float64
	IdempotencyKey string
	Tenant         string
	Priority       int
}

// Submit persists a run and enqueues it. When the idempotency key was
// seen before, the existing run is returned and created is false.
func (d *Daemon) Submit(ctx context.Context, req SubmitRequest) (run *store.Run, created bool, err error) {
	if _, err := d.library.Lookup(req.Workflow); err != nil {
		return nil, false, err
	}

	run = &store.Run{
		ID:             uuid.NewString(),
		Workflow:       req.Workflow,
		Input:          req.Input,
		Status:         store.RunQueued,
		MaxCost:        req.MaxCost,
		IdempotencyKey: req.IdempotencyKey,
		Tenant:         req.Tenant,
	}
	created, existing, err := d.store.CreateRun(ctx, run)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return existing, false, nil
	}

	if err := d.queue.Push(ctx, &queue.Submission{
		RunID:    run.ID,
		Workflow: run.Workflow,
		Priority: req.Priority,
	}); err != nil {
		return nil, false, err
	}
	d.logger.Info("run submitted", "run_id", run.ID, "workflow", run.Workflow)
	return run, true, nil
}

// Replay creates a new run that restarts a finished run from the given
// step, reusing earlier stage outputs from the source run's checkpoints.
// forkChanges is merged over the source input.
func (d *Daemon) Replay(ctx context.Context, sourceRunID, fromStep string, forkChanges map[string]any) (*store.Run, error) {
	source, err := d.store.GetRun(ctx, sourceRunID)
	if err != nil {
		return nil, err
	}
	if !source.Status.Terminal() {
		return nil, fmt.Errorf("run %s is %s; only finished runs can be replayed", sourceRunID, source.Status)
	}

	input := make(map[string]any, len(source.Input)+len(forkChanges))
	for k, v := range source.Input {
		input[k] = v
	}
	for k, v := range forkChanges {
		input[k] = v
	}

	run := &store.Run{
		ID:             uuid.NewString(),
		Workflow:       source.Workflow,
		Input:          input,
		Status:         store.RunQueued,
		MaxCost:        source.MaxCost,
		ParentRunID:    source.ID,
		ReplayFromStep: fromStep,
		ForkChanges:    forkChanges,
		Tenant:         source.Tenant,
	}
	if _, _, err := d.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := d.queue.Push(ctx, &queue.Submission{RunID: run.ID, Workflow: run.Workflow}); err != nil {
		return nil, err
	}
	d.logger.Info("run replay submitted",
		"run_id", run.ID,
		"source_run_id", source.ID,
		"from_step", fromStep,
	)
	return run, nil
}

// Cancel requests cancellation of a running run. The worker observes the
// status between stages.
func (d *Daemon) Cancel(ctx context.Context, runID string) (bool, error) {
	return d.store.CancelRun(ctx, runID)
}

// ResolveApproval records a reviewer decision and re-enqueues the run
// when the decision lets it continue.
func (d *Daemon) ResolveApproval(ctx context.Context, approvalID string, status store.ApprovalStatus, reviewerID, comment string, editedData any) error {
	req, changed, err := d.store.ResolveApproval(ctx, approvalID, status, reviewerID, comment, editedData)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	d.enqueueResume(ctx, req.RunID)
	return nil
}

// handle executes one dequeued submission: a fresh run from the start,
// a paused run from its checkpoint.
func (d *Daemon) handle(ctx context.Context, sub *queue.Submission) {
	run, err := d.store.GetRun(ctx, sub.RunID)
	if err != nil {
		d.logger.Error("loading queued run", "run_id", sub.RunID, "error", err)
		return
	}

	def, err := d.library.Lookup(run.Workflow)
	if err != nil {
		d.logger.Error("resolving workflow for run", "run_id", run.ID, "workflow", run.Workflow, "error", err)
		_ = d.store.FinishRun(ctx, run.ID, store.RunFailed, nil, run.TotalCost, err.Error())
		return
	}

	var outcome *engine.RunOutcome
	switch run.Status {
	case store.RunQueued:
		if run.ReplayFromStep != "" {
			outcome, err = d.engine.Replay(ctx, run.ParentRunID, run, def)
		} else {
			outcome, err = d.engine.Execute(ctx, run, def)
		}
	case store.RunAwaitingApproval:
		outcome, err = d.engine.Resume(ctx, run.ID, def)
	default:
		d.logger.Warn("skipping run in unexpected state", "run_id", run.ID, "status", string(run.Status))
		return
	}
	if err != nil {
		d.logger.Error("run execution failed", "run_id", run.ID, "error", err)
		return
	}
	d.logger.Info("run finished",
		"run_id", run.ID,
		"workflow", run.Workflow,
		"status", string(outcome.Status),
		"total_cost", outcome.TotalCost,
	)
}

// enqueueResume puts a paused run back on the queue.
func (d *Daemon) enqueueResume(ctx context.Context, runID string) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		d.logger.Error("loading run for resume", "run_id", runID, "error", err)
		return
	}
	if run.Status != store.RunAwaitingApproval {
		return
	}
	if err := d.queue.Push(ctx, &queue.Submission{RunID: runID, Workflow: run.Workflow}); err != nil {
		d.logger.Error("enqueueing resumed run", "run_id", runID, "error", err)
	}
}

// Run starts the worker pool and background loops, then blocks until the
// context is cancelled. Shutdown drains in-flight runs up to the
// configured drain timeout.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.library.SyncDir(ctx); err != nil {
		d.logger.Warn("workflow directory sync reported errors", "error", err)
	}

	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	poolDone := make(chan struct{})
	go func() {
		d.pool.Run(runCtx)
		close(poolDone)
	}()
	go d.engine.RunSweeper(runCtx, d.cfg.Engine.SweepInterval, d.enqueueResume)
	go d.purgeLoop(runCtx)

	d.logger.Info("daemon started",
		"workers", d.cfg.Daemon.Workers,
		"workflows_dir", d.cfg.Daemon.WorkflowsDir,
	)

	<-ctx.Done()
	d.logger.Info("daemon shutting down", "drain_timeout", d.cfg.Daemon.DrainTimeout.String())
	_ = d.queue.Close()

	select {
	case <-poolDone:
	case <-time.After(d.cfg.Daemon.DrainTimeout):
		d.logger.Warn("drain timeout reached, cancelling in-flight runs")
		cancelRuns()
		<-poolDone
	}
	return d.store.Close()
}

// purgeLoop periodically removes expired step-cache entries.
func (d *Daemon) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Engine.CachePurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := d.store.PurgeExpiredCache(ctx)
			if err != nil {
				d.logger.Warn("cache purge failed", "error", err)
			} else if purged > 0 {
				d.logger.Debug("purged expired cache entries", "count", purged)
			}
		}
	}
}
