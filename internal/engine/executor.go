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

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sandcastle-hq/sandcastle/internal/log"
	"github.com/sandcastle-hq/sandcastle/internal/store"
	"github.com/sandcastle-hq/sandcastle/pkg/errors"
	"github.com/sandcastle-hq/sandcastle/pkg/events"
	"github.com/sandcastle-hq/sandcastle/pkg/policy"
	"github.com/sandcastle-hq/sandcastle/pkg/webhook"
	"github.com/sandcastle-hq/sandcastle/pkg/workflow"
)

// budgetWarnThreshold triggers a budget.warning event once per run.
const budgetWarnThreshold = 0.8

// RunOutcome summarizes a finished or paused run.
type RunOutcome struct {
	Status     store.RunStatus
	Outputs    map[string]any
	TotalCost  float64
	Error      string
	ApprovalID string
}

// runState accumulates cross-step state while a run executes.
type runState struct {
	mu              sync.Mutex
	storageVariants map[string]any
	webhookVariants map[string]any
	pending         []*store.ApprovalRequest
	skipped         bool
}

func newRunState() *runState {
	return &runState{
		storageVariants: make(map[string]any),
		webhookVariants: make(map[string]any),
	}
}

func (st *runState) addPending(req *store.ApprovalRequest) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pending = append(st.pending, req)
}

func (st *runState) setVariants(stepID string, out *stepOutcome) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if out.storage != nil {
		st.storageVariants[stepID] = out.storage
	}
	if out.webhook != nil {
		st.webhookVariants[stepID] = out.webhook
	}
}

func (st *runState) markSkipped() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.skipped = true
}

// Execute runs a workflow from the beginning.
func (e *Engine) Execute(ctx context.Context, run *store.Run, def *workflow.Definition) (*RunOutcome, error) {
	plan, err := workflow.BuildPlan(def, e.registry.Known)
	if err != nil {
		_ = e.store.FinishRun(ctx, run.ID, store.RunFailed, nil, 0, err.Error())
		return &RunOutcome{Status: store.RunFailed, Error: err.Error()}, nil
	}

	rc := workflow.NewRunContext(run.ID, run.Input)
	rc.MaxCost = run.MaxCost
	if err := e.store.MarkRunStarted(ctx, run.ID); err != nil {
		return nil, err
	}
	e.bus.Publish(events.RunStarted, map[string]any{
		"run_id": run.ID, "workflow": def.Name,
	})

	return e.runStages(ctx, run, def, plan, rc, 0)
}

// Resume continues a paused run after its approval was resolved. The
// gate step's output is derived from the decision, the latest checkpoint
// is restored, and execution continues on the next stage.
func (e *Engine) Resume(ctx context.Context, runID string, def *workflow.Definition) (*RunOutcome, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunAwaitingApproval {
		return nil, fmt.Errorf("run %s is %s, not awaiting approval", runID, run.Status)
	}

	plan, err := workflow.BuildPlan(def, e.registry.Known)
	if err != nil {
		return nil, err
	}

	rc := workflow.NewRunContext(run.ID, run.Input)
	rc.MaxCost = run.MaxCost
	startStage := 0
	cp, found, err := e.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if found {
		costs := make([]float64, len(cp.Costs))
		copy(costs, cp.Costs)
		rc.Restore(workflow.Snapshot{StepOutputs: cp.StepOutputs, Costs: costs})
		startStage = cp.StageIndex + 1
	}

	approvals, err := e.store.ApprovalsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, a := range approvals {
		if a.Status == store.ApprovalPending {
			return nil, fmt.Errorf("run %s still has pending approval %s", runID, a.ID)
		}
	}

	steps, err := e.store.StepsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	gateSteps := make(map[string]*store.RunStep)
	for _, row := range steps {
		if row.Status == store.StepAwaitingApproval {
			gateSteps[row.StepID] = row
		}
	}

	fail := func(reason string) (*RunOutcome, error) {
		if err := e.store.MarkRunStarted(ctx, run.ID); err != nil {
			return nil, err
		}
		return e.finish(ctx, run, def, rc, newRunState(), store.RunFailed, reason), nil
	}

	for _, decision := range approvals {
		output, failReason := gateDecision(decision)
		if failReason != "" {
			return fail(failReason)
		}
		row, isGate := gateSteps[decision.StepID]
		if !isGate {
			// Injected approval: the step already has its output.
			continue
		}
		rc.SetOutput(row.StepID, output)
		row.Status = store.StepCompleted
		row.Output = output
		row.CompletedAt = timePtr(time.Now().UTC())
		if err := e.store.UpdateStep(ctx, row); err != nil {
			return nil, err
		}
	}

	if err := e.store.MarkRunStarted(ctx, run.ID); err != nil {
		return nil, err
	}
	return e.runStages(ctx, run, def, plan, rc, startStage)
}

// Replay executes a fresh run that restarts a source run from a chosen
// step. Stages before that step are not re-executed: their outputs come
// from the source run's checkpoints, copied into the new run so later
// pauses resume normally. The run's input already carries any fork
// changes.
func (e *Engine) Replay(ctx context.Context, sourceRunID string, run *store.Run, def *workflow.Definition) (*RunOutcome, error) {
	plan, err := workflow.BuildPlan(def, e.registry.Known)
	if err != nil {
		_ = e.store.FinishRun(ctx, run.ID, store.RunFailed, nil, 0, err.Error())
		return &RunOutcome{Status: store.RunFailed, Error: err.Error()}, nil
	}

	startStage := plan.StageOf(run.ReplayFromStep)
	if startStage < 0 {
		msg := fmt.Sprintf("replay step %s not in workflow %s", run.ReplayFromStep, def.Name)
		_ = e.store.FinishRun(ctx, run.ID, store.RunFailed, nil, 0, msg)
		return &RunOutcome{Status: store.RunFailed, Error: msg}, nil
	}

	rc := workflow.NewRunContext(run.ID, run.Input)
	rc.MaxCost = run.MaxCost
	for stage := 0; stage < startStage; stage++ {
		cp, found, err := e.store.GetCheckpoint(ctx, sourceRunID, stage)
		if err != nil {
			return nil, err
		}
		if !found {
			msg := fmt.Sprintf("source run %s has no checkpoint for stage %d", sourceRunID, stage)
			_ = e.store.FinishRun(ctx, run.ID, store.RunFailed, nil, 0, msg)
			return &RunOutcome{Status: store.RunFailed, Error: msg}, nil
		}
		rc.Restore(workflow.Snapshot{StepOutputs: cp.StepOutputs, Costs: cp.Costs})
		if err := e.store.SaveCheckpoint(ctx, store.Checkpoint{
			RunID:       run.ID,
			StageIndex:  stage,
			StepOutputs: cp.StepOutputs,
			Costs:       cp.Costs,
		}); err != nil {
			return nil, err
		}
	}

	if err := e.store.MarkRunStarted(ctx, run.ID); err != nil {
		return nil, err
	}
	e.bus.Publish(events.RunStarted, map[string]any{
		"run_id": run.ID, "workflow": def.Name, "replay_of": sourceRunID,
	})
	return e.runStages(ctx, run, def, plan, rc, startStage)
}

// gateDecision derives a gate step's output from its resolved approval:
// the edited data when the reviewer changed it, otherwise the request_data
// snapshot taken when the gate was created. failReason is non-empty when
// the decision fails the run.
func gateDecision(decision *store.ApprovalRequest) (output any, failReason string) {
	switch decision.Status {
	case store.ApprovalApproved:
		if decision.EditedData != nil {
			return decision.EditedData, ""
		}
		return decision.RequestData, ""
	case store.ApprovalSkipped:
		return nil, ""
	case store.ApprovalRejected:
		return nil, fmt.Sprintf("approval rejected by %s: %s", decision.ReviewerID, decision.Comment)
	default: // timed_out
		if decision.OnTimeout == string(workflow.TimeoutSkip) {
			return nil, ""
		}
		return nil, fmt.Sprintf("approval %s timed out", decision.ID)
	}
}

// runStages drives the stage loop from startStage to completion, pause,
// or failure.
func (e *Engine) runStages(ctx context.Context, run *store.Run, def *workflow.Definition, plan *workflow.Plan, rc *workflow.RunContext, startStage int) (*RunOutcome, error) {
	st := newRunState()
	rlog := log.WithRunContext(e.logger, run.ID, def.Name)
	warned := false

	for stageIdx := startStage; stageIdx < len(plan.Stages); stageIdx++ {
		if ctx.Err() != nil {
			return e.finish(ctx, run, def, rc, st, store.RunCancelled, "run cancelled"), nil
		}
		current, err := e.store.GetRun(ctx, run.ID)
		if err == nil && current.Status == store.RunCancelled {
			return e.finish(ctx, run, def, rc, st, store.RunCancelled, "run cancelled"), nil
		}

		if run.MaxCost > 0 && rc.TotalCost() >= run.MaxCost {
			budgetErr := &errors.BudgetError{RunID: run.ID, Spent: rc.TotalCost(), MaxCost: run.MaxCost}
			return e.finish(ctx, run, def, rc, st, store.RunBudgetExceeded, budgetErr.Error()), nil
		}
		if !warned && rc.BudgetPressure() >= budgetWarnThreshold {
			warned = true
			e.bus.Publish(events.BudgetWarning, map[string]any{
				"run_id":   run.ID,
				"spent":    rc.TotalCost(),
				"max_cost": run.MaxCost,
				"pressure": rc.BudgetPressure(),
			})
		}

		if err := e.runStage(ctx, run, def, rc, st, plan.Stages[stageIdx]); err != nil {
			return e.finish(ctx, run, def, rc, st, store.RunFailed, err.Error()), nil
		}

		if err := e.store.SaveCheckpoint(ctx, store.Checkpoint{
			RunID:       run.ID,
			StageIndex:  stageIdx,
			StepOutputs: rc.Outputs(),
			Costs:       rc.Costs(),
		}); err != nil {
			rlog.Warn("checkpoint save failed", log.StageKey, stageIdx, "error", err)
		}

		if len(st.pending) > 0 {
			if err := e.store.PauseRun(ctx, run.ID, rc.TotalCost()); err != nil {
				return nil, err
			}
			rlog.Info("run paused for approval", "approval_id", st.pending[0].ID)
			return &RunOutcome{
				Status:     store.RunAwaitingApproval,
				Outputs:    rc.Outputs(),
				TotalCost:  rc.TotalCost(),
				ApprovalID: st.pending[0].ID,
			}, nil
		}
	}

	status := store.RunCompleted
	if st.skipped {
		status = store.RunPartial
	}
	return e.finish(ctx, run, def, rc, st, status, ""), nil
}

// runStage executes one stage's steps concurrently, bounded by the
// workflow's max concurrency.
func (e *Engine) runStage(ctx context.Context, run *store.Run, def *workflow.Definition, rc *workflow.RunContext, st *runState, stage []string) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(def.MaxConcurrency)

	for _, stepID := range stage {
		step := *def.Step(stepID)
		group.Go(func() error {
			return e.dispatchStep(groupCtx, run, def, step, rc, st)
		})
	}
	return group.Wait()
}

// dispatchStep routes a step to its executor, handling fan-out and the
// on-failure decision.
func (e *Engine) dispatchStep(ctx context.Context, run *store.Run, def *workflow.Definition, step workflow.StepDefinition, rc *workflow.RunContext, st *runState) error {
	if step.Type == workflow.StepTypeApproval {
		return e.runApprovalGate(ctx, run, step, rc, st)
	}

	exec := func(ctx context.Context, itemRC *workflow.RunContext, idx *int) (*stepOutcome, error) {
		if step.Type == workflow.StepTypeSubWorkflow {
			return e.runSubWorkflow(ctx, run, step, itemRC, idx)
		}
		return e.runStandardStep(ctx, def, step, itemRC, idx)
	}

	if step.ParallelOver != "" {
		return e.runFanOut(ctx, run, def, step, rc, st, exec)
	}

	out, err := exec(ctx, rc, nil)
	if err != nil {
		return e.handleStepFailure(ctx, run, def, step, rc, st, nil, err)
	}
	rc.SetOutput(step.ID, out.output)
	st.setVariants(step.ID, out)
	if out.injected != nil {
		return e.createInjectedApproval(ctx, run, step.ID, out.injected, st)
	}
	return nil
}

// runFanOut executes a step once per item of the resolved list, in
// input order, collecting outputs positionally.
func (e *Engine) runFanOut(ctx context.Context, run *store.Run, def *workflow.Definition, step workflow.StepDefinition, rc *workflow.RunContext, st *runState, exec func(context.Context, *workflow.RunContext, *int) (*stepOutcome, error)) error {
	items, err := lookupList(step.ParallelOver, rc)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		rc.SetOutput(step.ID, []any{})
		return nil
	}

	results := make([]any, len(items))
	group, groupCtx := errgroup.WithContext(ctx)
	limit := def.MaxConcurrency
	if step.SubWorkflow != nil && step.SubWorkflow.MaxConcurrent > 0 {
		limit = step.SubWorkflow.MaxConcurrent
	}
	group.SetLimit(limit)

	for i, item := range items {
		itemRC := rc.ForItem(item, i)
		group.Go(func() error {
			idx := i
			out, err := exec(groupCtx, itemRC, &idx)
			if err != nil {
				if step.Retry.OnFailure == workflow.FailureSkip {
					e.deadLetter(groupCtx, run, def, step.ID, &idx, err)
					st.markSkipped()
					results[i] = nil
					return nil
				}
				return e.handleStepFailure(groupCtx, run, def, step, itemRC, st, &idx, err)
			}
			results[i] = out.output
			if out.injected != nil {
				return e.createInjectedApproval(groupCtx, run, step.ID, out.injected, st)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	rc.SetOutput(step.ID, results)
	return nil
}

// handleStepFailure applies the step's on-failure decision: skip records
// a null output and continues, anything else aborts the run.
func (e *Engine) handleStepFailure(ctx context.Context, run *store.Run, def *workflow.Definition, step workflow.StepDefinition, rc *workflow.RunContext, st *runState, idx *int, stepErr error) error {
	e.deadLetter(ctx, run, def, step.ID, idx, stepErr)
	if step.Retry.OnFailure == workflow.FailureSkip && idx == nil {
		rc.SetOutput(step.ID, nil)
		st.markSkipped()
		return nil
	}
	return stepErr
}

// deadLetter records a step failure for triage when the workflow opts in.
func (e *Engine) deadLetter(ctx context.Context, run *store.Run, def *workflow.Definition, stepID string, idx *int, stepErr error) {
	if def.OnFailure == nil || !def.OnFailure.DeadLetter {
		return
	}
	input, _ := json.Marshal(run.Input)
	item := &store.DeadLetterItem{
		RunID:         run.ID,
		StepID:        stepID,
		ParallelIndex: idx,
		Input:         string(input),
		Error:         stepErr.Error(),
		Attempts:      1,
	}
	if _, err := e.store.AddDeadLetter(ctx, item); err != nil {
		e.logger.Error("dead letter insert failed", "run_id", run.ID, "step_id", stepID, "error", err)
		return
	}
	e.bus.Publish(events.DLQNew, map[string]any{
		"run_id": run.ID, "step_id": stepID, "error": stepErr.Error(),
	})
}

// runApprovalGate creates the pending approval request and marks the
// gate step awaiting. The run pauses after the stage completes.
func (e *Engine) runApprovalGate(ctx context.Context, run *store.Run, step workflow.StepDefinition, rc *workflow.RunContext, st *runState) error {
	cfg := step.ApprovalConfig
	message := workflow.Resolve(cfg.Message, rc)

	var data any
	if cfg.ShowData != "" {
		path := strings.Trim(cfg.ShowData, "{}")
		if v, ok := rc.Lookup(path); ok {
			data = v
		}
	}

	req := &store.ApprovalRequest{
		ID:          uuid.NewString(),
		RunID:       run.ID,
		StepID:      step.ID,
		Message:     message,
		RequestData: data,
		AllowEdit:   cfg.AllowEdit,
		OnTimeout:   string(cfg.OnTimeout),
		TimeoutAt:   time.Now().UTC().Add(time.Duration(cfg.TimeoutHours * float64(time.Hour))),
	}
	if err := e.store.CreateApproval(ctx, req); err != nil {
		return err
	}

	row := &store.RunStep{
		RunID:     run.ID,
		StepID:    step.ID,
		Status:    store.StepAwaitingApproval,
		StartedAt: timePtr(time.Now().UTC()),
	}
	if _, err := e.store.CreateStep(ctx, row); err != nil {
		return err
	}
	st.addPending(req)
	return nil
}

// createInjectedApproval pauses the run after the stage because a policy
// demanded review of an already-produced output.
func (e *Engine) createInjectedApproval(ctx context.Context, run *store.Run, stepID string, cfg *policy.ApprovalConfig, st *runState) error {
	hours := cfg.TimeoutHours
	if hours == 0 {
		hours = 24
	}
	onTimeout := cfg.OnTimeout
	if onTimeout == "" {
		onTimeout = string(workflow.TimeoutAbort)
	}
	req := &store.ApprovalRequest{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		StepID:    stepID,
		Message:   cfg.Message,
		AllowEdit: cfg.AllowEdit,
		OnTimeout: onTimeout,
		TimeoutAt: time.Now().UTC().Add(time.Duration(hours * float64(time.Hour))),
	}
	if err := e.store.CreateApproval(ctx, req); err != nil {
		return err
	}
	st.addPending(req)
	return nil
}

// runSubWorkflow executes a child workflow synchronously and maps its
// outputs back into the parent.
func (e *Engine) runSubWorkflow(ctx context.Context, parent *store.Run, step workflow.StepDefinition, rc *workflow.RunContext, idx *int) (*stepOutcome, error) {
	cfg := step.SubWorkflow
	if e.library == nil {
		return nil, fmt.Errorf("step %s: no workflow library configured", step.ID)
	}
	childDef, err := e.library.Lookup(cfg.Workflow)
	if err != nil {
		return nil, err
	}

	depth := parent.Depth + 1
	if depth > e.maxDepth {
		return nil, &errors.DepthError{Workflow: cfg.Workflow, Depth: depth, MaxDepth: e.maxDepth}
	}

	input, err := mapInput(cfg.InputMapping, rc)
	if err != nil {
		return nil, err
	}

	childRun := &store.Run{
		ID:          uuid.NewString(),
		Workflow:    childDef.Name,
		Input:       input,
		Status:      store.RunQueued,
		ParentRunID: parent.ID,
		Depth:       depth,
		Tenant:      parent.Tenant,
	}
	if _, _, err := e.store.CreateRun(ctx, childRun); err != nil {
		return nil, err
	}

	row := &store.RunStep{
		RunID:         parent.ID,
		StepID:        step.ID,
		ParallelIndex: idx,
		Status:        store.StepRunning,
		SubRunIDs:     []string{childRun.ID},
		StartedAt:     timePtr(time.Now().UTC()),
	}
	if _, err := e.store.CreateStep(ctx, row); err != nil {
		return nil, err
	}

	childCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		childCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Second)
		defer cancel()
	}

	outcome, err := e.Execute(childCtx, childRun, childDef)
	if err == nil && outcome.Status == store.RunAwaitingApproval {
		err = fmt.Errorf("sub-workflow %s paused for approval; gates inside sub-workflows are not supported", cfg.Workflow)
	}
	if err == nil && outcome.Status != store.RunCompleted && outcome.Status != store.RunPartial {
		err = fmt.Errorf("sub-workflow %s %s: %s", cfg.Workflow, outcome.Status, outcome.Error)
	}
	if err != nil {
		row.Status = store.StepFailed
		row.Error = err.Error()
		row.CompletedAt = timePtr(time.Now().UTC())
		_ = e.store.UpdateStep(ctx, row)
		return nil, err
	}

	rc.AddCost(outcome.TotalCost)
	output, err := mapOutput(cfg.OutputMapping, outcome.Outputs)
	if err != nil {
		return nil, err
	}

	row.Status = store.StepCompleted
	row.Output = output
	row.CostUSD = outcome.TotalCost
	row.CompletedAt = timePtr(time.Now().UTC())
	if err := e.store.UpdateStep(ctx, row); err != nil {
		e.logger.Error("recording sub-workflow step", "step_id", step.ID, "error", err)
	}
	return &stepOutcome{output: output, cost: outcome.TotalCost}, nil
}

// finish writes the terminal run state and fires completion side effects.
func (e *Engine) finish(ctx context.Context, run *store.Run, def *workflow.Definition, rc *workflow.RunContext, st *runState, status store.RunStatus, errMsg string) *RunOutcome {
	outputs := rc.Outputs()
	totalCost := rc.TotalCost()

	// The terminal write and side effects must survive run cancellation.
	sideCtx := context.WithoutCancel(ctx)
	if err := e.store.FinishRun(sideCtx, run.ID, status, outputs, totalCost, errMsg); err != nil {
		e.logger.Error("finishing run", "run_id", run.ID, "status", string(status), "error", err)
	}
	recordRun(def.Name, string(status), totalCost)
	switch status {
	case store.RunCompleted, store.RunPartial:
		e.bus.Publish(events.RunCompleted, map[string]any{
			"run_id": run.ID, "workflow": def.Name, "status": string(status), "total_cost": totalCost,
		})
		e.onComplete(sideCtx, run, def, rc, st, status, outputs, totalCost)
	default:
		e.bus.Publish(events.RunFailed, map[string]any{
			"run_id": run.ID, "workflow": def.Name, "status": string(status), "error": errMsg,
		})
		e.onFailure(sideCtx, run, def, st, status, errMsg, totalCost)
	}

	return &RunOutcome{
		Status:    status,
		Outputs:   outputs,
		TotalCost: totalCost,
		Error:     errMsg,
	}
}

// onComplete writes the outputs blob and notifies the completion webhook.
func (e *Engine) onComplete(ctx context.Context, run *store.Run, def *workflow.Definition, rc *workflow.RunContext, st *runState, status store.RunStatus, outputs map[string]any, totalCost float64) {
	if def.OnComplete == nil {
		return
	}

	if def.OnComplete.StoragePath != "" && e.blobs != nil {
		key := workflow.Resolve(def.OnComplete.StoragePath, rc)
		stored := overlay(outputs, st.storageVariants)
		data, err := json.Marshal(stored)
		if err == nil {
			err = e.blobs.Write(ctx, key, string(data))
		}
		if err != nil {
			e.logger.Error("on_complete storage write failed", "run_id", run.ID, "key", key, "error", err)
		}
	}

	if hook := def.OnComplete.Webhook; hook != nil && e.webhooks != nil {
		e.webhooks.Deliver(ctx, webhook.Target{
			URL:        hook.URL,
			Secret:     hook.Secret,
			MaxRetries: hook.MaxRetries,
		}, webhook.Payload{
			Event:           webhook.EventCompleted,
			RunID:           run.ID,
			Workflow:        def.Name,
			Status:          string(status),
			Outputs:         overlay(outputs, st.webhookVariants),
			Costs:           totalCost,
			DurationSeconds: runDuration(run),
		})
	}
}

// onFailure notifies the failure webhook.
func (e *Engine) onFailure(ctx context.Context, run *store.Run, def *workflow.Definition, st *runState, status store.RunStatus, errMsg string, totalCost float64) {
	if def.OnFailure == nil || def.OnFailure.Webhook == nil || e.webhooks == nil {
		return
	}
	hook := def.OnFailure.Webhook
	e.webhooks.Deliver(ctx, webhook.Target{
		URL:        hook.URL,
		Secret:     hook.Secret,
		MaxRetries: hook.MaxRetries,
	}, webhook.Payload{
		Event:           webhook.EventFailed,
		RunID:           run.ID,
		Workflow:        def.Name,
		Status:          string(status),
		Costs:           totalCost,
		DurationSeconds: runDuration(run),
		Error:           errMsg,
	})
}

// lookupList resolves a parallel_over reference to a list. The reference
// may be written with or without template braces.
func lookupList(ref string, rc *workflow.RunContext) ([]any, error) {
	path := strings.Trim(ref, "{}")
	value, ok := rc.Lookup(path)
	if !ok {
		return nil, &errors.ValidationError{
			Field:      "parallel_over",
			Message:    fmt.Sprintf("reference %q resolved to nothing", ref),
			Suggestion: "point parallel_over at an input field or earlier step output holding a list",
		}
	}
	list, ok := value.([]any)
	if !ok {
		return nil, &errors.ValidationError{
			Field:   "parallel_over",
			Message: fmt.Sprintf("reference %q is not a list", ref),
		}
	}
	return list, nil
}

// overlay replaces step outputs with target-specific redacted variants.
func overlay(outputs map[string]any, variants map[string]any) map[string]any {
	if len(variants) == 0 {
		return outputs
	}
	out := make(map[string]any, len(outputs))
	for k, v := range outputs {
		out[k] = v
	}
	for k, v := range variants {
		if _, ok := out[k]; ok {
			out[k] = v
		}
	}
	return out
}

func runDuration(run *store.Run) float64 {
	if run.StartedAt == nil {
		return 0
	}
	return time.Since(*run.StartedAt).Seconds()
}
