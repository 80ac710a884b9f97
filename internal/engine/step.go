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
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/sandcastle-hq/sandcastle/internal/log"
	"github.com/sandcastle-hq/sandcastle/internal/store"
	"github.com/sandcastle-hq/sandcastle/pkg/autopilot"
	"github.com/sandcastle-hq/sandcastle/pkg/errors"
	"github.com/sandcastle-hq/sandcastle/pkg/events"
	"github.com/sandcastle-hq/sandcastle/pkg/optimizer"
	"github.com/sandcastle-hq/sandcastle/pkg/policy"
	"github.com/sandcastle-hq/sandcastle/pkg/sandbox"
	"github.com/sandcastle-hq/sandcastle/pkg/workflow"
)

const maxRetryBackoff = 30 * time.Second

// fixedRetryDelay is the constant wait between attempts under fixed backoff.
const fixedRetryDelay = 2 * time.Second

// stepOutcome is the result of one standard step invocation.
type stepOutcome struct {
	output  any
	storage any
	webhook any
	cost    float64
	model   string

	// injected is set when a policy injected an approval gate
	injected   *policy.ApprovalConfig
	injectedBy string
}

// runStandardStep executes one sandbox call with routing, cache, retry,
// fallback, and policies. parallelIndex is nil for non-fanned steps.
func (e *Engine) runStandardStep(ctx context.Context, def *workflow.Definition, step workflow.StepDefinition, rc *workflow.RunContext, parallelIndex *int) (*stepOutcome, error) {
	row := &store.RunStep{
		RunID:         rc.RunID,
		StepID:        step.ID,
		ParallelIndex: parallelIndex,
		Status:        store.StepRunning,
		Attempt:       1,
		StartedAt:     timePtr(time.Now().UTC()),
	}
	if _, err := e.store.CreateStep(ctx, row); err != nil {
		return nil, err
	}
	e.bus.Publish(events.StepStarted, map[string]any{
		"run_id": rc.RunID, "step_id": step.ID,
	})

	outcome, err := e.executeStandard(ctx, def, step, rc, row)
	if err != nil {
		row.Status = store.StepFailed
		row.Error = err.Error()
		row.CompletedAt = timePtr(time.Now().UTC())
		if updateErr := e.store.UpdateStep(ctx, row); updateErr != nil {
			e.logger.Error("recording step failure", "step_id", step.ID, "error", updateErr)
		}
		e.bus.Publish(events.StepFailed, map[string]any{
			"run_id": rc.RunID, "step_id": step.ID, "error": err.Error(),
		})
		recordStep(def.Name, "failed")
		return nil, err
	}

	row.Status = store.StepCompleted
	row.Output = outcome.output
	row.CostUSD = outcome.cost
	row.Model = outcome.model
	row.CompletedAt = timePtr(time.Now().UTC())
	if row.StartedAt != nil {
		row.DurationSeconds = row.CompletedAt.Sub(*row.StartedAt).Seconds()
	}
	if err := e.store.UpdateStep(ctx, row); err != nil {
		e.logger.Error("recording step completion", "step_id", step.ID, "error", err)
	}
	log.WithStepContext(e.logger, rc.RunID, step.ID).Debug("step completed",
		log.ModelKey, row.Model,
		log.DurationKey, int64(row.DurationSeconds*1000),
	)
	e.bus.Publish(events.StepCompleted, map[string]any{
		"run_id": rc.RunID, "step_id": step.ID, "cost_usd": outcome.cost,
	})
	recordStep(def.Name, "completed")
	return outcome, nil
}

// executeStandard is the body of a standard step: variant and model
// selection, prompt resolution, cache, sandbox call, policies.
func (e *Engine) executeStandard(ctx context.Context, def *workflow.Definition, step workflow.StepDefinition, rc *workflow.RunContext, row *store.RunStep) (*stepOutcome, error) {
	exp, variant, err := e.selectVariant(ctx, def.Name, &step)
	if err != nil {
		e.logger.Warn("autopilot selection failed, running base step",
			"step_id", step.ID, "error", err)
		exp, variant = nil, nil
	}
	effective := autopilot.ApplyVariant(step, variant)

	model := def.EffectiveModel(&effective)
	maxTurns := def.EffectiveMaxTurns(&effective)
	if effective.ModelPool != nil {
		decision, err := e.route(ctx, def, &effective, rc)
		if err != nil {
			return nil, err
		}
		model = decision.Selected.Model
		if decision.Selected.MaxTurns > 0 {
			maxTurns = decision.Selected.MaxTurns
		}
		variantID := ""
		if variant != nil {
			variantID = variant.ID
		}
		if err := e.store.RecordRoutingDecision(ctx, rc.RunID, step.ID, variantID, decision, effective.SLO); err != nil {
			e.logger.Warn("recording routing decision", "step_id", step.ID, "error", err)
		}
	}
	if model == "" {
		return nil, &errors.ValidationError{
			Field:   "model",
			Message: fmt.Sprintf("step %s has no model and the workflow sets no default", step.ID),
		}
	}

	prompt, err := e.resolvePrompt(ctx, effective.Prompt, rc)
	if err != nil {
		return nil, err
	}
	log.Trace(log.WithStepContext(e.logger, rc.RunID, step.ID), "resolved prompt",
		slog.String("prompt", prompt),
		slog.String(log.ModelKey, model),
	)
	row.Prompt = prompt
	row.Model = model

	key := cacheKey(def.Name, step.ID, prompt, model)
	if !effective.NoCache {
		entry, hit, err := e.store.GetCacheEntry(ctx, key)
		if err != nil {
			e.logger.Warn("cache lookup failed", "step_id", step.ID, "error", err)
		} else if hit {
			recordCacheHit(def.Name)
			return &stepOutcome{output: entry.Output, cost: 0, model: model}, nil
		}
	}

	start := time.Now()
	result, err := e.callWithRetry(ctx, def, &effective, rc, row, prompt, model, maxTurns)
	if err != nil {
		return nil, err
	}

	var output any = result.Text
	if result.StructuredOutput != nil {
		output = result.StructuredOutput
	}
	cost := result.TotalCostUSD
	rc.AddCost(cost)
	if err := e.store.UpdateRunCost(ctx, rc.RunID, rc.TotalCost()); err != nil {
		e.logger.Warn("persisting run cost", "run_id", rc.RunID, "error", err)
	}

	outcome, err := e.applyPolicies(ctx, def, &effective, rc, row, output, cost)
	if err != nil {
		return nil, err
	}
	outcome.model = result.Model
	if outcome.model == "" {
		// callWithRetry updates row.Model when the fallback model served.
		outcome.model = row.Model
	}
	outcome.cost = cost

	if !effective.NoCache {
		if err := e.store.PutCacheEntry(ctx, store.CacheEntry{
			CacheKey: key,
			Output:   outcome.output,
			CostUSD:  cost,
		}); err != nil {
			e.logger.Warn("cache write failed", "step_id", step.ID, "error", err)
		}
	}

	if exp != nil && variant != nil {
		e.recordSample(ctx, exp, variant.ID, &effective, outcome.output, cost, time.Since(start))
	}

	if effective.CSVOutput != nil {
		value := outcome.storage
		if value == nil {
			value = outcome.output
		}
		if err := writeCSVOutput(ctx, e.blobs, effective.CSVOutput, rc.RunID, step.ID, value); err != nil {
			e.logger.Warn("csv output failed", "step_id", step.ID, "error", err)
		}
	}
	return outcome, nil
}

// callWithRetry drives the attempt loop and the one-shot fallback.
func (e *Engine) callWithRetry(ctx context.Context, def *workflow.Definition, step *workflow.StepDefinition, rc *workflow.RunContext, row *store.RunStep, prompt, model string, maxTurns int) (*sandbox.Result, error) {
	req := sandbox.Request{
		Prompt:       prompt,
		Model:        model,
		MaxTurns:     maxTurns,
		Timeout:      def.EffectiveTimeout(step),
		OutputFormat: step.OutputSchema,
	}

	retry := step.Retry
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		row.Attempt = attempt
		result, err := e.sandbox.Query(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		e.logger.Warn("step attempt failed",
			"step_id", step.ID,
			"attempt", attempt,
			"max_attempts", retry.MaxAttempts,
			"error", err,
		)
		if attempt < retry.MaxAttempts {
			if err := e.backoff(ctx, retry.Backoff, attempt); err != nil {
				return nil, err
			}
		}
	}

	if retry.OnFailure == workflow.FailureFallback && step.Fallback != nil {
		fb := *step.Fallback
		fbPrompt := prompt
		if fb.Prompt != "" {
			p, err := e.resolvePrompt(ctx, fb.Prompt, rc)
			if err != nil {
				return nil, err
			}
			fbPrompt = p
		}
		fbModel := model
		if fb.Model != "" {
			fbModel = fb.Model
		}
		e.logger.Info("running fallback", "step_id", step.ID, "model", fbModel)
		req.Prompt = fbPrompt
		req.Model = fbModel
		row.Attempt++
		result, err := e.sandbox.Query(ctx, req)
		if err == nil {
			row.Prompt = fbPrompt
			row.Model = fbModel
			return result, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("step %s failed after %d attempts: %w", step.ID, row.Attempt, lastErr)
}

// applyPolicies evaluates the step's effective policy list and persists
// violations. A block fails the step.
func (e *Engine) applyPolicies(ctx context.Context, def *workflow.Definition, step *workflow.StepDefinition, rc *workflow.RunContext, row *store.RunStep, output any, cost float64) (*stepOutcome, error) {
	policies, err := def.StepPolicySet(step)
	if err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		return &stepOutcome{output: output}, nil
	}

	result, err := e.policies.Evaluate(policies, policy.Input{
		Output:       output,
		StepID:       step.ID,
		RunID:        rc.RunID,
		StepCostUSD:  cost,
		TotalCostUSD: rc.TotalCost(),
	})
	if err != nil {
		return nil, err
	}

	for _, v := range result.Violations {
		if err := e.store.RecordPolicyViolation(ctx, store.PolicyViolationRecord{
			RunID:    rc.RunID,
			StepID:   step.ID,
			PolicyID: v.PolicyID,
			Severity: string(v.Severity),
			Action:   string(v.Action),
			Detail:   v.Detail,
			Modified: v.Modified,
		}); err != nil {
			e.logger.Warn("recording policy violation", "step_id", step.ID, "error", err)
		}
	}
	row.ViolationCount = len(result.Violations)
	for _, a := range result.Actions {
		row.ActionHistory = append(row.ActionHistory, string(a))
	}

	if result.Blocked {
		return nil, &errors.PolicyBlockError{
			PolicyID: blockedPolicyID(result.Violations),
			StepID:   step.ID,
			Reason:   result.BlockReason,
		}
	}

	return &stepOutcome{
		output:     result.Output,
		storage:    result.For(policy.TargetStorage),
		webhook:    result.For(policy.TargetWebhook),
		injected:   result.InjectApproval,
		injectedBy: result.InjectedBy,
	}, nil
}

// route asks the optimizer to pick a model from the step's pool.
func (e *Engine) route(ctx context.Context, def *workflow.Definition, step *workflow.StepDefinition, rc *workflow.RunContext) (*optimizer.Decision, error) {
	pool := step.ModelPool.Options
	if step.ModelPool.Auto {
		pool = nil
		for _, id := range e.registry.Models() {
			pool = append(pool, workflow.ModelOption{ID: id, Model: id})
		}
	}
	return e.router.Decide(ctx, optimizer.Input{
		Workflow:       def.Name,
		StepID:         step.ID,
		SLO:            step.SLO,
		Pool:           pool,
		BudgetPressure: rc.BudgetPressure(),
	})
}

// selectVariant applies the autopilot sample rate before asking the
// experimenter for a variant.
func (e *Engine) selectVariant(ctx context.Context, workflowName string, step *workflow.StepDefinition) (*autopilot.Experiment, *workflow.VariantConfig, error) {
	cfg := step.AutoPilot
	if cfg == nil || !cfg.Enabled {
		return nil, nil, nil
	}
	if cfg.SampleRate < 1 && e.sampleRand() >= cfg.SampleRate {
		return nil, nil, nil
	}
	return e.pilot.SelectVariant(ctx, workflowName, step)
}

// recordSample scores and records an autopilot sample; failures are
// logged, never fatal.
func (e *Engine) recordSample(ctx context.Context, exp *autopilot.Experiment, variantID string, step *workflow.StepDefinition, output any, cost float64, duration time.Duration) {
	quality, err := e.pilot.ScoreOutput(ctx, step, output)
	if err != nil {
		e.logger.Warn("autopilot scoring failed", "step_id", step.ID, "error", err)
		return
	}
	if err := e.pilot.RecordSample(ctx, exp, autopilot.Sample{
		VariantID: variantID,
		Output:    output,
		Quality:   quality,
		CostUSD:   cost,
		Duration:  duration,
	}); err != nil {
		e.logger.Warn("autopilot sample record failed", "step_id", step.ID, "error", err)
	}
	e.router.InvalidateStats(exp.Workflow, exp.StepID)
}

// resolvePrompt runs the context pass and then the storage pass.
func (e *Engine) resolvePrompt(ctx context.Context, template string, rc *workflow.RunContext) (string, error) {
	resolved := workflow.Resolve(template, rc)
	if e.blobs == nil {
		return resolved, nil
	}
	return workflow.ResolveStorage(ctx, resolved, e.blobs)
}

// cacheKey identifies a step invocation by everything that determines
// its output.
func cacheKey(workflowName, stepID, prompt, model string) string {
	h := sha256.New()
	h.Write([]byte(workflowName))
	h.Write([]byte{0})
	h.Write([]byte(stepID))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// sleepBackoff waits between retry attempts, honoring cancellation.
func sleepBackoff(ctx context.Context, kind workflow.BackoffKind, attempt int) error {
	delay := fixedRetryDelay
	if kind == workflow.BackoffExponential {
		delay = time.Duration(1<<attempt) * time.Second
		if delay > maxRetryBackoff {
			delay = maxRetryBackoff
		}
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func blockedPolicyID(violations []policy.Violation) string {
	for _, v := range violations {
		if v.Action == policy.ActionBlock {
			return v.PolicyID
		}
	}
	return ""
}

func timePtr(t time.Time) *time.Time { return &t }
