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
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandcastle-hq/sandcastle/internal/store"
	"github.com/sandcastle-hq/sandcastle/pkg/errors"
	"github.com/sandcastle-hq/sandcastle/pkg/events"
	"github.com/sandcastle-hq/sandcastle/pkg/sandbox"
	"github.com/sandcastle-hq/sandcastle/pkg/storage"
	"github.com/sandcastle-hq/sandcastle/pkg/webhook"
	"github.com/sandcastle-hq/sandcastle/pkg/workflow"
)

// fakeSandbox scripts sandbox responses per request.
type fakeSandbox struct {
	mu      sync.Mutex
	calls   []sandbox.Request
	respond func(req sandbox.Request) (*sandbox.Result, error)
}

func (f *fakeSandbox) Query(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeSandbox) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSandbox) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Prompt
	}
	return out
}

func echoResult(text string, cost float64) *sandbox.Result {
	return &sandbox.Result{Text: text, TotalCostUSD: cost, NumTurns: 1}
}

type memLibrary map[string]*workflow.Definition

func (m memLibrary) Lookup(name string) (*workflow.Definition, error) {
	def, ok := m[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	return def, nil
}

type testEnv struct {
	engine *Engine
	store  *store.Store
	box    *fakeSandbox
	blobs  storage.Backend
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "engine.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	box := &fakeSandbox{respond: func(req sandbox.Request) (*sandbox.Result, error) {
		return echoResult("ok: "+req.Prompt, 0.01), nil
	}}

	opts := Options{
		Store:   st,
		Sandbox: box,
		Blobs:   blobs,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e := New(opts)
	e.backoff = func(context.Context, workflow.BackoffKind, int) error { return nil }
	return &testEnv{engine: e, store: st, box: box, blobs: blobs}
}

func parseDef(t *testing.T, yaml string) *workflow.Definition {
	t.Helper()
	def, err := workflow.Parse([]byte(yaml))
	require.NoError(t, err)
	return def
}

func (env *testEnv) newRun(t *testing.T, id, workflowName string, input map[string]any, maxCost float64) *store.Run {
	t.Helper()
	run := &store.Run{
		ID:       id,
		Workflow: workflowName,
		Input:    input,
		Status:   store.RunQueued,
		MaxCost:  maxCost,
	}
	created, _, err := env.store.CreateRun(context.Background(), run)
	require.NoError(t, err)
	require.True(t, created)
	return run
}

func TestExecuteLinearRun(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	def := parseDef(t, `
name: brief
default_model: haiku
steps:
  - id: draft
    prompt: "draft about {input.topic}"
  - id: polish
    prompt: "polish {steps.draft.output}"
    depends_on: [draft]
`)
	run := env.newRun(t, "run-1", "brief", map[string]any{"topic": "go"}, 0)

	ch, cancel := env.engine.Bus().Subscribe()
	defer cancel()

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, outcome.Status)
	assert.Equal(t, "ok: draft about go", outcome.Outputs["draft"])
	assert.Equal(t, "ok: polish ok: draft about go", outcome.Outputs["polish"])
	assert.InDelta(t, 0.02, outcome.TotalCost, 1e-9)

	stored, err := env.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, stored.Status)
	assert.InDelta(t, 0.02, stored.TotalCost, 1e-9)

	steps, err := env.store.StepsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)

	cp, found, err := env.store.LatestCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, cp.StageIndex)

	kinds := drainEvents(ch)
	assert.Contains(t, kinds, events.RunStarted)
	assert.Contains(t, kinds, events.StepCompleted)
	assert.Contains(t, kinds, events.RunCompleted)
}

func drainEvents(ch <-chan events.Event) []events.Kind {
	var kinds []events.Kind
	for {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
		default:
			return kinds
		}
	}
}

func TestExecuteRetryThenSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	failures := 1
	env.box.respond = func(req sandbox.Request) (*sandbox.Result, error) {
		if failures > 0 {
			failures--
			return nil, &errors.ProviderError{Provider: "anthropic", StatusCode: 500, Message: "upstream", Retriable: true}
		}
		return echoResult("recovered", 0.02), nil
	}

	def := parseDef(t, `
name: flaky
default_model: haiku
steps:
  - id: draft
    prompt: "draft"
    retry:
      max_attempts: 3
      backoff: fixed
`)
	run := env.newRun(t, "run-1", "flaky", nil, 0)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, outcome.Status)
	assert.Equal(t, "recovered", outcome.Outputs["draft"])
	assert.Equal(t, 2, env.box.callCount())

	steps, err := env.store.StepsForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, steps[0].Attempt)
}

func TestExecuteFallback(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.box.respond = func(req sandbox.Request) (*sandbox.Result, error) {
		if req.Model == "haiku" {
			return nil, fmt.Errorf("haiku unavailable")
		}
		return echoResult("fallback wins", 0.05), nil
	}

	def := parseDef(t, `
name: fb
default_model: haiku
steps:
  - id: draft
    prompt: "try hard"
    retry:
      max_attempts: 2
      on_failure: fallback
    fallback:
      prompt: "try simpler"
      model: sonnet
`)
	run := env.newRun(t, "run-1", "fb", nil, 0)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, outcome.Status)
	assert.Equal(t, "fallback wins", outcome.Outputs["draft"])
	assert.Equal(t, 3, env.box.callCount())

	steps, err := env.store.StepsForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "sonnet", steps[0].Model)
}

func TestExecuteBudgetExceeded(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.box.respond = func(req sandbox.Request) (*sandbox.Result, error) {
		return echoResult("pricey", 0.08), nil
	}

	def := parseDef(t, `
name: budget
default_model: haiku
steps:
  - id: a
    prompt: "one"
  - id: b
    prompt: "two"
    depends_on: [a]
`)
	run := env.newRun(t, "run-1", "budget", nil, 0.05)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunBudgetExceeded, outcome.Status)
	assert.Contains(t, outcome.Error, "exceeded budget")
	// Completed work is preserved.
	assert.Equal(t, "pricey", outcome.Outputs["a"])
	assert.Equal(t, 1, env.box.callCount())
}

func TestExecuteCancellation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.box.respond = func(req sandbox.Request) (*sandbox.Result, error) {
		cancel() // cancelled mid-run, after the first stage's call
		return echoResult("done anyway", 0.01), nil
	}

	def := parseDef(t, `
name: cancellable
default_model: haiku
steps:
  - id: a
    prompt: "one"
  - id: b
    prompt: "two"
    depends_on: [a]
`)
	run := env.newRun(t, "run-1", "cancellable", nil, 0)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, outcome.Status)
	assert.Equal(t, 1, env.box.callCount())

	stored, err := env.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, stored.Status)
}

func TestCancelViaStoreFiresFailureWebhook(t *testing.T) {
	var webhookBody []byte
	var posts int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		webhookBody = body
		posts++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	env := newTestEnv(t, func(opts *Options) {
		opts.Webhooks = webhook.NewDispatcher(nil, nil)
	})
	ctx := context.Background()

	// Cancellation lands through the store mid-run, the way an external
	// cancel request reaches a worker.
	env.box.respond = func(req sandbox.Request) (*sandbox.Result, error) {
		_, err := env.store.CancelRun(context.Background(), "run-1")
		require.NoError(t, err)
		return echoResult("done anyway", 0.01), nil
	}

	def := parseDef(t, `
name: cancellable
default_model: haiku
steps:
  - id: a
    prompt: "one"
  - id: b
    prompt: "two"
    depends_on: [a]
`)
	def.OnFailure = &workflow.FailureConfig{
		Webhook: &workflow.WebhookConfig{URL: server.URL},
	}
	run := env.newRun(t, "run-1", "cancellable", nil, 0)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, outcome.Status)
	assert.Equal(t, 1, env.box.callCount())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, posts)
	var payload webhook.Payload
	require.NoError(t, json.Unmarshal(webhookBody, &payload))
	assert.Equal(t, webhook.EventFailed, payload.Event)
	assert.Equal(t, string(store.RunCancelled), payload.Status)

	// The terminal row keeps the work done before cancellation.
	stored, err := env.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, stored.Status)
	assert.Equal(t, "done anyway", stored.Outputs["a"])
	assert.InDelta(t, 0.01, stored.TotalCost, 1e-9)
	require.NotNil(t, stored.CompletedAt)
}

func TestApprovalPauseAndResume(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	def := parseDef(t, `
name: gated
default_model: haiku
steps:
  - id: draft
    prompt: "draft {input.topic}"
  - id: gate
    type: approval
    depends_on: [draft]
    approval_config:
      message: "ship {steps.draft.output}?"
      show_data: "{steps.draft.output}"
      timeout_hours: 1
  - id: final
    prompt: "finalize {steps.gate.output}"
    depends_on: [gate]
`)
	run := env.newRun(t, "run-1", "gated", map[string]any{"topic": "launch"}, 0)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunAwaitingApproval, outcome.Status)
	require.NotEmpty(t, outcome.ApprovalID)
	assert.Equal(t, 1, env.box.callCount())

	req, err := env.store.GetApproval(ctx, outcome.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, "ship ok: draft launch?", req.Message)
	assert.Equal(t, "ok: draft launch", req.RequestData)

	_, changed, err := env.store.ResolveApproval(ctx, req.ID, store.ApprovalApproved, "alice", "ship it", nil)
	require.NoError(t, err)
	require.True(t, changed)

	resumed, err := env.engine.Resume(ctx, "run-1", def)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, resumed.Status)

	// A plain approval passes the request_data snapshot through the gate.
	assert.Equal(t, "ok: draft launch", resumed.Outputs["gate"])
	assert.Equal(t, "ok: finalize ok: draft launch", resumed.Outputs["final"])
}

func TestApprovalEditedDataReplacesGateOutput(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	def := parseDef(t, `
name: gated
default_model: haiku
steps:
  - id: draft
    prompt: "draft"
  - id: gate
    type: approval
    depends_on: [draft]
    approval_config:
      message: "edit before shipping"
      show_data: "{steps.draft.output}"
      allow_edit: true
      timeout_hours: 1
  - id: final
    prompt: "finalize {steps.gate.output}"
    depends_on: [gate]
`)
	run := env.newRun(t, "run-1", "gated", nil, 0)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	require.Equal(t, store.RunAwaitingApproval, outcome.Status)

	_, _, err = env.store.ResolveApproval(ctx, outcome.ApprovalID, store.ApprovalApproved, "alice", "tightened it", "a better draft")
	require.NoError(t, err)

	resumed, err := env.engine.Resume(ctx, "run-1", def)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, resumed.Status)
	assert.Equal(t, "a better draft", resumed.Outputs["gate"])
	assert.Equal(t, "ok: finalize a better draft", resumed.Outputs["final"])
}

func TestApprovalRejectionFailsRun(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	def := parseDef(t, `
name: gated
default_model: haiku
steps:
  - id: gate
    type: approval
    approval_config:
      message: "proceed?"
      timeout_hours: 1
`)
	run := env.newRun(t, "run-1", "gated", nil, 0)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	require.Equal(t, store.RunAwaitingApproval, outcome.Status)

	_, _, err = env.store.ResolveApproval(ctx, outcome.ApprovalID, store.ApprovalRejected, "bob", "too risky", nil)
	require.NoError(t, err)

	resumed, err := env.engine.Resume(ctx, "run-1", def)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, resumed.Status)
	assert.Contains(t, resumed.Error, "rejected by bob")
}

func TestPolicyRedactWebhookOnly(t *testing.T) {
	var webhookBody []byte
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		webhookBody = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	env := newTestEnv(t, func(opts *Options) {
		opts.Webhooks = webhook.NewDispatcher(nil, nil)
	})
	ctx := context.Background()

	env.box.respond = func(req sandbox.Request) (*sandbox.Result, error) {
		return echoResult("contact alice@example.com for details", 0.01), nil
	}

	def := parseDef(t, `
name: notify
default_model: haiku
policies:
  - id: pii
    trigger:
      output_contains: [email]
    action:
      type: redact
      replacement: "[EMAIL]"
      apply_to: [webhook]
steps:
  - id: draft
    prompt: "draft"
`)
	def.OnComplete = &workflow.CompletionConfig{
		Webhook: &workflow.WebhookConfig{URL: server.URL},
	}
	run := env.newRun(t, "run-1", "notify", nil, 0)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, outcome.Status)

	// In-memory and persisted outputs keep the raw value.
	assert.Equal(t, "contact alice@example.com for details", outcome.Outputs["draft"])

	mu.Lock()
	defer mu.Unlock()
	var payload webhook.Payload
	require.NoError(t, json.Unmarshal(webhookBody, &payload))
	assert.Equal(t, "contact [EMAIL] for details", payload.Outputs["draft"])

	violations, err := env.store.ViolationsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "pii", violations[0].PolicyID)
}

func TestPolicyBlockFailsStep(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.box.respond = func(req sandbox.Request) (*sandbox.Result, error) {
		return echoResult("the ssn is 123-45-6789", 0.01), nil
	}

	def := parseDef(t, `
name: guarded
default_model: haiku
policies:
  - id: no-ssn
    severity: critical
    trigger:
      output_contains: [ssn]
    action:
      type: block
steps:
  - id: draft
    prompt: "draft"
`)
	run := env.newRun(t, "run-1", "guarded", nil, 0)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "no-ssn")
}

func TestPolicyInjectedApproval(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.box.respond = func(req sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{
			StructuredOutput: map[string]any{"risk": 0.9, "plan": "deploy"},
			TotalCostUSD:     0.01,
		}, nil
	}

	def := parseDef(t, `
name: risky
default_model: haiku
policies:
  - id: high-risk
    trigger:
      condition: "output.risk > 0.5"
    action:
      type: inject_approval
      approval_config:
        message: "high risk output needs review"
steps:
  - id: plan
    prompt: "plan"
`)
	run := env.newRun(t, "run-1", "risky", nil, 0)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	require.Equal(t, store.RunAwaitingApproval, outcome.Status)
	// The step's own output is already recorded.
	assert.NotNil(t, outcome.Outputs["plan"])

	_, _, err = env.store.ResolveApproval(ctx, outcome.ApprovalID, store.ApprovalApproved, "alice", "", nil)
	require.NoError(t, err)

	resumed, err := env.engine.Resume(ctx, "run-1", def)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, resumed.Status)
	plan, ok := resumed.Outputs["plan"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "deploy", plan["plan"])
}

func TestFanOutOrdering(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	def := parseDef(t, `
name: fan
default_model: haiku
steps:
  - id: expand
    prompt: "expand {input._item}"
    parallel_over: "{input.items}"
`)
	run := env.newRun(t, "run-1", "fan", map[string]any{
		"items": []any{"alpha", "beta", "gamma"},
	}, 0)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, outcome.Status)

	results, ok := outcome.Outputs["expand"].([]any)
	require.True(t, ok)
	require.Len(t, results, 3)
	assert.Equal(t, "ok: expand alpha", results[0])
	assert.Equal(t, "ok: expand beta", results[1])
	assert.Equal(t, "ok: expand gamma", results[2])
}

func TestFanOutSkipRecordsDeadLetter(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.box.respond = func(req sandbox.Request) (*sandbox.Result, error) {
		if strings.Contains(req.Prompt, "bad") {
			return nil, fmt.Errorf("item rejected")
		}
		return echoResult("ok", 0.01), nil
	}

	def := parseDef(t, `
name: fan
default_model: haiku
on_failure:
  dead_letter: true
steps:
  - id: expand
    prompt: "do {input._item}"
    parallel_over: "{input.items}"
    retry:
      max_attempts: 1
      on_failure: skip
`)
	run := env.newRun(t, "run-1", "fan", map[string]any{
		"items": []any{"good", "bad"},
	}, 0)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunPartial, outcome.Status)

	results, ok := outcome.Outputs["expand"].([]any)
	require.True(t, ok)
	assert.Equal(t, "ok", results[0])
	assert.Nil(t, results[1])

	letters, err := env.store.UnresolvedDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "expand", letters[0].StepID)
	require.NotNil(t, letters[0].ParallelIndex)
	assert.Equal(t, 1, *letters[0].ParallelIndex)
}

func TestSubWorkflow(t *testing.T) {
	child := parseDef(t, `
name: child
default_model: haiku
steps:
  - id: echo
    prompt: "echo {input.topic}"
`)
	env := newTestEnv(t, func(opts *Options) {
		opts.Library = memLibrary{"child": child}
	})
	ctx := context.Background()

	def := parseDef(t, `
name: parent
default_model: haiku
steps:
  - id: sub
    type: sub_workflow
    sub_workflow:
      workflow: child
      input_mapping:
        topic: ".input.subject"
      output_mapping:
        echoed: ".outputs.echo"
`)
	run := env.newRun(t, "run-1", "parent", map[string]any{"subject": "tides"}, 0)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, outcome.Status)

	sub, ok := outcome.Outputs["sub"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok: echo tides", sub["echoed"])
	// Child cost rolls up into the parent.
	assert.InDelta(t, 0.01, outcome.TotalCost, 1e-9)

	children, err := env.store.ChildRuns(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "child", children[0].Workflow)
	assert.Equal(t, 1, children[0].Depth)
	assert.Equal(t, store.RunCompleted, children[0].Status)
}

func TestSubWorkflowDepthLimit(t *testing.T) {
	child := parseDef(t, `
name: child
default_model: haiku
steps:
  - id: echo
    prompt: "echo"
`)
	env := newTestEnv(t, func(opts *Options) {
		opts.Library = memLibrary{"child": child}
		opts.MaxDepth = 1
	})
	ctx := context.Background()

	def := parseDef(t, `
name: parent
default_model: haiku
steps:
  - id: sub
    type: sub_workflow
    sub_workflow:
      workflow: child
`)
	run := env.newRun(t, "run-1", "parent", nil, 0)
	run.Depth = 1

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "max depth")
}

func TestStepCacheAcrossRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	def := parseDef(t, `
name: cached
default_model: haiku
steps:
  - id: draft
    prompt: "draft about {input.topic}"
`)
	input := map[string]any{"topic": "caching"}

	first := env.newRun(t, "run-1", "cached", input, 0)
	outcome, err := env.engine.Execute(ctx, first, def)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, outcome.TotalCost, 1e-9)
	assert.Equal(t, 1, env.box.callCount())

	second := env.newRun(t, "run-2", "cached", input, 0)
	outcome, err = env.engine.Execute(ctx, second, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, outcome.Status)
	assert.Equal(t, "ok: draft about caching", outcome.Outputs["draft"])
	// Cache hit: no new sandbox call, zero cost.
	assert.Equal(t, 1, env.box.callCount())
	assert.Equal(t, 0.0, outcome.TotalCost)
}

func TestNoCacheOptOut(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	def := parseDef(t, `
name: fresh
default_model: haiku
steps:
  - id: draft
    prompt: "always fresh"
    no_cache: true
`)
	for i := 1; i <= 2; i++ {
		run := env.newRun(t, fmt.Sprintf("run-%d", i), "fresh", nil, 0)
		_, err := env.engine.Execute(ctx, run, def)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, env.box.callCount())
}

func TestSweepApprovalTimeoutAbort(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	def := parseDef(t, `
name: gated
default_model: haiku
steps:
  - id: gate
    type: approval
    approval_config:
      message: "proceed?"
      timeout_hours: 0.0000001
`)
	run := env.newRun(t, "run-1", "gated", nil, 0)
	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	require.Equal(t, store.RunAwaitingApproval, outcome.Status)

	time.Sleep(5 * time.Millisecond)
	resumable, err := env.engine.SweepApprovals(ctx)
	require.NoError(t, err)
	assert.Empty(t, resumable)

	stored, err := env.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, stored.Status)
	assert.Contains(t, stored.Error, "timed out")
}

func TestSweepApprovalTimeoutSkip(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	def := parseDef(t, `
name: gated
default_model: haiku
steps:
  - id: gate
    type: approval
    approval_config:
      message: "proceed?"
      timeout_hours: 0.0000001
      on_timeout: skip
`)
	run := env.newRun(t, "run-1", "gated", nil, 0)
	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	require.Equal(t, store.RunAwaitingApproval, outcome.Status)

	time.Sleep(5 * time.Millisecond)
	resumable, err := env.engine.SweepApprovals(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"run-1"}, resumable)

	resumed, err := env.engine.Resume(ctx, "run-1", def)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, resumed.Status)
	assert.Nil(t, resumed.Outputs["gate"])
}

func TestOnCompleteStorageWrite(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	def := parseDef(t, `
name: archived
default_model: haiku
on_complete:
  storage_path: "results/{run_id}.json"
steps:
  - id: draft
    prompt: "draft"
`)
	run := env.newRun(t, "run-1", "archived", nil, 0)
	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, outcome.Status)

	blob, found, err := env.blobs.Read(ctx, "results/run-1.json")
	require.NoError(t, err)
	require.True(t, found)
	var stored map[string]any
	require.NoError(t, json.Unmarshal([]byte(blob), &stored))
	assert.Equal(t, "ok: draft", stored["draft"])
}

func TestStoragePromptResolution(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.blobs.Write(ctx, "prompts/style.txt", "be terse"))

	def := parseDef(t, `
name: styled
default_model: haiku
steps:
  - id: draft
    prompt: "draft it; style: {storage.prompts/style.txt}"
`)
	run := env.newRun(t, "run-1", "styled", nil, 0)
	_, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)

	prompts := env.box.prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, "draft it; style: be terse", prompts[0])
}

func TestReplayFromStep(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	def := parseDef(t, `
name: brief
default_model: haiku
steps:
  - id: draft
    prompt: "draft about {input.topic}"
  - id: polish
    prompt: "polish {steps.draft.output} in {input.tone} tone"
    depends_on: [draft]
`)
	source := env.newRun(t, "run-1", "brief", map[string]any{"topic": "go", "tone": "dry"}, 0)
	outcome, err := env.engine.Execute(ctx, source, def)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, outcome.Status)
	require.Equal(t, 2, env.box.callCount())

	// Replay the polish step with a changed tone; draft must not re-run.
	replay := &store.Run{
		ID:             "run-2",
		Workflow:       "brief",
		Input:          map[string]any{"topic": "go", "tone": "warm"},
		Status:         store.RunQueued,
		ParentRunID:    "run-1",
		ReplayFromStep: "polish",
	}
	created, _, err := env.store.CreateRun(ctx, replay)
	require.NoError(t, err)
	require.True(t, created)

	outcome, err = env.engine.Replay(ctx, "run-1", replay, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, outcome.Status)
	assert.Equal(t, 3, env.box.callCount())
	assert.Equal(t, "ok: draft about go", outcome.Outputs["draft"])
	assert.Equal(t, "ok: polish ok: draft about go in warm tone", outcome.Outputs["polish"])
}

func TestReplayUnknownStepFailsRun(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	def := parseDef(t, `
name: brief
default_model: haiku
steps:
  - id: draft
    prompt: "draft"
`)
	replay := &store.Run{
		ID:             "run-2",
		Workflow:       "brief",
		Status:         store.RunQueued,
		ReplayFromStep: "ghost",
	}
	_, _, err := env.store.CreateRun(ctx, replay)
	require.NoError(t, err)

	outcome, err := env.engine.Replay(ctx, "run-1", replay, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "ghost")
	assert.Equal(t, 0, env.box.callCount())
}

func TestValidationFailureFailsRun(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	def := parseDef(t, `
name: broken
default_model: haiku
steps:
  - id: a
    prompt: "x"
    depends_on: [ghost]
`)
	run := env.newRun(t, "run-1", "broken", nil, 0)

	outcome, err := env.engine.Execute(ctx, run, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "ghost")
	assert.Equal(t, 0, env.box.callCount())
}
