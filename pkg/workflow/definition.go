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

// Package workflow provides Sandcastle workflow orchestration primitives.
//
// Workflow definitions are concise YAML documents: a named list of steps
// with declarative dependencies. Each step calls an LLM sandbox with a
// templated prompt, optionally fanning out over a list, pausing for human
// approval, or recursing into a sub-workflow. The planner layers steps
// into stages by dependency order; the execution engine drives the stages.
package workflow

import (
	"crypto/sha256"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/sandcastle-hq/sandcastle/pkg/errors"
	"github.com/sandcastle-hq/sandcastle/pkg/policy"
	"gopkg.in/yaml.v3"
)

// StepType identifies the behavior of a step.
type StepType string

const (
	// StepTypeStandard is a plain sandbox call.
	StepTypeStandard StepType = "standard"
	// StepTypeApproval pauses the run until a reviewer decides.
	StepTypeApproval StepType = "approval"
	// StepTypeSubWorkflow executes a child workflow recursively.
	StepTypeSubWorkflow StepType = "sub_workflow"
)

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	// BackoffFixed waits a constant delay between attempts.
	BackoffFixed BackoffKind = "fixed"
	// BackoffExponential waits 2^attempt seconds, capped at 30s.
	BackoffExponential BackoffKind = "exponential"
)

// FailureMode decides what the workflow does when a step exhausts retries.
type FailureMode string

const (
	// FailureAbort stops the run with a failed status.
	FailureAbort FailureMode = "abort"
	// FailureSkip records a null output and continues.
	FailureSkip FailureMode = "skip"
	// FailureFallback runs the step's fallback prompt/model once.
	FailureFallback FailureMode = "fallback"
)

// TimeoutAction decides what happens when an approval gate times out.
type TimeoutAction string

const (
	// TimeoutAbort fails the run on approval timeout.
	TimeoutAbort TimeoutAction = "abort"
	// TimeoutSkip continues the run with a null gate output.
	TimeoutSkip TimeoutAction = "skip"
)

// Definition represents a YAML workflow definition.
type Definition struct {
	// Name is the workflow identifier
	Name string `yaml:"name" json:"name"`

	// Description provides human-readable context about the workflow
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// SandstormURL overrides the cloud sandbox endpoint for this workflow
	SandstormURL string `yaml:"sandstorm_url,omitempty" json:"sandstorm_url,omitempty"`

	// DefaultModel is used by steps that do not set a model
	DefaultModel string `yaml:"default_model,omitempty" json:"default_model,omitempty"`

	// DefaultMaxTurns is used by steps that do not set max_turns
	DefaultMaxTurns int `yaml:"default_max_turns,omitempty" json:"default_max_turns,omitempty"`

	// DefaultTimeout is the per-step sandbox timeout in seconds (default 300)
	DefaultTimeout int `yaml:"default_timeout,omitempty" json:"default_timeout,omitempty"`

	// MaxConcurrency caps concurrent step executions within a stage
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`

	// Steps are the executable units of the workflow
	Steps []StepDefinition `yaml:"steps" json:"steps"`

	// OnComplete configures side effects of a successful run
	OnComplete *CompletionConfig `yaml:"on_complete,omitempty" json:"on_complete,omitempty"`

	// OnFailure configures side effects of a failed run
	OnFailure *FailureConfig `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`

	// Schedule optionally runs this workflow on a cron expression
	Schedule *ScheduleConfig `yaml:"schedule,omitempty" json:"schedule,omitempty"`

	// Policies are global policies applied to every step unless the step
	// narrows them with its own policies field
	Policies []policy.Definition `yaml:"policies,omitempty" json:"policies,omitempty"`

	// InputSchema optionally constrains the run input payload (JSON Schema shape)
	InputSchema map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
}

// StepDefinition represents a single step in a workflow.
type StepDefinition struct {
	// ID is the unique step identifier within this workflow
	ID string `yaml:"id" json:"id"`

	// Prompt is the sandbox prompt with {token} template support
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	// DependsOn lists step IDs that must complete before this step runs
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Model overrides the workflow default model
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// MaxTurns overrides the workflow default max turns
	MaxTurns int `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`

	// Timeout overrides the workflow default timeout (seconds)
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// ParallelOver fans this step out over a resolved list value.
	// Each invocation sees {input._item} and {input._index}.
	ParallelOver string `yaml:"parallel_over,omitempty" json:"parallel_over,omitempty"`

	// OutputSchema requests structured output matching this JSON Schema shape
	OutputSchema map[string]any `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`

	// Retry configures attempts, backoff, and the on-failure decision
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Fallback is a last-chance prompt/model pair after retries are exhausted
	Fallback *FallbackConfig `yaml:"fallback,omitempty" json:"fallback,omitempty"`

	// Type selects standard, approval, or sub_workflow behavior
	Type StepType `yaml:"type,omitempty" json:"type,omitempty"`

	// ApprovalConfig configures the approval gate (type=approval)
	ApprovalConfig *ApprovalConfig `yaml:"approval_config,omitempty" json:"approval_config,omitempty"`

	// SubWorkflow configures child workflow execution (type=sub_workflow)
	SubWorkflow *SubWorkflowConfig `yaml:"sub_workflow,omitempty" json:"sub_workflow,omitempty"`

	// AutoPilot configures A/B experimentation for this step
	AutoPilot *AutoPilotConfig `yaml:"autopilot,omitempty" json:"autopilot,omitempty"`

	// SLO constrains model routing for this step
	SLO *SLOConfig `yaml:"slo,omitempty" json:"slo,omitempty"`

	// ModelPool lists the candidate models the optimizer may route between,
	// or "auto" to let the registry supply candidates
	ModelPool *ModelPool `yaml:"model_pool,omitempty" json:"model_pool,omitempty"`

	// Policies narrows which policies apply to this step.
	// Absent means all global policies; an empty list means none.
	Policies *StepPolicies `yaml:"policies,omitempty" json:"policies,omitempty"`

	// CSVOutput appends the step output to a CSV file in storage
	CSVOutput *CSVOutputConfig `yaml:"csv_output,omitempty" json:"csv_output,omitempty"`

	// NoCache opts this step out of the step-result cache
	NoCache bool `yaml:"no_cache,omitempty" json:"no_cache,omitempty"`
}

// RetryConfig configures step retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (minimum 1)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// Backoff selects the delay curve: exponential or fixed
	Backoff BackoffKind `yaml:"backoff,omitempty" json:"backoff,omitempty"`

	// OnFailure decides the workflow-level reaction: abort, skip, fallback
	OnFailure FailureMode `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
}

// FallbackConfig is an alternate prompt/model tried once after retries fail.
type FallbackConfig struct {
	Prompt string `yaml:"prompt" json:"prompt"`
	Model  string `yaml:"model,omitempty" json:"model,omitempty"`
}

// ApprovalConfig configures an approval gate step.
type ApprovalConfig struct {
	// Message shown to the reviewer; template tokens are resolved first
	Message string `yaml:"message" json:"message"`

	// ShowData is a context path whose value is snapshotted for the reviewer
	ShowData string `yaml:"show_data,omitempty" json:"show_data,omitempty"`

	// TimeoutHours is how long the gate stays pending (default 24)
	TimeoutHours float64 `yaml:"timeout_hours,omitempty" json:"timeout_hours,omitempty"`

	// OnTimeout decides abort vs skip when the gate times out
	OnTimeout TimeoutAction `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty"`

	// AllowEdit lets the reviewer return edited data as the gate output
	AllowEdit bool `yaml:"allow_edit,omitempty" json:"allow_edit,omitempty"`
}

// SubWorkflowConfig configures a sub-workflow step.
type SubWorkflowConfig struct {
	// Workflow is the child workflow name
	Workflow string `yaml:"workflow" json:"workflow"`

	// InputMapping maps child input names to parent context expressions
	InputMapping map[string]string `yaml:"input_mapping,omitempty" json:"input_mapping,omitempty"`

	// OutputMapping maps parent output names to child output expressions
	OutputMapping map[string]string `yaml:"output_mapping,omitempty" json:"output_mapping,omitempty"`

	// MaxConcurrent caps concurrent child runs when fanned out
	MaxConcurrent int `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`

	// Timeout bounds the child run in seconds
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// AutoPilotConfig configures A/B experimentation for a step.
type AutoPilotConfig struct {
	Enabled          bool               `yaml:"enabled" json:"enabled"`
	OptimizeFor      string             `yaml:"optimize_for,omitempty" json:"optimize_for,omitempty"`
	Variants         []VariantConfig    `yaml:"variants" json:"variants"`
	MinSamples       int                `yaml:"min_samples,omitempty" json:"min_samples,omitempty"`
	AutoDeploy       bool               `yaml:"auto_deploy,omitempty" json:"auto_deploy,omitempty"`
	QualityThreshold float64            `yaml:"quality_threshold,omitempty" json:"quality_threshold,omitempty"`
	SampleRate       float64            `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`
	Evaluation       *EvaluationConfig  `yaml:"evaluation,omitempty" json:"evaluation,omitempty"`
}

// VariantConfig is one experiment arm: a partial step override.
type VariantConfig struct {
	ID       string `yaml:"id" json:"id"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
	Prompt   string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	MaxTurns int    `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
}

// EvaluationConfig selects how variant outputs are scored.
type EvaluationConfig struct {
	// Method is "schema" (completeness against output_schema) or "llm_judge"
	Method string `yaml:"method" json:"method"`

	// Criteria is the judging instruction for llm_judge
	Criteria string `yaml:"criteria,omitempty" json:"criteria,omitempty"`
}

// SLOConfig constrains model routing for a step.
type SLOConfig struct {
	// QualityMin is the quality floor in [0,1]
	QualityMin float64 `yaml:"quality_min,omitempty" json:"quality_min,omitempty"`

	// CostMaxUSD is the per-call cost cap
	CostMaxUSD float64 `yaml:"cost_max_usd,omitempty" json:"cost_max_usd,omitempty"`

	// LatencyMaxSeconds is the latency cap
	LatencyMaxSeconds float64 `yaml:"latency_max_seconds,omitempty" json:"latency_max_seconds,omitempty"`

	// OptimizeFor is cost, quality, latency, balanced, or pareto
	OptimizeFor string `yaml:"optimize_for,omitempty" json:"optimize_for,omitempty"`
}

// ModelOption is one candidate in a step's model pool.
type ModelOption struct {
	ID       string `yaml:"id" json:"id"`
	Model    string `yaml:"model" json:"model"`
	MaxTurns int    `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
}

// ModelPool is either the literal string "auto" or a list of model options.
type ModelPool struct {
	// Auto asks the provider registry to supply candidates
	Auto bool

	// Options are explicit candidates when Auto is false
	Options []ModelOption
}

// UnmarshalYAML accepts either "auto" or a sequence of model options.
func (p *ModelPool) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s != "auto" {
			return &errors.ValidationError{
				Field:      "model_pool",
				Message:    fmt.Sprintf("unsupported model_pool value %q", s),
				Suggestion: `use "auto" or a list of {id, model, max_turns} entries`,
			}
		}
		p.Auto = true
		return nil
	}
	return node.Decode(&p.Options)
}

// MarshalYAML renders "auto" or the option list.
func (p ModelPool) MarshalYAML() (any, error) {
	if p.Auto {
		return "auto", nil
	}
	return p.Options, nil
}

// StepPolicies distinguishes "field absent" (all global policies apply)
// from "empty list" (none apply) and carries a mix of id references and
// inline definitions.
type StepPolicies struct {
	// Refs are references to global policies by id
	Refs []string

	// Inline are policies defined directly on the step
	Inline []policy.Definition
}

// UnmarshalYAML accepts a sequence of strings (refs) and mappings (inline).
func (p *StepPolicies) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return &errors.ValidationError{
			Field:      "policies",
			Message:    "step policies must be a list",
			Suggestion: "use a list of policy ids and/or inline policy definitions",
		}
	}
	p.Refs = p.Refs[:0]
	p.Inline = p.Inline[:0]
	for _, item := range node.Content {
		if item.Kind == yaml.ScalarNode {
			var ref string
			if err := item.Decode(&ref); err != nil {
				return err
			}
			p.Refs = append(p.Refs, ref)
			continue
		}
		var def policy.Definition
		if err := item.Decode(&def); err != nil {
			return err
		}
		p.Inline = append(p.Inline, def)
	}
	return nil
}

// CSVOutputConfig appends step output rows to a CSV file in storage.
type CSVOutputConfig struct {
	// Directory is the storage prefix for generated files
	Directory string `yaml:"directory" json:"directory"`

	// Mode is new_file (one file per run) or append (shared file)
	Mode string `yaml:"mode" json:"mode"`

	// Filename overrides the generated name (append mode)
	Filename string `yaml:"filename,omitempty" json:"filename,omitempty"`
}

// CompletionConfig configures successful-run side effects.
type CompletionConfig struct {
	// Webhook to notify on completion
	Webhook *WebhookConfig `yaml:"webhook,omitempty" json:"webhook,omitempty"`

	// StoragePath receives the JSON-encoded step outputs; template tokens resolved
	StoragePath string `yaml:"storage_path,omitempty" json:"storage_path,omitempty"`
}

// FailureConfig configures failed-run side effects.
type FailureConfig struct {
	// Webhook to notify on failure or cancellation
	Webhook *WebhookConfig `yaml:"webhook,omitempty" json:"webhook,omitempty"`

	// DeadLetter records every failed step for manual triage
	DeadLetter bool `yaml:"dead_letter,omitempty" json:"dead_letter,omitempty"`
}

// WebhookConfig identifies a webhook target.
type WebhookConfig struct {
	URL        string `yaml:"url" json:"url"`
	Secret     string `yaml:"secret,omitempty" json:"secret,omitempty"`
	MaxRetries int    `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// ScheduleConfig runs the workflow on a cron expression.
// Scheduling itself lives outside the execution core.
type ScheduleConfig struct {
	Cron    string `yaml:"cron" json:"cron"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// envVarPattern matches ${NAME} references inside string scalars.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Parse parses a workflow definition from YAML bytes.
// ${NAME} references inside string scalars are replaced with the value of
// the corresponding environment variable; unset variables resolve to "".
func Parse(data []byte) (*Definition, error) {
	interpolated := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		name := m[2 : len(m)-1]
		return os.Getenv(name)
	})

	var def Definition
	if err := yaml.Unmarshal([]byte(interpolated), &def); err != nil {
		return nil, &errors.ValidationError{
			Field:      "workflow",
			Message:    fmt.Sprintf("invalid YAML: %s", err.Error()),
			Suggestion: "check indentation and field names against the workflow schema",
		}
	}

	def.applyDefaults()
	return &def, nil
}

// applyDefaults normalizes zero values after parsing.
func (d *Definition) applyDefaults() {
	if d.DefaultTimeout == 0 {
		d.DefaultTimeout = 300
	}
	if d.DefaultMaxTurns == 0 {
		d.DefaultMaxTurns = 1
	}
	if d.MaxConcurrency == 0 {
		d.MaxConcurrency = 5
	}
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Type == "" {
			step.Type = StepTypeStandard
		}
		if step.Retry == nil {
			step.Retry = &RetryConfig{MaxAttempts: 1}
		}
		if step.Retry.MaxAttempts < 1 {
			step.Retry.MaxAttempts = 1
		}
		if step.Retry.Backoff == "" {
			step.Retry.Backoff = BackoffExponential
		}
		if step.Retry.OnFailure == "" {
			step.Retry.OnFailure = FailureAbort
		}
		if step.ApprovalConfig != nil {
			if step.ApprovalConfig.TimeoutHours == 0 {
				step.ApprovalConfig.TimeoutHours = 24
			}
			if step.ApprovalConfig.OnTimeout == "" {
				step.ApprovalConfig.OnTimeout = TimeoutAbort
			}
		}
		if step.AutoPilot != nil {
			if step.AutoPilot.OptimizeFor == "" {
				step.AutoPilot.OptimizeFor = "quality"
			}
			if step.AutoPilot.MinSamples == 0 {
				step.AutoPilot.MinSamples = 10
			}
			if step.AutoPilot.SampleRate == 0 {
				step.AutoPilot.SampleRate = 1.0
			}
		}
	}
}

// Step returns the step with the given id, or nil.
func (d *Definition) Step(id string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// EffectiveModel returns the step model or the workflow default.
func (d *Definition) EffectiveModel(step *StepDefinition) string {
	if step.Model != "" {
		return step.Model
	}
	return d.DefaultModel
}

// EffectiveMaxTurns returns the step max_turns or the workflow default.
func (d *Definition) EffectiveMaxTurns(step *StepDefinition) int {
	if step.MaxTurns > 0 {
		return step.MaxTurns
	}
	return d.DefaultMaxTurns
}

// EffectiveTimeout returns the step timeout or the workflow default, in seconds.
func (d *Definition) EffectiveTimeout(step *StepDefinition) int {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return d.DefaultTimeout
}

// Checksum returns a stable content identity for version tracking.
// Key order in maps is normalized by the YAML round-trip at parse time,
// so identical definitions yield identical checksums.
func (d *Definition) Checksum() string {
	data, err := yaml.Marshal(d)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// PolicyByID returns the global policy with the given id, or nil.
func (d *Definition) PolicyByID(id string) *policy.Definition {
	for i := range d.Policies {
		if d.Policies[i].ID == id {
			return &d.Policies[i]
		}
	}
	return nil
}

// StepPolicySet resolves the effective policy list for a step.
// A nil Policies field means all global policies apply; an empty list
// means none; otherwise refs are looked up among globals and inline
// definitions are appended in order.
func (d *Definition) StepPolicySet(step *StepDefinition) ([]policy.Definition, error) {
	if step.Policies == nil {
		return d.Policies, nil
	}
	out := make([]policy.Definition, 0, len(step.Policies.Refs)+len(step.Policies.Inline))
	for _, ref := range step.Policies.Refs {
		p := d.PolicyByID(ref)
		if p == nil {
			return nil, &errors.NotFoundError{Resource: "policy", ID: ref}
		}
		out = append(out, *p)
	}
	out = append(out, step.Policies.Inline...)
	return out, nil
}

// trimmedName reports whether the workflow name is effectively empty.
func (d *Definition) trimmedName() string {
	return strings.TrimSpace(d.Name)
}
