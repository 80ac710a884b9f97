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

// Package policy evaluates declarative rules against step outputs.
//
// A policy pairs a trigger (pattern match over the output, or a safe
// boolean expression over the evaluation context) with an action: redact,
// block, alert, inject_approval, or log. Policies run in fixed list order;
// a block action stops evaluation, nothing else short-circuits.
package policy

// Severity ranks how serious a policy violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ActionType identifies what a triggered policy does.
type ActionType string

const (
	// ActionRedact substitutes pattern matches with a replacement string.
	ActionRedact ActionType = "redact"
	// ActionBlock prevents the output from flowing downstream.
	ActionBlock ActionType = "block"
	// ActionAlert logs at the policy severity without mutating anything.
	ActionAlert ActionType = "alert"
	// ActionInjectApproval pauses the run with an approval gate.
	ActionInjectApproval ActionType = "inject_approval"
	// ActionLog emits an info record.
	ActionLog ActionType = "log"
)

// Target identifies a downstream consumer a redacted variant applies to.
type Target string

const (
	// TargetOutput is the in-memory value passed to later steps and persisted.
	TargetOutput Target = "output"
	// TargetStorage is the value written to the storage backend.
	TargetStorage Target = "storage"
	// TargetWebhook is the value included in webhook payloads.
	TargetWebhook Target = "webhook"
)

// Definition is one declarative policy rule.
type Definition struct {
	// ID uniquely identifies the policy within a workflow
	ID string `yaml:"id" json:"id"`

	// Severity ranks violations of this policy (default medium)
	Severity Severity `yaml:"severity,omitempty" json:"severity,omitempty"`

	// Trigger decides when the policy fires
	Trigger Trigger `yaml:"trigger" json:"trigger"`

	// Action decides what happens when it fires
	Action Action `yaml:"action" json:"action"`
}

// Trigger decides when a policy fires. Exactly one of the fields is set.
type Trigger struct {
	// OutputContains fires when any pattern matches the output text.
	// Each entry is a named builtin (email, phone, ssn, credit_card)
	// or a custom regular expression.
	OutputContains []string `yaml:"output_contains,omitempty" json:"output_contains,omitempty"`

	// Condition fires when this safe expression evaluates true.
	// The context exposes output, step_id, run_id, step_cost_usd,
	// total_cost_usd. No function calls except len are permitted.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Action decides what a triggered policy does.
type Action struct {
	// Type selects redact, block, alert, inject_approval, or log
	Type ActionType `yaml:"type" json:"type"`

	// Replacement substitutes pattern matches for redact and block
	Replacement string `yaml:"replacement,omitempty" json:"replacement,omitempty"`

	// ApplyTo lists the downstream targets that see the redacted variant.
	// Empty means all targets.
	ApplyTo []Target `yaml:"apply_to,omitempty" json:"apply_to,omitempty"`

	// ApprovalConfig configures the injected gate for inject_approval
	ApprovalConfig *ApprovalConfig `yaml:"approval_config,omitempty" json:"approval_config,omitempty"`

	// Message is the alert/log text; template tokens are resolved by the caller
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

// ApprovalConfig configures an approval gate injected by a policy.
// Mirrors the step-level approval config without importing the workflow package.
type ApprovalConfig struct {
	Message      string  `yaml:"message" json:"message"`
	TimeoutHours float64 `yaml:"timeout_hours,omitempty" json:"timeout_hours,omitempty"`
	OnTimeout    string  `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty"`
	AllowEdit    bool    `yaml:"allow_edit,omitempty" json:"allow_edit,omitempty"`
}

// Violation records one policy firing against a step output.
type Violation struct {
	// PolicyID identifies the policy that fired
	PolicyID string `json:"policy_id"`

	// Severity is copied from the policy
	Severity Severity `json:"severity"`

	// Action is the action type that was taken
	Action ActionType `json:"action"`

	// Detail describes what triggered the policy (pattern name or condition)
	Detail string `json:"detail"`

	// Modified reports whether the output was changed
	Modified bool `json:"modified"`
}
