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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents workflow definition or input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ValidationErrors collects every validation failure found in one pass,
// so callers can report all problems at once instead of one per attempt.
type ValidationErrors []error

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Unwrap exposes the collected errors to errors.Is/As.
func (e ValidationErrors) Unwrap() []error {
	return e
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "workflow", "approval")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ProviderError represents a failure reported by an LLM sandbox backend.
type ProviderError struct {
	// Provider is the model provider name (e.g., "anthropic", "openai")
	Provider string

	// StatusCode is the HTTP status code, if the backend surfaced one
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Suggestion provides actionable guidance for resolution
	Suggestion string

	// Retriable marks errors that failover and retry may recover from
	Retriable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "storage.base_dir")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "sandbox call", "webhook delivery")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// BudgetError indicates a run crossed its max-cost budget.
type BudgetError struct {
	// RunID identifies the run that exceeded its budget
	RunID string

	// Spent is the accumulated cost in USD at the time of the check
	Spent float64

	// MaxCost is the configured budget in USD
	MaxCost float64
}

// Error implements the error interface.
func (e *BudgetError) Error() string {
	return fmt.Sprintf("run %s exceeded budget: spent $%.4f of $%.4f", e.RunID, e.Spent, e.MaxCost)
}

// DepthError indicates sub-workflow recursion exceeded the configured maximum.
type DepthError struct {
	// Workflow is the child workflow that could not be started
	Workflow string

	// Depth is the depth the child run would have had
	Depth int

	// MaxDepth is the configured recursion limit
	MaxDepth int
}

// Error implements the error interface.
func (e *DepthError) Error() string {
	return fmt.Sprintf("sub-workflow %s would exceed max depth: %d > %d", e.Workflow, e.Depth, e.MaxDepth)
}

// PolicyBlockError indicates a policy blocked a step's output.
type PolicyBlockError struct {
	// PolicyID identifies the blocking policy
	PolicyID string

	// StepID identifies the step whose output was blocked
	StepID string

	// Reason describes what triggered the block
	Reason string
}

// Error implements the error interface.
func (e *PolicyBlockError) Error() string {
	return fmt.Sprintf("policy %s blocked output of step %s: %s", e.PolicyID, e.StepID, e.Reason)
}
