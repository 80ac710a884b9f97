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

package workflow

import (
	"fmt"

	"github.com/sandcastle-hq/sandcastle/pkg/errors"
)

// validSLOObjectives are the accepted values for slo.optimize_for.
var validSLOObjectives = map[string]bool{
	"cost":     true,
	"quality":  true,
	"latency":  true,
	"balanced": true,
	"pareto":   true,
}

// ModelChecker reports whether a model id is known to the provider registry.
// A nil checker skips model validation.
type ModelChecker func(model string) bool

// Validate checks the workflow definition and returns every problem found.
// Errors are collected, not short-circuited, so a caller can report the
// full list in one pass. Cycle detection happens during planning.
func (d *Definition) Validate(knownModel ModelChecker) errors.ValidationErrors {
	var errs errors.ValidationErrors

	if d.trimmedName() == "" {
		errs = append(errs, &errors.ValidationError{
			Field:      "name",
			Message:    "workflow name is required",
			Suggestion: "add a non-empty name field",
		})
	}

	if len(d.Steps) == 0 {
		errs = append(errs, &errors.ValidationError{
			Field:      "steps",
			Message:    "workflow has no steps",
			Suggestion: "add at least one step",
		})
		return errs
	}

	ids := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			errs = append(errs, &errors.ValidationError{
				Field:      fmt.Sprintf("steps[%d].id", i),
				Message:    "step id is required",
				Suggestion: "give every step a unique id",
			})
			continue
		}
		if ids[step.ID] {
			errs = append(errs, &errors.ValidationError{
				Field:      fmt.Sprintf("steps.%s", step.ID),
				Message:    fmt.Sprintf("duplicate step id %q", step.ID),
				Suggestion: "step ids must be unique within a workflow",
			})
		}
		ids[step.ID] = true
	}

	for i := range d.Steps {
		step := &d.Steps[i]
		field := fmt.Sprintf("steps.%s", step.ID)

		for _, dep := range step.DependsOn {
			if !ids[dep] {
				errs = append(errs, &errors.ValidationError{
					Field:      field + ".depends_on",
					Message:    fmt.Sprintf("unknown dependency %q", dep),
					Suggestion: "depends_on entries must name existing step ids",
				})
			}
		}

		if step.Type == StepTypeApproval {
			if step.ApprovalConfig == nil || step.ApprovalConfig.Message == "" {
				errs = append(errs, &errors.ValidationError{
					Field:      field + ".approval_config",
					Message:    "approval step requires approval_config.message",
					Suggestion: "add a reviewer-facing message",
				})
			}
		}

		if step.Type == StepTypeSubWorkflow {
			if step.SubWorkflow == nil || step.SubWorkflow.Workflow == "" {
				errs = append(errs, &errors.ValidationError{
					Field:      field + ".sub_workflow",
					Message:    "sub_workflow step requires a child workflow name",
					Suggestion: "set sub_workflow.workflow",
				})
			}
		}

		if step.SLO != nil && step.SLO.OptimizeFor != "" && !validSLOObjectives[step.SLO.OptimizeFor] {
			errs = append(errs, &errors.ValidationError{
				Field:      field + ".slo.optimize_for",
				Message:    fmt.Sprintf("unknown objective %q", step.SLO.OptimizeFor),
				Suggestion: "use cost, quality, latency, balanced, or pareto",
			})
		}

		if knownModel != nil {
			if m := d.EffectiveModel(step); m != "" && !knownModel(m) {
				errs = append(errs, &errors.ValidationError{
					Field:      field + ".model",
					Message:    fmt.Sprintf("unknown model %q", m),
					Suggestion: "use a model id from the provider registry",
				})
			}
		}
	}

	return errs
}
