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

package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
)

// Input is the evaluation context for one step output.
type Input struct {
	// Output is the step output value (string or JSON-shaped)
	Output any

	// StepID and RunID identify where the output came from
	StepID string
	RunID  string

	// StepCostUSD is the cost of the step that produced the output
	StepCostUSD float64

	// TotalCostUSD is the accumulated run cost including this step
	TotalCostUSD float64
}

// Outcome is the combined result of evaluating a policy list.
type Outcome struct {
	// Output is the in-memory value after any redaction targeting "output".
	// Later steps and persistence see this value.
	Output any

	// variants holds redacted values per downstream target
	variants map[Target]any

	// Blocked reports that a block policy fired
	Blocked bool

	// BlockReason describes the block trigger
	BlockReason string

	// InjectApproval is set when an inject_approval policy fired
	InjectApproval *ApprovalConfig

	// InjectedBy is the id of the policy that injected the approval
	InjectedBy string

	// Violations lists every policy that fired, in order
	Violations []Violation

	// Actions is the ordered action-type history
	Actions []ActionType
}

// For returns the output variant a downstream target should see.
func (o *Outcome) For(target Target) any {
	if v, ok := o.variants[target]; ok {
		return v
	}
	return o.Output
}

// Engine evaluates policy lists against step outputs.
type Engine struct {
	patterns *patternCache
	eval     *Evaluator
	logger   *slog.Logger
}

// NewEngine creates a policy engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		patterns: newPatternCache(),
		eval:     NewEvaluator(),
		logger:   logger,
	}
}

// Evaluate runs every policy in fixed list order against the input.
// Redactions mutate the in-memory output when the "output" target is
// included, so later policies see the redacted value. A block action
// stops evaluation; nothing else short-circuits.
func (e *Engine) Evaluate(policies []Definition, in Input) (*Outcome, error) {
	out := &Outcome{
		Output:   in.Output,
		variants: make(map[Target]any),
	}

	for i := range policies {
		p := &policies[i]
		severity := p.Severity
		if severity == "" {
			severity = SeverityMedium
		}

		fired, matched, err := e.triggered(p, in, out.Output)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.ID, err)
		}
		if !fired {
			continue
		}

		violation := Violation{
			PolicyID: p.ID,
			Severity: severity,
			Action:   p.Action.Type,
			Detail:   matched,
		}

		switch p.Action.Type {
		case ActionRedact:
			modified := e.applyRedaction(p, out)
			violation.Modified = modified

		case ActionBlock:
			// Redact first if patterns were provided, so the retained
			// violation record does not carry the raw sensitive value.
			if len(p.Trigger.OutputContains) > 0 && p.Action.Replacement != "" {
				e.applyRedaction(p, out)
				violation.Modified = true
			}
			out.Blocked = true
			out.BlockReason = fmt.Sprintf("policy %s: %s", p.ID, matched)

		case ActionInjectApproval:
			cfg := p.Action.ApprovalConfig
			if cfg == nil {
				cfg = &ApprovalConfig{Message: fmt.Sprintf("policy %s requires approval", p.ID)}
			}
			out.InjectApproval = cfg
			out.InjectedBy = p.ID

		case ActionAlert:
			e.logger.Warn("policy alert",
				"policy_id", p.ID,
				"severity", string(severity),
				"step_id", in.StepID,
				"run_id", in.RunID,
				"detail", matched,
			)

		case ActionLog:
			e.logger.Info("policy log",
				"policy_id", p.ID,
				"step_id", in.StepID,
				"run_id", in.RunID,
				"detail", matched,
			)

		default:
			e.logger.Warn("unknown policy action, treating as log",
				"policy_id", p.ID,
				"action", string(p.Action.Type),
			)
		}

		out.Violations = append(out.Violations, violation)
		out.Actions = append(out.Actions, p.Action.Type)

		if out.Blocked {
			break
		}
	}

	return out, nil
}

// triggered reports whether the policy fires against the current output,
// with a human-readable detail of what matched.
func (e *Engine) triggered(p *Definition, in Input, current any) (bool, string, error) {
	if len(p.Trigger.OutputContains) > 0 {
		text := ValueToText(current)
		for _, pattern := range p.Trigger.OutputContains {
			re, err := e.patterns.get(p.ID, pattern)
			if err != nil {
				return false, "", err
			}
			if re.MatchString(text) {
				return true, "output_contains: " + pattern, nil
			}
		}
		return false, "", nil
	}

	if p.Trigger.Condition != "" {
		ok, err := e.eval.Evaluate(p.Trigger.Condition, ConditionInput{
			Output:       current,
			StepID:       in.StepID,
			RunID:        in.RunID,
			StepCostUSD:  in.StepCostUSD,
			TotalCostUSD: in.TotalCostUSD,
		})
		if err != nil {
			return false, "", err
		}
		return ok, "condition: " + p.Trigger.Condition, nil
	}

	return false, "", nil
}

// applyRedaction builds redacted variants for the policy's targets and
// reports whether the in-memory output was modified.
func (e *Engine) applyRedaction(p *Definition, out *Outcome) bool {
	replacement := p.Action.Replacement
	if replacement == "" {
		replacement = "[REDACTED]"
	}

	targets := p.Action.ApplyTo
	if len(targets) == 0 {
		targets = []Target{TargetOutput, TargetStorage, TargetWebhook}
	}

	var regexps []*regexp.Regexp
	for _, pattern := range p.Trigger.OutputContains {
		re, err := e.patterns.get(p.ID, pattern)
		if err != nil {
			continue
		}
		regexps = append(regexps, re)
	}
	if len(regexps) == 0 {
		return false
	}

	modified := false
	for _, target := range targets {
		base := out.For(target)
		redacted := base
		for _, re := range regexps {
			redacted = redactValue(redacted, re, replacement)
		}
		if target == TargetOutput {
			out.Output = redacted
			modified = true
		} else {
			out.variants[target] = redacted
		}
	}
	return modified
}

// redactValue replaces pattern matches in every string reachable from v.
func redactValue(v any, re *regexp.Regexp, replacement string) any {
	switch val := v.(type) {
	case string:
		return re.ReplaceAllString(val, replacement)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = redactValue(item, re, replacement)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, re, replacement)
		}
		return out
	default:
		return v
	}
}

// ValueToText renders a value for pattern matching: strings as-is,
// everything else JSON-encoded.
func ValueToText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
