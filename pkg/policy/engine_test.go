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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineRedactBuiltinPattern(t *testing.T) {
	engine := NewEngine(nil)

	policies := []Definition{
		{
			ID:       "pii-email",
			Severity: SeverityHigh,
			Trigger:  Trigger{OutputContains: []string{"email"}},
			Action:   Action{Type: ActionRedact, Replacement: "[REDACTED]"},
		},
	}

	out, err := engine.Evaluate(policies, Input{
		Output: "contact alice@example.com for details",
		StepID: "summarize",
		RunID:  "run-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "contact [REDACTED] for details", out.Output)
	assert.False(t, out.Blocked)
	require.Len(t, out.Violations, 1)
	assert.Equal(t, "pii-email", out.Violations[0].PolicyID)
	assert.Equal(t, SeverityHigh, out.Violations[0].Severity)
	assert.True(t, out.Violations[0].Modified)
}

func TestEngineRedactTargetVariants(t *testing.T) {
	engine := NewEngine(nil)

	policies := []Definition{
		{
			ID:      "pii-webhook-only",
			Trigger: Trigger{OutputContains: []string{"ssn"}},
			Action: Action{
				Type:        ActionRedact,
				Replacement: "[SSN]",
				ApplyTo:     []Target{TargetWebhook},
			},
		},
	}

	raw := "ssn is 123-45-6789"
	out, err := engine.Evaluate(policies, Input{Output: raw})
	require.NoError(t, err)

	// In-memory and storage views keep the original value.
	assert.Equal(t, raw, out.Output)
	assert.Equal(t, raw, out.For(TargetStorage))
	assert.Equal(t, "ssn is [SSN]", out.For(TargetWebhook))
	require.Len(t, out.Violations, 1)
	assert.False(t, out.Violations[0].Modified)
}

func TestEngineRedactStructuredOutput(t *testing.T) {
	engine := NewEngine(nil)

	policies := []Definition{
		{
			ID:      "pii-email",
			Trigger: Trigger{OutputContains: []string{"email"}},
			Action:  Action{Type: ActionRedact},
		},
	}

	out, err := engine.Evaluate(policies, Input{
		Output: map[string]any{
			"summary":  "reach bob@corp.io",
			"contacts": []any{"bob@corp.io", "unknown"},
			"count":    2,
		},
	})
	require.NoError(t, err)

	got, ok := out.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "reach [REDACTED]", got["summary"])
	assert.Equal(t, []any{"[REDACTED]", "unknown"}, got["contacts"])
	assert.Equal(t, 2, got["count"])
}

func TestEngineBlockStopsEvaluation(t *testing.T) {
	engine := NewEngine(nil)

	policies := []Definition{
		{
			ID:       "no-secrets",
			Severity: SeverityCritical,
			Trigger:  Trigger{OutputContains: []string{`(?i)api[_-]?key`}},
			Action:   Action{Type: ActionBlock},
		},
		{
			ID:      "never-reached",
			Trigger: Trigger{OutputContains: []string{"email"}},
			Action:  Action{Type: ActionRedact},
		},
	}

	out, err := engine.Evaluate(policies, Input{
		Output: "leaked API_KEY=abc and alice@example.com",
	})
	require.NoError(t, err)

	assert.True(t, out.Blocked)
	assert.Contains(t, out.BlockReason, "no-secrets")
	require.Len(t, out.Violations, 1)
	assert.Equal(t, ActionBlock, out.Violations[0].Action)
}

func TestEngineConditionTrigger(t *testing.T) {
	engine := NewEngine(nil)

	policies := []Definition{
		{
			ID:      "cost-guard",
			Trigger: Trigger{Condition: "step_cost_usd > 1.0"},
			Action:  Action{Type: ActionAlert},
		},
	}

	out, err := engine.Evaluate(policies, Input{
		Output:      "fine",
		StepCostUSD: 2.5,
	})
	require.NoError(t, err)
	require.Len(t, out.Violations, 1)
	assert.Equal(t, "cost-guard", out.Violations[0].PolicyID)

	out, err = engine.Evaluate(policies, Input{
		Output:      "fine",
		StepCostUSD: 0.1,
	})
	require.NoError(t, err)
	assert.Empty(t, out.Violations)
}

func TestEngineConditionOutputField(t *testing.T) {
	engine := NewEngine(nil)

	policies := []Definition{
		{
			ID:      "risk-gate",
			Trigger: Trigger{Condition: `output.risk == "high"`},
			Action: Action{
				Type:           ActionInjectApproval,
				ApprovalConfig: &ApprovalConfig{Message: "high risk output", TimeoutHours: 4},
			},
		},
	}

	out, err := engine.Evaluate(policies, Input{
		Output: map[string]any{"risk": "high"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.InjectApproval)
	assert.Equal(t, "high risk output", out.InjectApproval.Message)
	assert.Equal(t, "risk-gate", out.InjectedBy)
}

func TestEngineConditionRejectsCalls(t *testing.T) {
	engine := NewEngine(nil)

	policies := []Definition{
		{
			ID:      "bad",
			Trigger: Trigger{Condition: `trim(output) == ""`},
			Action:  Action{Type: ActionLog},
		},
	}

	_, err := engine.Evaluate(policies, Input{Output: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not permitted")
}

func TestEngineConditionRejectsPredicates(t *testing.T) {
	engine := NewEngine(nil)

	policies := []Definition{
		{
			ID:      "bad",
			Trigger: Trigger{Condition: `all(output, # > 1)`},
			Action:  Action{Type: ActionLog},
		},
	}

	_, err := engine.Evaluate(policies, Input{Output: []any{1, 2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not permitted")
}

func TestEngineConditionAllowsLen(t *testing.T) {
	engine := NewEngine(nil)

	policies := []Definition{
		{
			ID:      "too-long",
			Trigger: Trigger{Condition: "len(output) > 5"},
			Action:  Action{Type: ActionLog},
		},
	}

	out, err := engine.Evaluate(policies, Input{Output: "0123456789"})
	require.NoError(t, err)
	assert.Len(t, out.Violations, 1)
}

func TestEngineRedactedValueVisibleToLaterPolicies(t *testing.T) {
	engine := NewEngine(nil)

	policies := []Definition{
		{
			ID:      "redact-email",
			Trigger: Trigger{OutputContains: []string{"email"}},
			Action:  Action{Type: ActionRedact, Replacement: "[HIDDEN]"},
		},
		{
			ID:      "flag-hidden",
			Trigger: Trigger{OutputContains: []string{`\[HIDDEN\]`}},
			Action:  Action{Type: ActionLog},
		},
	}

	out, err := engine.Evaluate(policies, Input{Output: "mail bob@x.io"})
	require.NoError(t, err)
	require.Len(t, out.Violations, 2)
	assert.Equal(t, "flag-hidden", out.Violations[1].PolicyID)
}

func TestEngineCustomRegexPattern(t *testing.T) {
	engine := NewEngine(nil)

	policies := []Definition{
		{
			ID:      "internal-host",
			Trigger: Trigger{OutputContains: []string{`\b\w+\.internal\b`}},
			Action:  Action{Type: ActionRedact, Replacement: "[HOST]"},
		},
	}

	out, err := engine.Evaluate(policies, Input{Output: "deployed to api.internal today"})
	require.NoError(t, err)
	assert.Equal(t, "deployed to [HOST] today", out.Output)
}

func TestEngineInvalidPattern(t *testing.T) {
	engine := NewEngine(nil)

	policies := []Definition{
		{
			ID:      "broken",
			Trigger: Trigger{OutputContains: []string{"([unclosed"}},
			Action:  Action{Type: ActionLog},
		},
	}

	_, err := engine.Evaluate(policies, Input{Output: "anything"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
}

func TestValueToText(t *testing.T) {
	assert.Equal(t, "plain", ValueToText("plain"))
	assert.JSONEq(t, `{"a":1}`, ValueToText(map[string]any{"a": 1}))
}

func TestIsBuiltinPattern(t *testing.T) {
	assert.True(t, IsBuiltinPattern("email"))
	assert.True(t, IsBuiltinPattern("credit_card"))
	assert.False(t, IsBuiltinPattern("custom"))
}
