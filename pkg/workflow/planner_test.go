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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id string, deps ...string) StepDefinition {
	return StepDefinition{ID: id, Prompt: "p", DependsOn: deps, Type: StepTypeStandard}
}

func TestBuildPlanLinear(t *testing.T) {
	def := &Definition{
		Name: "linear",
		Steps: []StepDefinition{
			step("a"),
			step("b", "a"),
			step("c", "b"),
		},
	}

	plan, err := BuildPlan(def, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, plan.Stages)
	assert.Equal(t, 3, plan.StepCount())
}

func TestBuildPlanDiamond(t *testing.T) {
	def := &Definition{
		Name: "diamond",
		Steps: []StepDefinition{
			step("fetch"),
			step("analyze", "fetch"),
			step("summarize", "fetch"),
			step("report", "analyze", "summarize"),
		},
	}

	plan, err := BuildPlan(def, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"fetch"},
		{"analyze", "summarize"},
		{"report"},
	}, plan.Stages)
	assert.Equal(t, 1, plan.StageOf("analyze"))
	assert.Equal(t, -1, plan.StageOf("missing"))
}

func TestBuildPlanDeterministic(t *testing.T) {
	// Same graph, steps declared in a different order.
	first := &Definition{
		Name:  "wf",
		Steps: []StepDefinition{step("a"), step("z"), step("m", "a", "z")},
	}
	second := &Definition{
		Name:  "wf",
		Steps: []StepDefinition{step("z"), step("m", "a", "z"), step("a")},
	}

	p1, err := BuildPlan(first, nil)
	require.NoError(t, err)
	p2, err := BuildPlan(second, nil)
	require.NoError(t, err)
	assert.Equal(t, p1.Stages, p2.Stages)
}

func TestBuildPlanCycle(t *testing.T) {
	def := &Definition{
		Name: "cyclic",
		Steps: []StepDefinition{
			step("a", "c"),
			step("b", "a"),
			step("c", "b"),
		},
	}

	_, err := BuildPlan(def, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestBuildPlanCollectsAllErrors(t *testing.T) {
	def := &Definition{
		Name: "",
		Steps: []StepDefinition{
			{ID: "a", Type: StepTypeStandard},
			{ID: "a", Type: StepTypeStandard},
			{ID: "b", DependsOn: []string{"ghost"}, Type: StepTypeStandard},
			{ID: "gate", Type: StepTypeApproval},
			{ID: "child", Type: StepTypeSubWorkflow},
			{ID: "routed", Type: StepTypeStandard, SLO: &SLOConfig{OptimizeFor: "speed"}},
		},
	}

	_, err := BuildPlan(def, nil)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "name is required")
	assert.Contains(t, msg, "duplicate step id")
	assert.Contains(t, msg, `unknown dependency "ghost"`)
	assert.Contains(t, msg, "approval_config.message")
	assert.Contains(t, msg, "child workflow name")
	assert.Contains(t, msg, `unknown objective "speed"`)
}

func TestBuildPlanEmptySteps(t *testing.T) {
	def := &Definition{Name: "empty"}
	_, err := BuildPlan(def, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no steps")
}

func TestBuildPlanUnknownModel(t *testing.T) {
	known := func(m string) bool { return m == "haiku" }

	def := &Definition{
		Name: "wf",
		Steps: []StepDefinition{
			{ID: "ok", Model: "haiku", Type: StepTypeStandard},
			{ID: "bad", Model: "gpt-99", Type: StepTypeStandard},
		},
	}

	_, err := BuildPlan(def, known)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown model "gpt-99"`)

	def.Steps[1].Model = "haiku"
	plan, err := BuildPlan(def, known)
	require.NoError(t, err)
	assert.Len(t, plan.Stages, 1)
}

func TestBuildPlanDefaultModelChecked(t *testing.T) {
	known := func(m string) bool { return m == "haiku" }

	def := &Definition{
		Name:         "wf",
		DefaultModel: "nonexistent",
		Steps:        []StepDefinition{{ID: "a", Type: StepTypeStandard}},
	}

	_, err := BuildPlan(def, known)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")
}
