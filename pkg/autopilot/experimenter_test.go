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

package autopilot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandcastle-hq/sandcastle/pkg/workflow"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	experiments map[string]*Experiment
	samples     []Sample
}

func newMemStore() *memStore {
	return &memStore{experiments: make(map[string]*Experiment)}
}

func (m *memStore) FindRunning(_ context.Context, workflowName, stepID string) (*Experiment, error) {
	for _, exp := range m.experiments {
		if exp.Workflow == workflowName && exp.StepID == stepID && exp.Status == StatusRunning {
			return exp, nil
		}
	}
	return nil, nil
}

func (m *memStore) Create(_ context.Context, exp *Experiment) error {
	m.experiments[exp.ID] = exp
	return nil
}

func (m *memStore) AddSample(_ context.Context, sample Sample) error {
	m.samples = append(m.samples, sample)
	return nil
}

func (m *memStore) SampleCounts(_ context.Context, experimentID string) (map[string]int, error) {
	counts := make(map[string]int)
	for _, s := range m.samples {
		if s.ExperimentID == experimentID {
			counts[s.VariantID]++
		}
	}
	return counts, nil
}

func (m *memStore) VariantStats(_ context.Context, experimentID string) ([]VariantStats, error) {
	agg := make(map[string]*VariantStats)
	var order []string
	for _, s := range m.samples {
		if s.ExperimentID != experimentID {
			continue
		}
		st, ok := agg[s.VariantID]
		if !ok {
			st = &VariantStats{VariantID: s.VariantID}
			agg[s.VariantID] = st
			order = append(order, s.VariantID)
		}
		n := float64(st.Samples)
		st.AvgQuality = (st.AvgQuality*n + s.Quality) / (n + 1)
		st.AvgCost = (st.AvgCost*n + s.CostUSD) / (n + 1)
		st.AvgLatency = (st.AvgLatency*n + s.Duration.Seconds()) / (n + 1)
		st.Samples++
	}
	out := make([]VariantStats, 0, len(order))
	for _, id := range order {
		out = append(out, *agg[id])
	}
	return out, nil
}

func (m *memStore) Complete(_ context.Context, experimentID, winner string) error {
	exp := m.experiments[experimentID]
	exp.Status = StatusCompleted
	exp.Winner = winner
	return nil
}

func autopilotStep(minSamples int, autoDeploy bool) *workflow.StepDefinition {
	return &workflow.StepDefinition{
		ID:     "draft",
		Prompt: "write something",
		AutoPilot: &workflow.AutoPilotConfig{
			Enabled:          true,
			OptimizeFor:      "quality",
			MinSamples:       minSamples,
			AutoDeploy:       autoDeploy,
			QualityThreshold: 0.5,
			Variants: []workflow.VariantConfig{
				{ID: "fast", Model: "haiku"},
				{ID: "smart", Model: "opus", MaxTurns: 3},
			},
		},
	}
}

func TestSelectVariantCreatesExperiment(t *testing.T) {
	store := newMemStore()
	e := New(store, nil, nil)

	exp, variant, err := e.SelectVariant(context.Background(), "wf", autopilotStep(4, true))
	require.NoError(t, err)
	require.NotNil(t, exp)
	require.NotNil(t, variant)
	assert.Equal(t, StatusRunning, exp.Status)
	assert.Equal(t, "fast", variant.ID)
	assert.Len(t, store.experiments, 1)

	// Second call reuses the experiment.
	exp2, _, err := e.SelectVariant(context.Background(), "wf", autopilotStep(4, true))
	require.NoError(t, err)
	assert.Equal(t, exp.ID, exp2.ID)
}

func TestSelectVariantLeastSampled(t *testing.T) {
	store := newMemStore()
	e := New(store, nil, nil)
	ctx := context.Background()
	step := autopilotStep(100, false)

	exp, v1, err := e.SelectVariant(ctx, "wf", step)
	require.NoError(t, err)
	assert.Equal(t, "fast", v1.ID)
	require.NoError(t, e.RecordSample(ctx, exp, Sample{VariantID: v1.ID, Quality: 0.8}))

	_, v2, err := e.SelectVariant(ctx, "wf", step)
	require.NoError(t, err)
	assert.Equal(t, "smart", v2.ID)
	require.NoError(t, e.RecordSample(ctx, exp, Sample{VariantID: v2.ID, Quality: 0.9}))

	// Even counts: first variant wins the tie.
	_, v3, err := e.SelectVariant(ctx, "wf", step)
	require.NoError(t, err)
	assert.Equal(t, "fast", v3.ID)
}

func TestSelectVariantDisabled(t *testing.T) {
	e := New(newMemStore(), nil, nil)
	exp, variant, err := e.SelectVariant(context.Background(), "wf", &workflow.StepDefinition{ID: "plain"})
	require.NoError(t, err)
	assert.Nil(t, exp)
	assert.Nil(t, variant)
}

func TestApplyVariant(t *testing.T) {
	step := workflow.StepDefinition{ID: "s", Prompt: "base", Model: "haiku", MaxTurns: 1}

	applied := ApplyVariant(step, &workflow.VariantConfig{ID: "v", Model: "opus", MaxTurns: 5})
	assert.Equal(t, "opus", applied.Model)
	assert.Equal(t, 5, applied.MaxTurns)
	assert.Equal(t, "base", applied.Prompt)

	// Original untouched.
	assert.Equal(t, "haiku", step.Model)

	same := ApplyVariant(step, nil)
	assert.Equal(t, step, same)
}

func TestAutoDeployPromotesWinner(t *testing.T) {
	store := newMemStore()
	e := New(store, nil, nil)
	ctx := context.Background()
	step := autopilotStep(4, true)

	exp, _, err := e.SelectVariant(ctx, "wf", step)
	require.NoError(t, err)

	samples := []Sample{
		{VariantID: "fast", Quality: 0.6, CostUSD: 0.01},
		{VariantID: "smart", Quality: 0.9, CostUSD: 0.10},
		{VariantID: "fast", Quality: 0.62, CostUSD: 0.01},
		{VariantID: "smart", Quality: 0.92, CostUSD: 0.11},
	}
	for _, s := range samples {
		require.NoError(t, e.RecordSample(ctx, exp, s))
	}

	assert.Equal(t, StatusCompleted, exp.Status)
	assert.Equal(t, "smart", exp.Winner)
	assert.Equal(t, StatusCompleted, store.experiments[exp.ID].Status)
}

func TestNoDeployBelowMinSamples(t *testing.T) {
	store := newMemStore()
	e := New(store, nil, nil)
	ctx := context.Background()

	exp, _, err := e.SelectVariant(ctx, "wf", autopilotStep(10, true))
	require.NoError(t, err)
	require.NoError(t, e.RecordSample(ctx, exp, Sample{VariantID: "fast", Quality: 0.9}))
	assert.Equal(t, StatusRunning, exp.Status)
}

func TestSelectWinnerObjectives(t *testing.T) {
	stats := []VariantStats{
		{VariantID: "a", AvgQuality: 0.9, AvgCost: 0.10, AvgLatency: 30, Samples: 10},
		{VariantID: "b", AvgQuality: 0.7, AvgCost: 0.01, AvgLatency: 10, Samples: 10},
		{VariantID: "c", AvgQuality: 0.8, AvgCost: 0.05, AvgLatency: 5, Samples: 10},
	}

	assert.Equal(t, "a", SelectWinner(stats, "quality", 0))
	assert.Equal(t, "b", SelectWinner(stats, "cost", 0))
	assert.Equal(t, "c", SelectWinner(stats, "latency", 0))
}

func TestSelectWinnerQualityFloor(t *testing.T) {
	stats := []VariantStats{
		{VariantID: "cheap-bad", AvgQuality: 0.3, AvgCost: 0.01},
		{VariantID: "ok", AvgQuality: 0.75, AvgCost: 0.05},
	}
	// cheap-bad is filtered by the floor even under cost optimization.
	assert.Equal(t, "ok", SelectWinner(stats, "cost", 0.5))

	// Everyone under the floor: best quality wins.
	assert.Equal(t, "ok", SelectWinner(stats, "cost", 0.99))
}

func TestSelectWinnerPareto(t *testing.T) {
	stats := []VariantStats{
		{VariantID: "balanced", AvgQuality: 0.8, AvgCost: 0.05, AvgLatency: 10},
		{VariantID: "premium", AvgQuality: 0.95, AvgCost: 0.50, AvgLatency: 40},
	}
	// balanced: (0.8 + (1-0.1) + (1-0.25))/3 = 0.8167
	// premium:  (0.95 + 0 + 0)/3 = 0.3167
	assert.Equal(t, "balanced", SelectWinner(stats, "pareto", 0))
}

func TestSchemaCompleteness(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"title", "summary", "tags"},
	}

	assert.Equal(t, 1.0, schemaCompleteness(schema, map[string]any{
		"title": "t", "summary": "s", "tags": []any{"x"},
	}))
	assert.InDelta(t, 2.0/3.0, schemaCompleteness(schema, map[string]any{
		"title": "t", "summary": "s",
	}), 1e-9)
	assert.Equal(t, 0.0, schemaCompleteness(schema, "not an object"))

	// No schema: non-empty output scores 1.
	assert.Equal(t, 1.0, schemaCompleteness(nil, "text"))
	assert.Equal(t, 0.0, schemaCompleteness(nil, ""))
	assert.Equal(t, 0.0, schemaCompleteness(nil, nil))
}

type fixedJudge struct{ score float64 }

func (j fixedJudge) Score(context.Context, string, string) (float64, error) {
	return j.score, nil
}

func TestScoreOutputLLMJudge(t *testing.T) {
	e := New(newMemStore(), fixedJudge{score: 0.85}, nil)
	step := &workflow.StepDefinition{
		ID: "s",
		AutoPilot: &workflow.AutoPilotConfig{
			Enabled:    true,
			Variants:   []workflow.VariantConfig{{ID: "v"}},
			Evaluation: &workflow.EvaluationConfig{Method: "llm_judge", Criteria: "clarity"},
		},
	}

	score, err := e.ScoreOutput(context.Background(), step, "some output")
	require.NoError(t, err)
	assert.Equal(t, 0.85, score)
}

func TestScoreOutputJudgeMissing(t *testing.T) {
	e := New(newMemStore(), nil, nil)
	step := &workflow.StepDefinition{
		ID: "s",
		AutoPilot: &workflow.AutoPilotConfig{
			Enabled:    true,
			Variants:   []workflow.VariantConfig{{ID: "v"}},
			Evaluation: &workflow.EvaluationConfig{Method: "llm_judge"},
		},
	}
	_, err := e.ScoreOutput(context.Background(), step, "x")
	require.Error(t, err)
}

func TestRecordSampleFillsDefaults(t *testing.T) {
	store := newMemStore()
	e := New(store, nil, nil)
	ctx := context.Background()

	exp, _, err := e.SelectVariant(ctx, "wf", autopilotStep(100, false))
	require.NoError(t, err)
	require.NoError(t, e.RecordSample(ctx, exp, Sample{VariantID: "fast", Quality: 0.5, Duration: 2 * time.Second}))

	require.Len(t, store.samples, 1)
	s := store.samples[0]
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, exp.ID, s.ExperimentID)
	assert.False(t, s.CreatedAt.IsZero())
}
