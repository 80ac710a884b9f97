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

// Package autopilot A/B-samples variants of a workflow step, scores their
// outputs, and promotes a winner once enough samples accumulate.
package autopilot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sandcastle-hq/sandcastle/pkg/workflow"
)

// Experiment tracks one A/B experiment for a (workflow, step) pair.
type Experiment struct {
	ID               string
	Workflow         string
	StepID           string
	Status           Status
	OptimizeFor      string
	Variants         []workflow.VariantConfig
	MinSamples       int
	AutoDeploy       bool
	QualityThreshold float64
	Winner           string
	CreatedAt        time.Time
}

// Status is the experiment lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Sample records one variant execution.
type Sample struct {
	ID           string
	ExperimentID string
	VariantID    string
	Output       any
	Quality      float64
	CostUSD      float64
	Duration     time.Duration
	CreatedAt    time.Time
}

// VariantStats aggregates samples per variant.
type VariantStats struct {
	VariantID  string
	AvgQuality float64
	AvgCost    float64
	AvgLatency float64
	Samples    int
}

// Store persists experiments and samples.
type Store interface {
	// FindRunning returns the running experiment for the pair, or nil.
	FindRunning(ctx context.Context, workflowName, stepID string) (*Experiment, error)
	Create(ctx context.Context, exp *Experiment) error
	AddSample(ctx context.Context, sample Sample) error
	SampleCounts(ctx context.Context, experimentID string) (map[string]int, error)
	VariantStats(ctx context.Context, experimentID string) ([]VariantStats, error)
	Complete(ctx context.Context, experimentID, winner string) error
}

// Judge scores an output against free-form criteria, returning a value
// in [0,1]. Implementations typically prompt a cheap model.
type Judge interface {
	Score(ctx context.Context, criteria, output string) (float64, error)
}

// Experimenter drives variant selection and winner promotion.
type Experimenter struct {
	store  Store
	judge  Judge
	logger *slog.Logger
}

// New creates an experimenter. judge may be nil when no step uses
// llm_judge evaluation.
func New(store Store, judge Judge, logger *slog.Logger) *Experimenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Experimenter{store: store, judge: judge, logger: logger}
}

// SelectVariant finds or creates the running experiment for the step and
// returns the least-sampled variant. Ties resolve in variant config
// order, which round-robins naturally as counts even out.
func (e *Experimenter) SelectVariant(ctx context.Context, workflowName string, step *workflow.StepDefinition) (*Experiment, *workflow.VariantConfig, error) {
	cfg := step.AutoPilot
	if cfg == nil || !cfg.Enabled || len(cfg.Variants) == 0 {
		return nil, nil, nil
	}

	exp, err := e.store.FindRunning(ctx, workflowName, step.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading experiment: %w", err)
	}
	if exp == nil {
		exp = &Experiment{
			ID:               uuid.NewString(),
			Workflow:         workflowName,
			StepID:           step.ID,
			Status:           StatusRunning,
			OptimizeFor:      cfg.OptimizeFor,
			Variants:         cfg.Variants,
			MinSamples:       cfg.MinSamples,
			AutoDeploy:       cfg.AutoDeploy,
			QualityThreshold: cfg.QualityThreshold,
			CreatedAt:        time.Now().UTC(),
		}
		if err := e.store.Create(ctx, exp); err != nil {
			return nil, nil, fmt.Errorf("creating experiment: %w", err)
		}
	}

	counts, err := e.store.SampleCounts(ctx, exp.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading sample counts: %w", err)
	}

	selected := &exp.Variants[0]
	minCount := counts[selected.ID]
	for i := 1; i < len(exp.Variants); i++ {
		if c := counts[exp.Variants[i].ID]; c < minCount {
			selected = &exp.Variants[i]
			minCount = c
		}
	}
	return exp, selected, nil
}

// ApplyVariant overlays a variant's overrides onto a step definition.
func ApplyVariant(step workflow.StepDefinition, variant *workflow.VariantConfig) workflow.StepDefinition {
	if variant == nil {
		return step
	}
	if variant.Model != "" {
		step.Model = variant.Model
	}
	if variant.Prompt != "" {
		step.Prompt = variant.Prompt
	}
	if variant.MaxTurns > 0 {
		step.MaxTurns = variant.MaxTurns
	}
	return step
}

// ScoreOutput evaluates a variant's output. Schema scoring measures the
// fraction of schema-required fields present; llm_judge asks the judge.
func (e *Experimenter) ScoreOutput(ctx context.Context, step *workflow.StepDefinition, output any) (float64, error) {
	cfg := step.AutoPilot
	method := "schema"
	criteria := ""
	if cfg != nil && cfg.Evaluation != nil {
		method = cfg.Evaluation.Method
		criteria = cfg.Evaluation.Criteria
	}

	switch method {
	case "llm_judge":
		if e.judge == nil {
			return 0, fmt.Errorf("llm_judge evaluation configured but no judge available")
		}
		text := fmt.Sprintf("%v", output)
		if s, ok := output.(string); ok {
			text = s
		}
		return e.judge.Score(ctx, criteria, text)
	default:
		return schemaCompleteness(step.OutputSchema, output), nil
	}
}

// schemaCompleteness returns the fraction of schema-required fields
// present and non-null in the output. Without a schema, any non-empty
// output scores 1.
func schemaCompleteness(schema map[string]any, output any) float64 {
	required := requiredFields(schema)
	if len(required) == 0 {
		if output == nil {
			return 0
		}
		if s, ok := output.(string); ok && s == "" {
			return 0
		}
		return 1
	}

	obj, ok := output.(map[string]any)
	if !ok {
		return 0
	}
	present := 0
	for _, field := range required {
		if v, ok := obj[field]; ok && v != nil {
			present++
		}
	}
	return float64(present) / float64(len(required))
}

// requiredFields extracts required property names from a JSON Schema
// shape, falling back to all declared properties.
func requiredFields(schema map[string]any) []string {
	if schema == nil {
		return nil
	}
	if req, ok := schema["required"].([]any); ok && len(req) > 0 {
		fields := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				fields = append(fields, s)
			}
		}
		return fields
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		fields := make([]string, 0, len(props))
		for name := range props {
			fields = append(fields, name)
		}
		return fields
	}
	return nil
}

// RecordSample persists a sample and, once min-samples is reached,
// selects a winner. With auto-deploy the experiment completes and the
// winner is promoted.
func (e *Experimenter) RecordSample(ctx context.Context, exp *Experiment, sample Sample) error {
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	sample.ExperimentID = exp.ID
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now().UTC()
	}
	if err := e.store.AddSample(ctx, sample); err != nil {
		return fmt.Errorf("recording sample: %w", err)
	}

	counts, err := e.store.SampleCounts(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("loading sample counts: %w", err)
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	if total < exp.MinSamples {
		return nil
	}

	stats, err := e.store.VariantStats(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("loading variant stats: %w", err)
	}
	winner := SelectWinner(stats, exp.OptimizeFor, exp.QualityThreshold)
	if winner == "" {
		return nil
	}

	e.logger.Info("experiment winner selected",
		"workflow", exp.Workflow,
		"step_id", exp.StepID,
		"winner", winner,
		"samples", total,
		"auto_deploy", exp.AutoDeploy,
	)
	if exp.AutoDeploy {
		if err := e.store.Complete(ctx, exp.ID, winner); err != nil {
			return fmt.Errorf("completing experiment: %w", err)
		}
		exp.Status = StatusCompleted
		exp.Winner = winner
	}
	return nil
}

// SelectWinner picks the best variant for the objective. Variants below
// the quality threshold are filtered out; when every variant fails the
// floor, the best quality wins.
func SelectWinner(stats []VariantStats, optimizeFor string, qualityThreshold float64) string {
	if len(stats) == 0 {
		return ""
	}

	eligible := stats
	if qualityThreshold > 0 {
		eligible = nil
		for _, s := range stats {
			if s.AvgQuality >= qualityThreshold {
				eligible = append(eligible, s)
			}
		}
		if len(eligible) == 0 {
			return bestBy(stats, func(s VariantStats) float64 { return s.AvgQuality })
		}
	}

	switch optimizeFor {
	case "cost":
		return bestBy(eligible, func(s VariantStats) float64 { return -s.AvgCost })
	case "latency":
		return bestBy(eligible, func(s VariantStats) float64 { return -s.AvgLatency })
	case "pareto":
		return bestBy(eligible, paretoScorer(eligible))
	default: // quality
		return bestBy(eligible, func(s VariantStats) float64 { return s.AvgQuality })
	}
}

// paretoScorer normalizes cost and latency to the pool max and averages
// quality with the inverted normalized values.
func paretoScorer(stats []VariantStats) func(VariantStats) float64 {
	var maxCost, maxLatency float64
	for _, s := range stats {
		if s.AvgCost > maxCost {
			maxCost = s.AvgCost
		}
		if s.AvgLatency > maxLatency {
			maxLatency = s.AvgLatency
		}
	}
	return func(s VariantStats) float64 {
		costNorm, latencyNorm := 0.0, 0.0
		if maxCost > 0 {
			costNorm = s.AvgCost / maxCost
		}
		if maxLatency > 0 {
			latencyNorm = s.AvgLatency / maxLatency
		}
		return (s.AvgQuality + (1 - costNorm) + (1 - latencyNorm)) / 3
	}
}

func bestBy(stats []VariantStats, score func(VariantStats) float64) string {
	winner := stats[0]
	bestScore := score(winner)
	for _, s := range stats[1:] {
		if v := score(s); v > bestScore {
			winner, bestScore = s, v
		}
	}
	return winner.VariantID
}
