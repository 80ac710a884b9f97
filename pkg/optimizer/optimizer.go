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

// Package optimizer routes steps to models by balancing historical
// performance against per-step SLOs and the run's remaining budget.
package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sandcastle-hq/sandcastle/pkg/workflow"
)

// statsTTL is how long loaded performance stats stay fresh.
const statsTTL = 5 * time.Minute

// ModelStats aggregates historical performance for one model on one step.
type ModelStats struct {
	Model      string
	AvgQuality float64
	AvgCost    float64
	AvgLatency float64
	Samples    int
}

// StatsSource loads per-model performance from completed run steps and
// experiment samples.
type StatsSource interface {
	ModelStats(ctx context.Context, workflowName, stepID string) ([]ModelStats, error)
}

// PriceFunc returns a relative price for a model, used to order options
// before any history exists.
type PriceFunc func(model string) float64

// Decision is the outcome of one routing request.
type Decision struct {
	// Selected is the chosen pool option
	Selected workflow.ModelOption

	// Reason explains the choice for the audit trail
	Reason string

	// Alternatives lists the other considered models
	Alternatives []string

	// BudgetPressure is the pressure value the decision saw
	BudgetPressure float64

	// Confidence reflects how much history backs the decision
	Confidence float64
}

// Input describes one routing request.
type Input struct {
	Workflow       string
	StepID         string
	SLO            *workflow.SLOConfig
	Pool           []workflow.ModelOption
	BudgetPressure float64
}

// Optimizer selects models from pools. Stats are cached per
// (workflow, step) for a short window to keep routing off the hot path.
type Optimizer struct {
	source  StatsSource
	pricing PriceFunc
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedStats
}

type cachedStats struct {
	stats    map[string]ModelStats
	loadedAt time.Time
}

// New creates an optimizer.
func New(source StatsSource, pricing PriceFunc, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	if pricing == nil {
		pricing = func(string) float64 { return 0 }
	}
	return &Optimizer{
		source:  source,
		pricing: pricing,
		logger:  logger,
		cache:   make(map[string]cachedStats),
	}
}

// option pairs a pool entry with its known stats.
type option struct {
	opt   workflow.ModelOption
	stats ModelStats
	known bool
}

// Decide picks a model from the pool.
//
// Known-violating options are filtered against the SLO first; when the
// filter empties the pool the median-cost option survives as a fallback.
// Budget pressure above 0.9 forces the cheapest viable option; above 0.7
// scoring tilts toward cost. With no history at all the middle-cost
// option wins (cold start).
func (o *Optimizer) Decide(ctx context.Context, in Input) (*Decision, error) {
	if len(in.Pool) == 0 {
		return nil, fmt.Errorf("optimizer: empty model pool for step %s", in.StepID)
	}

	stats, err := o.loadStats(ctx, in.Workflow, in.StepID)
	if err != nil {
		o.logger.Warn("optimizer stats unavailable, falling back to cold start",
			"workflow", in.Workflow,
			"step_id", in.StepID,
			"error", err,
		)
		stats = nil
	}

	enriched := make([]option, 0, len(in.Pool))
	totalSamples := 0
	for _, poolOpt := range in.Pool {
		s, ok := stats[poolOpt.Model]
		enriched = append(enriched, option{opt: poolOpt, stats: s, known: ok && s.Samples > 0})
		totalSamples += s.Samples
	}

	alternatives := make([]string, 0, len(in.Pool))
	for _, e := range enriched {
		alternatives = append(alternatives, e.opt.Model)
	}

	if totalSamples == 0 {
		selected := o.middleCost(enriched)
		return &Decision{
			Selected:       selected.opt,
			Reason:         "cold start",
			Alternatives:   alternatives,
			BudgetPressure: in.BudgetPressure,
			Confidence:     confidence(0),
		}, nil
	}

	viable := filterSLO(enriched, in.SLO)
	reason := ""
	if len(viable) == 0 {
		viable = []option{medianCost(enriched)}
		reason = "no option satisfies SLO, using median cost; "
	}

	var selected option
	switch {
	case in.BudgetPressure > 0.9:
		selected = cheapest(viable, o.pricing)
		reason += "budget pressure critical, cheapest viable"
	case in.BudgetPressure > 0.7:
		selected = best(viable, func(e option) float64 {
			return 0.7*(-e.stats.AvgCost) + 0.3*objectiveScore(objective(in.SLO), e.stats)
		})
		reason += "budget pressure high, cost-biased " + objective(in.SLO)
	default:
		obj := objective(in.SLO)
		selected = best(viable, func(e option) float64 {
			return objectiveScore(obj, e.stats)
		})
		reason += "optimize for " + obj
	}

	return &Decision{
		Selected:       selected.opt,
		Reason:         reason,
		Alternatives:   alternatives,
		BudgetPressure: in.BudgetPressure,
		Confidence:     confidence(selected.stats.Samples),
	}, nil
}

// loadStats returns per-model stats, cached for statsTTL.
func (o *Optimizer) loadStats(ctx context.Context, workflowName, stepID string) (map[string]ModelStats, error) {
	key := workflowName + "\x00" + stepID

	o.mu.Lock()
	cached, ok := o.cache[key]
	o.mu.Unlock()
	if ok && time.Since(cached.loadedAt) < statsTTL {
		return cached.stats, nil
	}

	if o.source == nil {
		return nil, nil
	}
	loaded, err := o.source.ModelStats(ctx, workflowName, stepID)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]ModelStats, len(loaded))
	for _, s := range loaded {
		stats[s.Model] = s
	}

	o.mu.Lock()
	o.cache[key] = cachedStats{stats: stats, loadedAt: time.Now()}
	o.mu.Unlock()
	return stats, nil
}

// InvalidateStats drops the cached stats for a step.
func (o *Optimizer) InvalidateStats(workflowName, stepID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cache, workflowName+"\x00"+stepID)
}

// objective resolves the scoring goal, defaulting to balanced. Pareto is
// an experimenter concern; routing treats it as balanced.
func objective(slo *workflow.SLOConfig) string {
	if slo == nil || slo.OptimizeFor == "" || slo.OptimizeFor == "pareto" {
		return "balanced"
	}
	return slo.OptimizeFor
}

// objectiveScore scores a model's stats for a goal. Higher is better.
func objectiveScore(obj string, s ModelStats) float64 {
	q, c, l := s.AvgQuality, s.AvgCost, s.AvgLatency
	switch obj {
	case "cost":
		return -c + 0.1*q
	case "quality":
		return q - 0.1*c
	case "latency":
		return -l + 0.1*q
	default: // balanced
		return 0.4*q - 0.3*(c/0.5) - 0.3*(l/120)
	}
}

// filterSLO drops options whose known stats violate the SLO. Options
// without history pass; they cannot be judged yet.
func filterSLO(options []option, slo *workflow.SLOConfig) []option {
	if slo == nil {
		return options
	}
	var viable []option
	for _, e := range options {
		if e.known {
			if slo.QualityMin > 0 && e.stats.AvgQuality < slo.QualityMin {
				continue
			}
			if slo.CostMaxUSD > 0 && e.stats.AvgCost > slo.CostMaxUSD {
				continue
			}
			if slo.LatencyMaxSeconds > 0 && e.stats.AvgLatency > slo.LatencyMaxSeconds {
				continue
			}
		}
		viable = append(viable, e)
	}
	return viable
}

// medianCost returns the option with median known cost.
func medianCost(options []option) option {
	sorted := make([]option, len(options))
	copy(sorted, options)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].stats.AvgCost < sorted[j].stats.AvgCost
	})
	return sorted[len(sorted)/2]
}

// middleCost orders options by list price and returns the middle one.
func (o *Optimizer) middleCost(options []option) option {
	sorted := make([]option, len(options))
	copy(sorted, options)
	sort.SliceStable(sorted, func(i, j int) bool {
		return o.pricing(sorted[i].opt.Model) < o.pricing(sorted[j].opt.Model)
	})
	return sorted[len(sorted)/2]
}

// cheapest prefers known average cost, falling back to list price.
func cheapest(options []option, pricing PriceFunc) option {
	return best(options, func(e option) float64 {
		if e.known {
			return -e.stats.AvgCost
		}
		return -pricing(e.opt.Model)
	})
}

// best returns the option maximizing score, first match on ties.
func best(options []option, score func(option) float64) option {
	selected := options[0]
	bestScore := score(selected)
	for _, e := range options[1:] {
		if s := score(e); s > bestScore {
			selected, bestScore = e, s
		}
	}
	return selected
}

// confidence maps sample count to decision confidence.
func confidence(samples int) float64 {
	switch {
	case samples >= 50:
		return 0.95
	case samples >= 20:
		return 0.8
	case samples >= 5:
		return 0.6
	case samples >= 1:
		return 0.3
	default:
		return 0.1
	}
}
