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
	"strconv"
	"strings"
	"sync"
)

// RunContext carries the mutable state of one executing run: the input
// payload, step outputs accumulated so far, and per-step costs. Access is
// guarded so fan-out invocations within a stage can record results
// concurrently; readers in later stages observe a consistent snapshot
// because stages execute sequentially.
type RunContext struct {
	mu sync.RWMutex

	// RunID identifies the run (template token {run_id})
	RunID string

	// Input is the run input payload (template tokens {input.X})
	Input map[string]any

	// MaxCost is the optional budget in USD; zero means unlimited
	MaxCost float64

	// root is non-nil on contexts derived with ForItem. Derived contexts
	// carry their own input but share the root's outputs, costs, and lock.
	root *RunContext

	stepOutputs map[string]any
	costs       []float64
}

// state returns the context owning the shared output and cost state.
func (c *RunContext) state() *RunContext {
	if c.root != nil {
		return c.root
	}
	return c
}

// NewRunContext creates a run context for the given run id and input.
func NewRunContext(runID string, input map[string]any) *RunContext {
	if input == nil {
		input = map[string]any{}
	}
	return &RunContext{
		RunID:       runID,
		Input:       input,
		stepOutputs: make(map[string]any),
	}
}

// SetOutput records the output of a completed step.
func (c *RunContext) SetOutput(stepID string, output any) {
	s := c.state()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepOutputs[stepID] = output
}

// Output returns the recorded output for a step.
func (c *RunContext) Output(stepID string) (any, bool) {
	s := c.state()
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.stepOutputs[stepID]
	return v, ok
}

// Outputs returns a shallow copy of all step outputs.
func (c *RunContext) Outputs() map[string]any {
	s := c.state()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.stepOutputs))
	for k, v := range s.stepOutputs {
		out[k] = v
	}
	return out
}

// AddCost appends a step cost to the run.
func (c *RunContext) AddCost(usd float64) {
	s := c.state()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs = append(s.costs, usd)
}

// TotalCost returns the accumulated run cost in USD.
func (c *RunContext) TotalCost() float64 {
	s := c.state()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, cost := range s.costs {
		total += cost
	}
	return total
}

// Costs returns a copy of the per-step cost history.
func (c *RunContext) Costs() []float64 {
	s := c.state()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float64, len(s.costs))
	copy(out, s.costs)
	return out
}

// BudgetPressure returns min(1, total/max) when a budget is set, else 0.
func (c *RunContext) BudgetPressure() float64 {
	if c.MaxCost <= 0 {
		return 0
	}
	pressure := c.TotalCost() / c.MaxCost
	if pressure > 1 {
		return 1
	}
	return pressure
}

// Snapshot captures outputs and costs for a checkpoint.
type Snapshot struct {
	StepOutputs map[string]any `json:"step_outputs"`
	Costs       []float64      `json:"costs"`
}

// Snapshot returns a copy of the current outputs and costs.
func (c *RunContext) Snapshot() Snapshot {
	return Snapshot{
		StepOutputs: c.Outputs(),
		Costs:       c.Costs(),
	}
}

// Restore replaces outputs and costs from a checkpoint snapshot.
func (c *RunContext) Restore(snap Snapshot) {
	s := c.state()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepOutputs = make(map[string]any, len(snap.StepOutputs))
	for k, v := range snap.StepOutputs {
		s.stepOutputs[k] = v
	}
	s.costs = make([]float64, len(snap.Costs))
	copy(s.costs, snap.Costs)
}

// ForItem derives a fan-out context: same run state, but the input carries
// the current item under _item and its ordinal under _index. Output and
// cost accesses go through the root context's lock so fan-out invocations
// stay synchronized with sibling steps in the same stage.
func (c *RunContext) ForItem(item any, index int) *RunContext {
	input := make(map[string]any, len(c.Input)+2)
	for k, v := range c.Input {
		input[k] = v
	}
	input["_item"] = item
	input["_index"] = index

	return &RunContext{
		RunID:   c.RunID,
		Input:   input,
		MaxCost: c.MaxCost,
		root:    c.state(),
	}
}

// Lookup resolves a dotted path against the run context: "input.<path>"
// walks the input payload and "steps.<id>.output[.<path>]" walks a step
// output. Integer path segments index lists.
func (c *RunContext) Lookup(path string) (any, bool) {
	parts := strings.Split(path, ".")
	switch {
	case parts[0] == "input" && len(parts) > 1:
		c.mu.RLock()
		defer c.mu.RUnlock()
		return walkPath(c.Input, parts[1:])

	case parts[0] == "steps" && len(parts) >= 3 && parts[2] == "output":
		output, ok := c.Output(parts[1])
		if !ok {
			return nil, false
		}
		if len(parts) == 3 {
			return output, true
		}
		return walkPath(output, parts[3:])
	}
	return nil, false
}

// walkPath descends a value structure by path segments. Map segments are
// key lookups; integer segments index lists.
func walkPath(value any, parts []string) (any, bool) {
	current := value
	for _, part := range parts {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}
