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
	"sort"
	"strings"

	"github.com/sandcastle-hq/sandcastle/pkg/errors"
)

// Plan is the execution schedule for a workflow: an ordered list of
// stages, each a set of step ids whose dependencies are satisfied by the
// preceding stages. Steps within a stage may run concurrently.
type Plan struct {
	Workflow string
	Stages   [][]string
}

// StepCount returns the total number of planned steps.
func (p *Plan) StepCount() int {
	n := 0
	for _, stage := range p.Stages {
		n += len(stage)
	}
	return n
}

// StageOf returns the stage index containing the step, or -1.
func (p *Plan) StageOf(stepID string) int {
	for i, stage := range p.Stages {
		for _, id := range stage {
			if id == stepID {
				return i
			}
		}
	}
	return -1
}

// BuildPlan validates the definition and layers its steps into stages
// with Kahn-style topological sorting. Zero in-degree steps form stage 0,
// sorted lexicographically for determinism; their successors' in-degrees
// drop and the next zero set forms stage 1, and so on. Steps left over
// after layering sit on a dependency cycle.
//
// All validation problems are collected into one error; a nil knownModel
// skips model validation.
func BuildPlan(d *Definition, knownModel ModelChecker) (*Plan, error) {
	errs := d.Validate(knownModel)
	if len(d.Steps) == 0 {
		return nil, errs
	}

	ids := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		ids[d.Steps[i].ID] = true
	}

	indegree := make(map[string]int, len(d.Steps))
	successors := make(map[string][]string, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if _, ok := indegree[step.ID]; !ok {
			indegree[step.ID] = 0
		}
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				// Already reported by Validate; ignore for layering.
				continue
			}
			indegree[step.ID]++
			successors[dep] = append(successors[dep], step.ID)
		}
	}

	var stages [][]string
	placed := 0
	for placed < len(indegree) {
		var stage []string
		for id, deg := range indegree {
			if deg == 0 {
				stage = append(stage, id)
			}
		}
		if len(stage) == 0 {
			break
		}
		sort.Strings(stage)
		stages = append(stages, stage)
		placed += len(stage)
		for _, id := range stage {
			indegree[id] = -1
			for _, succ := range successors[id] {
				indegree[succ]--
			}
		}
	}

	if placed < len(indegree) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		errs = append(errs, &errors.ValidationError{
			Field:      "steps",
			Message:    "dependency cycle involving: " + strings.Join(stuck, ", "),
			Suggestion: "remove circular depends_on references",
		})
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return &Plan{Workflow: d.Name, Stages: stages}, nil
}
