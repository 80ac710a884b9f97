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

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandcastle_runs_total",
		Help: "Finished workflow runs by terminal status.",
	}, []string{"workflow", "status"})

	runCostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandcastle_run_cost_usd_total",
		Help: "Accumulated run cost in USD.",
	}, []string{"workflow"})

	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandcastle_steps_total",
		Help: "Executed steps by outcome.",
	}, []string{"workflow", "status"})

	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandcastle_step_cache_hits_total",
		Help: "Step-cache hits.",
	}, []string{"workflow"})
)

func recordRun(workflowName, status string, cost float64) {
	runsTotal.WithLabelValues(workflowName, status).Inc()
	runCostTotal.WithLabelValues(workflowName).Add(cost)
}

func recordStep(workflowName, status string) {
	stepsTotal.WithLabelValues(workflowName, status).Inc()
}

func recordCacheHit(workflowName string) {
	cacheHitsTotal.WithLabelValues(workflowName).Inc()
}
