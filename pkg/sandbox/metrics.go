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

package sandbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandcastle",
		Subsystem: "sandbox",
		Name:      "executions_total",
		Help:      "Completed sandbox executions by backend and model.",
	}, []string{"backend", "model"})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sandcastle",
		Subsystem: "sandbox",
		Name:      "execution_duration_seconds",
		Help:      "Wall-clock duration of sandbox executions.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"backend", "model"})

	executionCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandcastle",
		Subsystem: "sandbox",
		Name:      "execution_cost_usd_total",
		Help:      "Accumulated metered cost of sandbox executions.",
	}, []string{"backend", "model"})

	failoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandcastle",
		Subsystem: "sandbox",
		Name:      "failovers_total",
		Help:      "Model failovers by primary and substitute model.",
	}, []string{"from", "to"})
)

func recordExecution(backend, model string, duration time.Duration, costUSD float64) {
	executionsTotal.WithLabelValues(backend, model).Inc()
	if duration > 0 {
		executionDuration.WithLabelValues(backend, model).Observe(duration.Seconds())
	}
	if costUSD > 0 {
		executionCost.WithLabelValues(backend, model).Add(costUSD)
	}
}

func recordFailover(from, to string) {
	failoversTotal.WithLabelValues(from, to).Inc()
}
