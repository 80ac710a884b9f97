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
	"context"
	goerrors "errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sandcastle-hq/sandcastle/pkg/errors"
)

// Backend executes one prompt in an isolated environment and streams
// structured events. Implementations do not retry or fail over; the
// Runtime layers that above them.
type Backend interface {
	// Name identifies the backend kind (cloud, container, host, edge).
	Name() string

	// Stream launches the request and returns a channel of events. The
	// channel closes when the execution ends; cancellation of ctx stops
	// delivery at the next event boundary.
	Stream(ctx context.Context, req Request, model ModelInfo) (<-chan Event, error)

	// Health probes the backend's readiness.
	Health(ctx context.Context) error
}

// retriableStatus matches HTTP codes that failover may recover from.
var retriableStatus = map[int]bool{
	429: true, 500: true, 501: true, 502: true, 503: true, 504: true,
}

// retriableMessage matches provider error text that indicates a
// transient condition.
var retriableMessage = regexp.MustCompile(`(?i)rate.?limit|overloaded|capacity|\b429\b|\b50[0-4]\b`)

// IsRetriable reports whether retry and failover may recover from err.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var provErr *errors.ProviderError
	if goerrors.As(err, &provErr) {
		if provErr.Retriable {
			return true
		}
		if retriableStatus[provErr.StatusCode] {
			return true
		}
		return retriableMessage.MatchString(provErr.Message)
	}
	var timeoutErr *errors.TimeoutError
	if goerrors.As(err, &timeoutErr) {
		return true
	}
	return retriableMessage.MatchString(err.Error())
}

// classifyEventError turns an error event into a typed provider error so
// the runtime can decide between failover and immediate propagation.
func classifyEventError(backend string, ev Event) error {
	msg := ev.ErrorMessage()
	statusCode := 0
	if code, ok := ev.Payload["status_code"].(float64); ok {
		statusCode = int(code)
	}
	return &errors.ProviderError{
		Provider:   backend,
		StatusCode: statusCode,
		Message:    msg,
		Retriable:  retriableStatus[statusCode] || retriableMessage.MatchString(msg),
		Suggestion: "transient provider errors recover via retry and failover",
	}
}

// healthTTL is how long a positive health probe stays valid.
const healthTTL = 60 * time.Second

// healthCache avoids per-call backend probes by caching positive results.
type healthCache struct {
	mu      sync.Mutex
	checked map[string]time.Time
}

func newHealthCache() *healthCache {
	return &healthCache{checked: make(map[string]time.Time)}
}

// check probes the backend unless a recent positive result is cached.
func (h *healthCache) check(ctx context.Context, backend Backend) error {
	h.mu.Lock()
	last, ok := h.checked[backend.Name()]
	h.mu.Unlock()
	if ok && time.Since(last) < healthTTL {
		return nil
	}

	if err := backend.Health(ctx); err != nil {
		return fmt.Errorf("backend %s unhealthy: %w", backend.Name(), err)
	}

	h.mu.Lock()
	h.checked[backend.Name()] = time.Now()
	h.mu.Unlock()
	return nil
}

// requestEnvVar carries the JSON-encoded request to runner binaries.
const requestEnvVar = "SANDCASTLE_REQUEST"

// runnerEnv builds the environment contract for a runner process:
// the serialized request plus provider credentials. Anthropic models use
// the native key variable; everything else goes through the generic
// MODEL_* contract.
func runnerEnv(reqJSON string, model ModelInfo, baseURL string) []string {
	env := []string{requestEnvVar + "=" + reqJSON}
	if model.Provider == "anthropic" {
		env = append(env, "ANTHROPIC_API_KEY="+keyValue(model))
		return env
	}
	env = append(env,
		"MODEL_API_KEY="+keyValue(model),
		"MODEL_ID="+model.FullName,
		fmt.Sprintf("MODEL_INPUT_PRICE=%g", model.InputPrice),
		fmt.Sprintf("MODEL_OUTPUT_PRICE=%g", model.OutputPrice),
	)
	if baseURL != "" {
		env = append(env, "MODEL_BASE_URL="+baseURL)
	}
	return env
}

// envLookup is swappable in tests.
var envLookup = os.Getenv

func keyValue(model ModelInfo) string {
	return strings.TrimSpace(envLookup(model.KeyEnv))
}
