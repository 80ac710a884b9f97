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
	"os"
	"sort"

	"github.com/sandcastle-hq/sandcastle/pkg/errors"
)

// ModelInfo describes one supported model.
type ModelInfo struct {
	// ID is the short model id used in workflow YAML
	ID string

	// Provider is the owning provider name
	Provider string

	// FullName is the provider-side model identifier
	FullName string

	// InputPrice and OutputPrice are USD per million tokens
	InputPrice  float64
	OutputPrice float64

	// KeyEnv is the environment variable holding the provider API key
	KeyEnv string

	// BaseURLEnv optionally names an env var overriding the provider endpoint
	BaseURLEnv string
}

// builtinModels is the supported model table. Ordering within a provider
// follows price so failover chains can prefer cheaper alternatives.
var builtinModels = []ModelInfo{
	{ID: "haiku", Provider: "anthropic", FullName: "claude-haiku-4-5", InputPrice: 1.0, OutputPrice: 5.0, KeyEnv: "ANTHROPIC_API_KEY"},
	{ID: "sonnet", Provider: "anthropic", FullName: "claude-sonnet-4-5", InputPrice: 3.0, OutputPrice: 15.0, KeyEnv: "ANTHROPIC_API_KEY"},
	{ID: "opus", Provider: "anthropic", FullName: "claude-opus-4-1", InputPrice: 15.0, OutputPrice: 75.0, KeyEnv: "ANTHROPIC_API_KEY"},
	{ID: "gpt-4o-mini", Provider: "openai", FullName: "gpt-4o-mini", InputPrice: 0.15, OutputPrice: 0.6, KeyEnv: "OPENAI_API_KEY", BaseURLEnv: "OPENAI_BASE_URL"},
	{ID: "gpt-4o", Provider: "openai", FullName: "gpt-4o", InputPrice: 2.5, OutputPrice: 10.0, KeyEnv: "OPENAI_API_KEY", BaseURLEnv: "OPENAI_BASE_URL"},
	{ID: "gemini-flash", Provider: "google", FullName: "gemini-2.0-flash", InputPrice: 0.1, OutputPrice: 0.4, KeyEnv: "GEMINI_API_KEY"},
}

// Registry holds the model table and builds failover chains.
type Registry struct {
	models map[string]ModelInfo
	order  []string
}

// NewRegistry creates a registry with the builtin model table.
func NewRegistry() *Registry {
	return NewRegistryWith(builtinModels)
}

// NewRegistryWith creates a registry from an explicit model table.
func NewRegistryWith(models []ModelInfo) *Registry {
	r := &Registry{models: make(map[string]ModelInfo, len(models))}
	for _, m := range models {
		r.models[m.ID] = m
		r.order = append(r.order, m.ID)
	}
	return r
}

// Get returns the model info for an id.
func (r *Registry) Get(id string) (ModelInfo, error) {
	m, ok := r.models[id]
	if !ok {
		return ModelInfo{}, &errors.NotFoundError{Resource: "model", ID: id}
	}
	return m, nil
}

// Known reports whether the model id exists.
func (r *Registry) Known(id string) bool {
	_, ok := r.models[id]
	return ok
}

// Models returns all model ids in table order.
func (r *Registry) Models() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Alternatives returns the failover chain for a model: same-provider
// models cheaper than it first (ascending price), then same-provider
// pricier ones, then cross-provider models by ascending price.
func (r *Registry) Alternatives(id string) []ModelInfo {
	primary, ok := r.models[id]
	if !ok {
		return nil
	}

	var cheaper, pricier, cross []ModelInfo
	for _, mid := range r.order {
		m := r.models[mid]
		if m.ID == id {
			continue
		}
		switch {
		case m.Provider == primary.Provider && m.InputPrice < primary.InputPrice:
			cheaper = append(cheaper, m)
		case m.Provider == primary.Provider:
			pricier = append(pricier, m)
		default:
			cross = append(cross, m)
		}
	}

	byPrice := func(s []ModelInfo) {
		sort.Slice(s, func(i, j int) bool { return s[i].InputPrice < s[j].InputPrice })
	}
	byPrice(cheaper)
	byPrice(pricier)
	byPrice(cross)

	chain := make([]ModelInfo, 0, len(cheaper)+len(pricier)+len(cross))
	chain = append(chain, cheaper...)
	chain = append(chain, pricier...)
	chain = append(chain, cross...)
	return chain
}

// KeyConfigured reports whether the model's API key is present in the
// environment.
func (r *Registry) KeyConfigured(m ModelInfo) bool {
	return os.Getenv(m.KeyEnv) != ""
}

// EstimateCost computes the USD cost for a token usage pair.
func (m ModelInfo) EstimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*m.InputPrice + float64(outputTokens)/1e6*m.OutputPrice
}
