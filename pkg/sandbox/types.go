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

// Package sandbox executes LLM prompts in isolated backends and layers
// concurrency limits, retriable-error detection, provider failover, and
// cancellation above them. A Runtime wraps exactly one Backend; backends
// stream structured events and never retry on their own.
package sandbox

import "time"

// Request describes one prompt execution.
type Request struct {
	// Prompt is the fully resolved prompt text
	Prompt string `json:"prompt"`

	// Model is the model id to execute with
	Model string `json:"model"`

	// MaxTurns caps agent conversation turns
	MaxTurns int `json:"max_turns"`

	// Timeout is the per-call limit in seconds
	Timeout int `json:"timeout"`

	// OutputFormat requests structured output matching this JSON Schema shape
	OutputFormat map[string]any `json:"output_format,omitempty"`
}

// Result is the final outcome of a prompt execution.
type Result struct {
	// Text is the assistant's final text output
	Text string `json:"text"`

	// StructuredOutput is the parsed structured result, when requested
	StructuredOutput map[string]any `json:"structured_output,omitempty"`

	// TotalCostUSD is the metered cost of the call
	TotalCostUSD float64 `json:"total_cost_usd"`

	// NumTurns is how many conversation turns the call used
	NumTurns int `json:"num_turns"`

	// Model is the model that actually served the call, after failover
	Model string `json:"model"`

	// Duration is the wall-clock execution time
	Duration time.Duration `json:"-"`
}

// EventType classifies streamed sandbox events.
type EventType string

const (
	EventSystem    EventType = "system"
	EventAssistant EventType = "assistant"
	EventUser      EventType = "user"
	EventResult    EventType = "result"
	EventError     EventType = "error"
)

// Event is one record on a sandbox event stream.
type Event struct {
	Type    EventType      `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Text extracts the text field from the event payload, if present.
func (e Event) Text() string {
	if s, ok := e.Payload["text"].(string); ok {
		return s
	}
	return ""
}

// ErrorMessage extracts the error text from an error event.
func (e Event) ErrorMessage() string {
	if s, ok := e.Payload["error"].(string); ok {
		return s
	}
	return e.Text()
}
