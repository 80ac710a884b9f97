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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sandcastle-hq/sandcastle/pkg/errors"
)

// Edge executes prompts on a remote edge worker over plain HTTP JSON.
// Edge workers return one JSON document instead of a stream; the backend
// synthesizes the event sequence from it.
type Edge struct {
	// Endpoint is the edge worker URL
	Endpoint string

	// Token authenticates against the worker
	Token string

	client *http.Client
}

// NewEdge creates an edge backend.
func NewEdge(endpoint, token string) *Edge {
	return &Edge{
		Endpoint: endpoint,
		Token:    token,
		client:   &http.Client{Timeout: 10 * time.Minute},
	}
}

// Name implements Backend.
func (e *Edge) Name() string { return "edge" }

// Health probes the worker.
func (e *Edge) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.Endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("edge worker unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &errors.ProviderError{
			Provider:   "edge",
			StatusCode: resp.StatusCode,
			Message:    "health probe failed",
		}
	}
	return nil
}

// edgeResponse is the worker's one-shot result document.
type edgeResponse struct {
	Text             string         `json:"text"`
	StructuredOutput map[string]any `json:"structured_output,omitempty"`
	TotalCostUSD     float64        `json:"total_cost_usd"`
	NumTurns         int            `json:"num_turns"`
	Error            string         `json:"error,omitempty"`
}

// Stream executes the request and yields a synthesized event stream:
// a system event, then result or error.
func (e *Edge) Stream(ctx context.Context, req Request, model ModelInfo) (<-chan Event, error) {
	body, err := json.Marshal(map[string]any{
		"request": req,
		"model":   model.FullName,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding sandbox request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.Token)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "edge",
			Message:   fmt.Sprintf("submitting execution: %s", err.Error()),
			Retriable: true,
			Cause:     err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &errors.ProviderError{
			Provider:   "edge",
			StatusCode: resp.StatusCode,
			Message:    string(detail),
			Retriable:  retriableStatus[resp.StatusCode],
		}
	}

	var result edgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding edge response: %w", err)
	}

	out := make(chan Event, 3)
	out <- Event{Type: EventSystem, Payload: map[string]any{"backend": "edge", "model": model.ID}}
	if result.Error != "" {
		out <- Event{Type: EventError, Payload: map[string]any{"error": result.Error}}
	} else {
		payload := map[string]any{
			"text":           result.Text,
			"total_cost_usd": result.TotalCostUSD,
			"num_turns":      float64(result.NumTurns),
		}
		if result.StructuredOutput != nil {
			payload["structured_output"] = result.StructuredOutput
		}
		out <- Event{Type: EventResult, Payload: payload}
	}
	close(out)
	return out, nil
}
