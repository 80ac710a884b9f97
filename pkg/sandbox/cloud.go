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

	"github.com/sandcastle-hq/sandcastle/pkg/errors"
)

// Cloud executes prompts on ephemeral VMs behind the sandstorm service.
// The service accepts a JSON request and streams newline-delimited JSON
// events back over the response body.
type Cloud struct {
	// BaseURL is the sandstorm endpoint
	BaseURL string

	// Token authenticates against the service
	Token string

	client *http.Client
}

// NewCloud creates a cloud backend for the given sandstorm endpoint.
func NewCloud(baseURL, token string) *Cloud {
	return &Cloud{
		BaseURL: baseURL,
		Token:   token,
		// Streaming responses outlive any sane request timeout; the
		// per-call deadline comes from ctx.
		client: &http.Client{},
	}
}

// Name implements Backend.
func (c *Cloud) Name() string { return "cloud" }

// Health probes the service health endpoint.
func (c *Cloud) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sandstorm unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &errors.ProviderError{
			Provider:   "sandstorm",
			StatusCode: resp.StatusCode,
			Message:    "health probe failed",
		}
	}
	return nil
}

// Stream submits the execution and decodes the NDJSON response body.
func (c *Cloud) Stream(ctx context.Context, req Request, model ModelInfo) (<-chan Event, error) {
	body, err := json.Marshal(map[string]any{
		"request":  req,
		"model":    model.FullName,
		"provider": model.Provider,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding sandbox request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/executions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "sandstorm",
			Message:   fmt.Sprintf("submitting execution: %s", err.Error()),
			Retriable: true,
			Cause:     err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &errors.ProviderError{
			Provider:   "sandstorm",
			StatusCode: resp.StatusCode,
			Message:    string(detail),
			Retriable:  retriableStatus[resp.StatusCode],
			Suggestion: "check sandstorm availability and the execution payload",
		}
	}

	return decodeEvents(ctx, resp.Body, func() { resp.Body.Close() }), nil
}
