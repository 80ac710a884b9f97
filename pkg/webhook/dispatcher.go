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

// Package webhook delivers signed JSON notifications for run completion
// and failure. Deliveries are best-effort: the dispatcher retries with
// exponential backoff and reports success as a boolean, never an error,
// so a dead endpoint cannot fail a run.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Event names carried in the payload and the event header.
const (
	EventCompleted = "workflow.completed"
	EventFailed    = "workflow.failed"
)

const (
	// SignatureHeader carries hex(HMAC-SHA256(secret, body)).
	SignatureHeader = "X-Sandcastle-Signature"

	// EventHeader carries the event name.
	EventHeader = "X-Sandcastle-Event"

	requestTimeout = 10 * time.Second
	maxBackoff     = 30 * time.Second
)

// Payload is the JSON body of a completion or failure notification.
type Payload struct {
	Event           string         `json:"event"`
	RunID           string         `json:"run_id"`
	Workflow        string         `json:"workflow"`
	Status          string         `json:"status"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	Costs           float64        `json:"costs"`
	DurationSeconds float64        `json:"duration_seconds"`
	Error           string         `json:"error,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Target identifies one webhook endpoint.
type Target struct {
	URL        string
	Secret     string
	MaxRetries int
}

// Dispatcher posts signed payloads with retries and an outbound rate cap.
type Dispatcher struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewDispatcher creates a webhook dispatcher. The rate limiter caps
// outbound posts across all runs in the process; nil disables limiting.
func NewDispatcher(logger *slog.Logger, limiter *rate.Limiter) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:  &http.Client{Timeout: requestTimeout},
		limiter: limiter,
		logger:  logger,
	}
}

// Sign computes the hex HMAC-SHA256 signature for a body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver posts the payload, retrying up to target.MaxRetries extra
// attempts with backoff min(2^attempt, 30) seconds. It returns whether
// any attempt got a 2xx response.
func (d *Dispatcher) Deliver(ctx context.Context, target Target, payload Payload) bool {
	if target.URL == "" {
		return false
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("webhook payload marshal failed",
			"run_id", payload.RunID,
			"error", err,
		)
		return false
	}

	attempts := target.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * time.Second
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return false
			}
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return false
			}
		}

		if d.post(ctx, target, payload.Event, body) {
			d.logger.Debug("webhook delivered",
				"run_id", payload.RunID,
				"event", payload.Event,
				"attempt", attempt+1,
			)
			return true
		}
	}

	d.logger.Warn("webhook delivery failed after retries",
		"run_id", payload.RunID,
		"event", payload.Event,
		"url", target.URL,
		"attempts", attempts,
	)
	return false
}

func (d *Dispatcher) post(ctx context.Context, target Target, event string, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, event)
	if target.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(target.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug("webhook attempt failed", "url", target.URL, "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
