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
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// eventQueueSize bounds the internal delivery queue between a backend's
// output and the consumer.
const eventQueueSize = 64

// decodeEvents reads newline-delimited JSON records from r and delivers
// them as events. Each record is an object with a "type" field; remaining
// fields become the payload. Malformed lines surface as error events.
// Delivery stops at the next event boundary once ctx is cancelled.
func decodeEvents(ctx context.Context, r io.Reader, onDone func()) <-chan Event {
	out := make(chan Event, eventQueueSize)

	go func() {
		defer close(out)
		if onDone != nil {
			defer onDone()
		}

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var raw map[string]any
			if err := json.Unmarshal([]byte(line), &raw); err != nil {
				raw = map[string]any{"type": string(EventError), "error": "malformed event: " + err.Error()}
			}

			kind, _ := raw["type"].(string)
			delete(raw, "type")
			ev := Event{Type: EventType(kind), Payload: raw}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- Event{Type: EventError, Payload: map[string]any{"error": err.Error()}}:
			case <-ctx.Done():
			}
		}
	}()

	return out
}
