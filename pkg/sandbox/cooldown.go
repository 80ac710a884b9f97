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
	"sync"
	"time"
)

// defaultCooldown is how long a rate-limited API key sits out.
const defaultCooldown = 5 * time.Minute

// cooldownMap tracks API keys that recently hit rate limits. It is shared
// process-wide so every run routes around the same throttled providers.
// Deadlines come from time.Now(), whose monotonic reading survives wall
// clock adjustments.
type cooldownMap struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
	duration  time.Duration
}

func newCooldownMap(duration time.Duration) *cooldownMap {
	if duration <= 0 {
		duration = defaultCooldown
	}
	return &cooldownMap{
		deadlines: make(map[string]time.Time),
		duration:  duration,
	}
}

// mark puts the key on cooldown.
func (c *cooldownMap) mark(keyEnv string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines[keyEnv] = time.Now().Add(c.duration)
}

// active reports whether the key is still cooling down.
func (c *cooldownMap) active(keyEnv string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := c.deadlines[keyEnv]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(c.deadlines, keyEnv)
		return false
	}
	return true
}

// remaining returns how long the key stays on cooldown, zero if it is not.
func (c *cooldownMap) remaining(keyEnv string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := c.deadlines[keyEnv]
	if !ok {
		return 0
	}
	left := time.Until(deadline)
	if left < 0 {
		return 0
	}
	return left
}

// sharedCooldowns is the process-wide instance used by every Runtime.
var sharedCooldowns = newCooldownMap(defaultCooldown)

// cooldownKey identifies the throttled route. Rate limits are enforced
// per model even when models share a provider key, so the identifier
// combines both; a 429 on sonnet must not bench haiku.
func cooldownKey(m ModelInfo) string {
	return m.KeyEnv + ":" + m.ID
}
