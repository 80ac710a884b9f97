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

package policy

import (
	"regexp"
	"sync"

	"github.com/sandcastle-hq/sandcastle/pkg/errors"
)

// builtinPatterns are the named PII patterns usable in output_contains.
var builtinPatterns = map[string]string{
	"email":       `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
	"phone":       `\+?\d{1,3}[-. (]?\d{3}[-. )]?\d{3}[-. ]?\d{4}`,
	"ssn":         `\b\d{3}-\d{2}-\d{4}\b`,
	"credit_card": `\b(?:\d[ -]?){13,16}\b`,
}

// patternCache compiles each (policy id, pattern) pair exactly once.
type patternCache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

func newPatternCache() *patternCache {
	return &patternCache{compiled: make(map[string]*regexp.Regexp)}
}

// get returns the compiled regexp for a pattern in the context of a policy.
// Named builtins resolve to their canonical expression; anything else is
// treated as a custom regular expression.
func (c *patternCache) get(policyID, pattern string) (*regexp.Regexp, error) {
	key := policyID + "\x00" + pattern

	c.mu.RLock()
	re, ok := c.compiled[key]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}

	expr := pattern
	if builtin, ok := builtinPatterns[pattern]; ok {
		expr = builtin
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "trigger.output_contains",
			Message:    "invalid pattern " + pattern + ": " + err.Error(),
			Suggestion: "use a builtin name (email, phone, ssn, credit_card) or a valid regular expression",
		}
	}

	c.mu.Lock()
	c.compiled[key] = re
	c.mu.Unlock()
	return re, nil
}

// IsBuiltinPattern reports whether name is a named builtin pattern.
func IsBuiltinPattern(name string) bool {
	_, ok := builtinPatterns[name]
	return ok
}
