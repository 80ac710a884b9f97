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

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// tokenPattern matches {token} template references in prompts.
var tokenPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.\-]*)\}`)

// BlobReader reads blobs for {storage.PATH} resolution. The ok result is
// false when the key does not exist; absence is not an error.
type BlobReader interface {
	Read(ctx context.Context, key string) (value string, ok bool, err error)
}

// Resolve substitutes context tokens in a template string:
//
//	{input.<path>}              walks the input payload
//	{steps.<id>.output[.<path>]} reads an earlier step's output
//	{run_id}                    the run identifier
//	{date}                      the current UTC date (ISO-8601)
//
// Non-string values are JSON-encoded. Unresolved tokens are left verbatim,
// never raised, so resolving twice equals resolving once. {storage.…}
// references are a separate pass (ResolveStorage) because they do I/O.
func Resolve(template string, ctx *RunContext) string {
	if !strings.Contains(template, "{") {
		return template
	}
	return tokenPattern.ReplaceAllStringFunc(template, func(match string) string {
		token := match[1 : len(match)-1]
		switch {
		case token == "run_id":
			return ctx.RunID
		case token == "date":
			return time.Now().UTC().Format("2006-01-02")
		case strings.HasPrefix(token, "storage."):
			return match
		case strings.HasPrefix(token, "input.") || strings.HasPrefix(token, "steps."):
			value, ok := ctx.Lookup(token)
			if !ok {
				return match
			}
			return encodeValue(value)
		default:
			return match
		}
	})
}

// storagePattern matches {storage.PATH} blob references.
var storagePattern = regexp.MustCompile(`\{storage\.([^{}]+)\}`)

// ResolveStorage substitutes {storage.PATH} references by reading blobs.
// References resolve sequentially, left to right, so output ordering is
// stable regardless of backend latency. Missing keys are left verbatim;
// backend failures propagate.
func ResolveStorage(ctx context.Context, template string, reader BlobReader) (string, error) {
	matches := storagePattern.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 0 {
		return template, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(template[last:m[0]])
		key := template[m[2]:m[3]]
		value, ok, err := reader.Read(ctx, key)
		if err != nil {
			return "", fmt.Errorf("resolving storage reference %q: %w", key, err)
		}
		if ok {
			b.WriteString(value)
		} else {
			b.WriteString(template[m[0]:m[1]])
		}
		last = m[1]
	}
	b.WriteString(template[last:])
	return b.String(), nil
}

// encodeValue renders a context value for substitution: strings verbatim,
// everything else JSON-encoded.
func encodeValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return "null"
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
