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

package engine

import (
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/sandcastle-hq/sandcastle/pkg/workflow"
)

// mapValue resolves one sub-workflow mapping expression. Expressions
// starting with "." are jq queries against the document; anything else
// goes through template resolution against the parent run context.
func mapValue(expr string, doc map[string]any, rc *workflow.RunContext) (any, error) {
	if strings.HasPrefix(expr, ".") {
		return jqFirst(expr, doc)
	}
	return workflow.Resolve(expr, rc), nil
}

// jqFirst runs a jq query and returns its first result. A query with no
// results yields nil.
func jqFirst(expr string, doc map[string]any) (any, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid mapping expression %q: %w", expr, err)
	}
	iter := query.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("mapping expression %q: %w", expr, err)
	}
	return v, nil
}

// mapInput builds a child run input from an input mapping. A nil mapping
// passes the parent input through unchanged.
func mapInput(mapping map[string]string, rc *workflow.RunContext) (map[string]any, error) {
	if len(mapping) == 0 {
		return rc.Input, nil
	}
	doc := map[string]any{
		"input": rc.Input,
		"steps": rc.Outputs(),
	}
	out := make(map[string]any, len(mapping))
	for name, expr := range mapping {
		v, err := mapValue(expr, doc, rc)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// mapOutput projects child run outputs through an output mapping. A nil
// mapping returns the child outputs unchanged.
func mapOutput(mapping map[string]string, childOutputs map[string]any) (any, error) {
	if len(mapping) == 0 {
		return childOutputs, nil
	}
	doc := map[string]any{"outputs": childOutputs}
	out := make(map[string]any, len(mapping))
	for name, expr := range mapping {
		if !strings.HasPrefix(expr, ".") {
			out[name] = expr
			continue
		}
		v, err := jqFirst(expr, doc)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}
