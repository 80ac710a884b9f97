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
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
	"github.com/sandcastle-hq/sandcastle/pkg/errors"
)

// Condition context keys exposed to policy expressions.
const (
	ctxOutput       = "output"
	ctxStepID       = "step_id"
	ctxRunID        = "run_id"
	ctxStepCostUSD  = "step_cost_usd"
	ctxTotalCostUSD = "total_cost_usd"
)

// Evaluator evaluates policy condition expressions.
// Compiled programs are cached; every expression is checked against a
// restricted grammar before compilation: literals, identifiers, dotted
// access, comparisons, `in`, and/or/not, and len(...). No other function
// calls are permitted.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator creates a condition evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// ConditionInput is the evaluation context for a policy condition.
type ConditionInput struct {
	Output       any
	StepID       string
	RunID        string
	StepCostUSD  float64
	TotalCostUSD float64
}

// Evaluate evaluates a condition against the given input.
func (e *Evaluator) Evaluate(condition string, in ConditionInput) (bool, error) {
	if condition == "" {
		return false, nil
	}

	program, err := e.compile(condition)
	if err != nil {
		return false, err
	}

	env := map[string]any{
		ctxOutput:       in.Output,
		ctxStepID:       in.StepID,
		ctxRunID:        in.RunID,
		ctxStepCostUSD:  in.StepCostUSD,
		ctxTotalCostUSD: in.TotalCostUSD,
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "trigger.condition",
			Message:    fmt.Sprintf("condition evaluation failed: %s", err.Error()),
			Suggestion: "verify the referenced fields exist on the step output",
		}
	}

	b, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "trigger.condition",
			Message:    fmt.Sprintf("condition must return boolean, got %T", result),
			Suggestion: "use comparison or boolean operators",
		}
	}
	return b, nil
}

// compile validates the expression grammar, compiles it, and caches the program.
func (e *Evaluator) compile(condition string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[condition]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	if err := checkGrammar(condition); err != nil {
		return nil, err
	}

	prog, err := expr.Compile(condition,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "trigger.condition",
			Message:    fmt.Sprintf("failed to compile condition: %s", err.Error()),
			Suggestion: "check the expression syntax",
		}
	}

	e.mu.Lock()
	e.cache[condition] = prog
	e.mu.Unlock()
	return prog, nil
}

// checkGrammar parses the expression and rejects nodes outside the safe
// subset. Calls (other than the len builtin), closures, and pointer
// placeholders are forbidden so conditions stay side-effect free.
func checkGrammar(condition string) error {
	tree, err := parser.Parse(condition)
	if err != nil {
		return &errors.ValidationError{
			Field:      "trigger.condition",
			Message:    fmt.Sprintf("failed to parse condition: %s", err.Error()),
			Suggestion: "check the expression syntax",
		}
	}

	v := &grammarVisitor{}
	ast.Walk(&tree.Node, v)
	if v.err != nil {
		return v.err
	}
	return nil
}

// grammarVisitor rejects unsafe AST nodes.
type grammarVisitor struct {
	err error
}

// Visit implements ast.Visitor.
func (v *grammarVisitor) Visit(node *ast.Node) {
	if v.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.CallNode:
		if id, ok := n.Callee.(*ast.IdentifierNode); ok && id.Value == "len" {
			return
		}
		v.err = &errors.ValidationError{
			Field:      "trigger.condition",
			Message:    "function calls are not permitted in policy conditions",
			Suggestion: "only len(...) is allowed",
		}
	case *ast.BuiltinNode:
		if n.Name == "len" {
			return
		}
		v.err = &errors.ValidationError{
			Field:      "trigger.condition",
			Message:    fmt.Sprintf("builtin %q is not permitted in policy conditions", n.Name),
			Suggestion: "only len(...) is allowed",
		}
	case *ast.PredicateNode, *ast.PointerNode:
		v.err = &errors.ValidationError{
			Field:      "trigger.condition",
			Message:    "closures are not permitted in policy conditions",
			Suggestion: "use comparisons, boolean operators, dotted access, in, and len",
		}
	}
}
