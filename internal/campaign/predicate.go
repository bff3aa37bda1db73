// Copyright 2025 Tom Barlow
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

package campaign

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates campaign routing predicates — e.g. "should this
// dependent run given that three of its ten predecessors failed" —
// against a results context. Compiled programs are cached because
// analyze may re-evaluate the same predicate once per dependent task
// on every tick.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator returns a ready-to-use, empty-cache Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Context builds the flat map a predicate expression is evaluated
// against from a results set: {"results": {task_id: {"status": ..,
// "reason": ..}}}.
func Context(results map[string]TaskResult) map[string]any {
	resultMap := make(map[string]any, len(results))
	for id, r := range results {
		resultMap[id] = map[string]any{
			"status": r.Status,
			"reason": r.Reason,
			"data":   r.Data,
		}
	}
	return map[string]any{"results": resultMap}
}

// Eval compiles (or reuses a cached compile of) expression and runs it
// against ctx, requiring a boolean result. An empty expression always
// evaluates to true, matching the convention that an absent predicate
// never blocks a dependent.
func (e *Evaluator) Eval(expression string, ctx map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, fmt.Errorf("campaign: compile predicate %q: %w", expression, err)
	}

	out, err := expr.Run(program, ctx)
	if err != nil {
		return false, fmt.Errorf("campaign: evaluate predicate %q: %w", expression, err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("campaign: predicate %q must return a bool, got %T", expression, out)
	}
	return result, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}
