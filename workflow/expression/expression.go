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

// Package expression evaluates expr-lang gating predicates: an
// alternative to a Go closure for GatedStepConfig.RequiresApproval and
// ApprovalStore policy matching, so a gate's condition can be
// configured as data rather than compiled code.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	durablyerrors "github.com/jagreehal/durably/errors"
)

// Evaluator compiles and runs boolean gating expressions against a
// step's args, caching compiled programs behind a mutex.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an empty Evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles expression (or reuses the cached program) and runs
// it against env, requiring a boolean result. An empty expression
// defaults to true, matching "no gating condition configured".
func (e *Evaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, durablyerrors.Wrapf(err, "compile gating expression %q", expression)
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, durablyerrors.Wrapf(err, "evaluate gating expression %q", expression)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("gating expression %q must return bool, got %T", expression, result)
	}
	return b, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// RequiresApproval adapts a compiled expression into the
// GatedStepConfig.RequiresApproval signature: args is exposed to the
// expression as the "args" variable.
func (e *Evaluator) RequiresApproval(expression string) func(args any) bool {
	return func(args any) bool {
		ok, err := e.Evaluate(expression, map[string]any{"args": args})
		if err != nil {
			return true // fail closed: an unevaluable gate still requires approval
		}
		return ok
	}
}
