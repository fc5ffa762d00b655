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

package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateEmptyExpressionDefaultsTrue(t *testing.T) {
	e := New()
	ok, err := e.Evaluate("", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateBooleanExpressionAgainstEnv(t *testing.T) {
	e := New()
	ok, err := e.Evaluate(`args.amount > 1000`, map[string]any{"args": map[string]any{"amount": 5000}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(`args.amount > 1000`, map[string]any{"args": map[string]any{"amount": 50}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateNonBooleanResultErrors(t *testing.T) {
	e := New()
	_, err := e.Evaluate(`args.amount`, map[string]any{"args": map[string]any{"amount": 50}})
	assert.Error(t, err)
}

func TestEvaluateInvalidExpressionErrors(t *testing.T) {
	e := New()
	_, err := e.Evaluate(`args.(((`, map[string]any{})
	assert.Error(t, err)
}

func TestCompileCachesProgram(t *testing.T) {
	e := New()
	_, err := e.Evaluate(`args.amount > 10`, map[string]any{"args": map[string]any{"amount": 20}})
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.cache[`args.amount > 10`]
	e.mu.RUnlock()
	assert.True(t, cached)
}

func TestRequiresApprovalFailsClosedOnEvaluationError(t *testing.T) {
	e := New()
	gate := e.RequiresApproval(`args.(((`)
	assert.True(t, gate(map[string]any{}))
}

func TestRequiresApprovalReflectsExpressionResult(t *testing.T) {
	e := New()
	gate := e.RequiresApproval(`args.amount > 1000`)
	assert.True(t, gate(map[string]any{"amount": 5000}))
	assert.False(t, gate(map[string]any{"amount": 50}))
}
