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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluator_EmptyExpressionIsTrue(t *testing.T) {
	e := NewEvaluator()
	ok, err := e.Eval("", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluator_CountsFailedResults(t *testing.T) {
	e := NewEvaluator()
	results := map[string]TaskResult{
		"a": {TaskID: "a", Status: "COMPLETED"},
		"b": {TaskID: "b", Status: "FAILED", Reason: "timeout"},
		"c": {TaskID: "c", Status: "FAILED", Reason: "oom"},
	}
	ctx := Context(results)

	ok, err := e.Eval(`results["b"].status == "FAILED"`, ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Eval(`results["a"].status == "FAILED"`, ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluator_CachesCompiledPrograms(t *testing.T) {
	e := NewEvaluator()
	expression := `results["a"].status == "COMPLETED"`
	ctx := Context(map[string]TaskResult{"a": {TaskID: "a", Status: "COMPLETED"}})

	_, err := e.Eval(expression, ctx)
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)

	_, err = e.Eval(expression, ctx)
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)
}

func TestEvaluator_NonBooleanResultFails(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Eval(`1 + 1`, nil)
	require.Error(t, err)
}
