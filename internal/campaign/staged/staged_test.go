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

package staged

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matterstack/matterstack/internal/campaign"
)

const twoStageConfig = `
stages:
  - name: build
    tasks:
      - task_id: compile
        command: make build
  - name: analyze
    tasks:
      - task_id: postprocess
        command: make postprocess
    when: results.compile.status == "COMPLETED"
`

func TestPlan_ReturnsFirstStageOnFreshState(t *testing.T) {
	c, err := New([]byte(twoStageConfig))
	require.NoError(t, err)

	wf, err := c.Plan(json.RawMessage("null"))
	require.NoError(t, err)
	require.NotNil(t, wf)
	require.Len(t, wf.Tasks, 1)
	assert.Equal(t, "compile", wf.Tasks[0].TaskID)
}

func TestAnalyzeThenPlan_AdvancesToNextStageWhenPredicateHolds(t *testing.T) {
	c, err := New([]byte(twoStageConfig))
	require.NoError(t, err)

	results := map[string]campaign.TaskResult{
		"compile": {TaskID: "compile", Status: "COMPLETED"},
	}
	newState, err := c.Analyze(json.RawMessage("null"), results)
	require.NoError(t, err)

	wf, err := c.Plan(newState)
	require.NoError(t, err)
	require.NotNil(t, wf)
	require.Len(t, wf.Tasks, 1)
	assert.Equal(t, "postprocess", wf.Tasks[0].TaskID)
}

func TestAnalyzeThenPlan_SkipsStageWhenPredicateFails(t *testing.T) {
	c, err := New([]byte(twoStageConfig))
	require.NoError(t, err)

	results := map[string]campaign.TaskResult{
		"compile": {TaskID: "compile", Status: "FAILED", Reason: "compile error"},
	}
	newState, err := c.Analyze(json.RawMessage("null"), results)
	require.NoError(t, err)

	wf, err := c.Plan(newState)
	require.NoError(t, err)
	assert.Nil(t, wf, "analyze stage's predicate should fail, leaving no runnable stage")
}

func TestPlan_ReturnsNilOnceEveryStageConsumed(t *testing.T) {
	c, err := New([]byte(`
stages:
  - name: only
    tasks:
      - task_id: solo
        command: run solo
`))
	require.NoError(t, err)

	st, err := c.Analyze(json.RawMessage("null"), map[string]campaign.TaskResult{
		"solo": {TaskID: "solo", Status: "COMPLETED"},
	})
	require.NoError(t, err)

	wf, err := c.Plan(st)
	require.NoError(t, err)
	assert.Nil(t, wf)
}
