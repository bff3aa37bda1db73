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

package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matterstack/matterstack/internal/campaign"
	"github.com/matterstack/matterstack/internal/config"
	"github.com/matterstack/matterstack/internal/ids"
	"github.com/matterstack/matterstack/internal/state"

	_ "github.com/matterstack/matterstack/internal/operator/local"
)

// oneShotCampaign plans a single workflow on its first Plan call (nil
// state) and signals completion on every call after.
type oneShotCampaign struct {
	task       campaign.TaskSpec
	planCalls  int
	lastResult map[string]campaign.TaskResult
}

func (c *oneShotCampaign) Plan(state json.RawMessage) (*campaign.Workflow, error) {
	c.planCalls++
	if string(state) == "null" || len(state) == 0 {
		return &campaign.Workflow{Tasks: []campaign.TaskSpec{c.task}}, nil
	}
	return nil, nil
}

func (c *oneShotCampaign) Analyze(state json.RawMessage, results map[string]campaign.TaskResult) (json.RawMessage, error) {
	c.lastResult = results
	return json.RawMessage(`{"analyzed":true}`), nil
}

func writeOperatorsConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "operators.yaml")
	content := "operators:\n  local.default:\n    kind: local\n    backend:\n      type: local\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testDeps(c campaign.Campaign) Deps {
	return Deps{Campaign: c}
}

func TestInitializeRun_PersistsFirstWorkflowAndStartsRunning(t *testing.T) {
	runsRoot := t.TempDir()
	opsConfig := writeOperatorsConfig(t, t.TempDir())

	camp := &oneShotCampaign{task: campaign.TaskSpec{TaskID: "build", Command: "true", OperatorKey: "local.default"}}
	ctx := context.Background()

	h, err := InitializeRun(ctx, runsRoot, "ws1", config.DefaultRunConfig(), opsConfig, testDeps(camp))
	require.NoError(t, err)
	assert.NotEmpty(t, h.RunID)
	assert.Equal(t, 1, camp.planCalls)

	store, err := state.Open(ctx, h.RunRoot, h.RunID)
	require.NoError(t, err)
	defer store.Close()

	run, err := store.GetRun(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.RunRunning, run.Status)

	tasks, err := store.GetTasks(ctx, h.RunID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "build", tasks[0].TaskID)
	assert.Equal(t, state.TaskPending, tasks[0].LogicalStatus)
}

func TestInitializeRun_NoCampaignLeavesRunEmpty(t *testing.T) {
	runsRoot := t.TempDir()
	opsConfig := writeOperatorsConfig(t, t.TempDir())
	ctx := context.Background()

	h, err := InitializeRun(ctx, runsRoot, "ws1", nil, opsConfig, Deps{})
	require.NoError(t, err)

	store, err := state.Open(ctx, h.RunRoot, h.RunID)
	require.NoError(t, err)
	defer store.Close()

	tasks, err := store.GetTasks(ctx, h.RunID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestStepRun_DrivesLocalTaskToCompletionAndCompletesRun(t *testing.T) {
	runsRoot := t.TempDir()
	opsConfig := writeOperatorsConfig(t, t.TempDir())
	ctx := context.Background()

	camp := &oneShotCampaign{task: campaign.TaskSpec{TaskID: "build", Command: "exit 0", OperatorKey: "local.default"}}
	h, err := InitializeRun(ctx, runsRoot, "ws1", config.DefaultRunConfig(), opsConfig, testDeps(camp))
	require.NoError(t, err)

	deps := testDeps(camp)
	deadline := time.Now().Add(5 * time.Second)
	var finalStatus state.RunStatus
	for time.Now().Before(deadline) {
		require.NoError(t, StepRun(ctx, h, deps))

		store, err := state.Open(ctx, h.RunRoot, h.RunID)
		require.NoError(t, err)
		run, err := store.GetRun(ctx, h.RunID)
		require.NoError(t, err)
		store.Close()

		finalStatus = run.Status
		if finalStatus.Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	assert.Equal(t, state.RunCompleted, finalStatus)
	assert.NotNil(t, camp.lastResult)
	assert.Equal(t, "COMPLETED", camp.lastResult["build"].Status)
}

func TestAddWorkflow_IsIdempotentAcrossReplanning(t *testing.T) {
	runsRoot := t.TempDir()
	runID := ids.New(time.Now())
	runRoot := filepath.Join(runsRoot, runID)
	require.NoError(t, os.MkdirAll(runRoot, 0o755))

	ctx := context.Background()
	store, err := state.Open(ctx, runRoot, runID)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.CreateRun(ctx, &state.Run{RunID: runID, RootPath: runRoot, Status: state.RunRunning, CreatedAt: time.Now()}))

	wf := &campaign.Workflow{Tasks: []campaign.TaskSpec{{TaskID: "t1", Command: "true"}}}
	require.NoError(t, addWorkflow(ctx, store, runID, wf))
	require.NoError(t, store.UpdateTaskStatus(ctx, runID, "t1", state.TaskRunning, ""))

	// Replanning the same task_id must not clobber the in-flight status.
	require.NoError(t, addWorkflow(ctx, store, runID, wf))

	tasks, err := store.GetTasks(ctx, runID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, state.TaskRunning, tasks[0].LogicalStatus)
}
