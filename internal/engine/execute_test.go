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
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matterstack/matterstack/internal/config"
	"github.com/matterstack/matterstack/internal/ids"
	"github.com/matterstack/matterstack/internal/operator"
	"github.com/matterstack/matterstack/internal/state"
	"github.com/matterstack/matterstack/internal/wiring"

	_ "github.com/matterstack/matterstack/internal/operator/local"
)

// newExecuteTestStore opens a fresh run-scoped Store under its own temp
// root, with a single local.default operator wired in.
func newExecuteTestStore(t *testing.T) (*state.Store, *RunHandle, *operator.Registry) {
	t.Helper()
	ctx := context.Background()

	runsRoot := t.TempDir()
	runID := ids.New(time.Now())
	runRoot := filepath.Join(runsRoot, runID)
	require.NoError(t, os.MkdirAll(runRoot, 0o755))

	store, err := state.Open(ctx, runRoot, runID)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateRun(ctx, &state.Run{
		RunID: runID, RootPath: runRoot, Status: state.RunRunning, CreatedAt: time.Now(),
	}))

	parsed, err := wiring.Parse([]byte("operators:\n  local.default:\n    kind: local\n    backend:\n      type: local\n"))
	require.NoError(t, err)
	registry, err := operator.NewRegistry(parsed)
	require.NoError(t, err)

	return store, &RunHandle{RunID: runID, RunRoot: runRoot}, registry
}

func TestExecute_DispatchesReadyTaskWhenSlotsAvailable(t *testing.T) {
	ctx := context.Background()
	store, h, registry := newExecuteTestStore(t)

	task := &state.Task{TaskID: "t1", RunID: h.RunID, Command: "true", OperatorKey: "local.default", LogicalStatus: state.TaskReady}
	require.NoError(t, store.AddWorkflow(ctx, h.RunID, []*state.Task{task}))

	cfg := config.DefaultRunConfig()
	require.NoError(t, execute(ctx, store, registry, cfg, h, slog.Default()))

	tasks, err := store.GetTasks(ctx, h.RunID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, state.TaskSubmitted, tasks[0].LogicalStatus)

	active, err := store.GetActiveAttempts(ctx, h.RunID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestExecute_GlobalConcurrencyCapBlocksFurtherDispatch(t *testing.T) {
	ctx := context.Background()
	store, h, registry := newExecuteTestStore(t)

	filler := &state.Task{TaskID: "filler", RunID: h.RunID, Command: "true", OperatorKey: "local.default", LogicalStatus: state.TaskReady}
	target := &state.Task{TaskID: "target", RunID: h.RunID, Command: "true", OperatorKey: "local.default", LogicalStatus: state.TaskReady}
	require.NoError(t, store.AddWorkflow(ctx, h.RunID, []*state.Task{filler, target}))

	// Occupy the run's one global slot with an already-active attempt
	// before execute ever sees it.
	_, err := store.CreateAttempt(ctx, ids.New(time.Now()), "filler", h.RunID, "local.default", "", "", nil, "", "")
	require.NoError(t, err)

	cfg := config.DefaultRunConfig()
	cfg.MaxConcurrentGlobal = 1
	require.NoError(t, execute(ctx, store, registry, cfg, h, slog.Default()))

	tasks, err := store.GetTasks(ctx, h.RunID)
	require.NoError(t, err)
	var targetTask *state.Task
	for _, ts := range tasks {
		if ts.TaskID == "target" {
			targetTask = ts
		}
	}
	require.NotNil(t, targetTask)
	assert.Equal(t, state.TaskReady, targetTask.LogicalStatus, "target must stay un-dispatched while the global cap is exhausted")

	active, err := store.GetActiveAttempts(ctx, h.RunID)
	require.NoError(t, err)
	assert.Len(t, active, 1, "only the filler's pre-existing attempt should be active")
}

func TestExecute_PerOperatorConcurrencyCapBlocksFurtherDispatch(t *testing.T) {
	ctx := context.Background()
	store, h, registry := newExecuteTestStore(t)

	filler := &state.Task{TaskID: "filler", RunID: h.RunID, Command: "true", OperatorKey: "local.default", LogicalStatus: state.TaskReady}
	target := &state.Task{TaskID: "target", RunID: h.RunID, Command: "true", OperatorKey: "local.default", LogicalStatus: state.TaskReady}
	require.NoError(t, store.AddWorkflow(ctx, h.RunID, []*state.Task{filler, target}))

	_, err := store.CreateAttempt(ctx, ids.New(time.Now()), "filler", h.RunID, "local.default", "", "", nil, "", "")
	require.NoError(t, err)

	cfg := config.DefaultRunConfig()
	cfg.MaxConcurrentGlobal = 10
	cfg.MaxConcurrentPerOperator = map[string]int{"local.default": 1}
	require.NoError(t, execute(ctx, store, registry, cfg, h, slog.Default()))

	tasks, err := store.GetTasks(ctx, h.RunID)
	require.NoError(t, err)
	var targetTask *state.Task
	for _, ts := range tasks {
		if ts.TaskID == "target" {
			targetTask = ts
		}
	}
	require.NotNil(t, targetTask)
	assert.Equal(t, state.TaskReady, targetTask.LogicalStatus, "target must stay un-dispatched while local.default's per-operator cap is exhausted")
}

func TestExecute_PerOperatorCapAllowsDispatchUpToLimit(t *testing.T) {
	ctx := context.Background()
	store, h, registry := newExecuteTestStore(t)

	// Two READY local.default tasks under a local.default cap of 2: the
	// cap is not yet reached, so both dispatch in the same EXECUTE pass.
	filler := &state.Task{TaskID: "filler", RunID: h.RunID, Command: "true", OperatorKey: "local.default", LogicalStatus: state.TaskReady}
	target := &state.Task{TaskID: "target", RunID: h.RunID, Command: "true", OperatorKey: "local.default", LogicalStatus: state.TaskReady}
	require.NoError(t, store.AddWorkflow(ctx, h.RunID, []*state.Task{filler, target}))

	cfg := config.DefaultRunConfig()
	cfg.MaxConcurrentGlobal = 10
	cfg.MaxConcurrentPerOperator = map[string]int{"local.default": 2}
	require.NoError(t, execute(ctx, store, registry, cfg, h, slog.Default()))

	tasks, err := store.GetTasks(ctx, h.RunID)
	require.NoError(t, err)
	for _, ts := range tasks {
		assert.Equal(t, state.TaskSubmitted, ts.LogicalStatus, "task %s should dispatch within the per-operator cap", ts.TaskID)
	}
}

func TestIsReady_CompletedDependencySatisfiesReadiness(t *testing.T) {
	byID := map[string]*state.Task{
		"dep": {TaskID: "dep", LogicalStatus: state.TaskCompleted},
	}
	target := &state.Task{TaskID: "t", Dependencies: []string{"dep"}}
	assert.True(t, isReady(target, byID))
}

func TestIsReady_FailedDependencyBlocksWithoutAllowFailure(t *testing.T) {
	byID := map[string]*state.Task{
		"dep": {TaskID: "dep", LogicalStatus: state.TaskFailed},
	}
	target := &state.Task{TaskID: "t", Dependencies: []string{"dep"}, AllowFailure: false}
	assert.False(t, isReady(target, byID), "a FAILED dependency must block readiness unless allow_failure is set")
}

func TestIsReady_FailedDependencyAllowedWithAllowFailure(t *testing.T) {
	byID := map[string]*state.Task{
		"dep": {TaskID: "dep", LogicalStatus: state.TaskFailed},
	}
	target := &state.Task{TaskID: "t", Dependencies: []string{"dep"}, AllowFailure: true}
	assert.True(t, isReady(target, byID))
}

func TestIsReady_PendingDependencyBlocksReadiness(t *testing.T) {
	byID := map[string]*state.Task{
		"dep": {TaskID: "dep", LogicalStatus: state.TaskPending},
	}
	target := &state.Task{TaskID: "t", Dependencies: []string{"dep"}}
	assert.False(t, isReady(target, byID))
}

func TestIsReady_NoDependenciesIsImmediatelyReady(t *testing.T) {
	target := &state.Task{TaskID: "t"}
	assert.True(t, isReady(target, map[string]*state.Task{}))
}

func TestPlan_PromotesOnlyTasksWhoseDependenciesAreSatisfied(t *testing.T) {
	ctx := context.Background()
	store, h, _ := newExecuteTestStore(t)

	blocked := &state.Task{TaskID: "blocked", RunID: h.RunID, Command: "true", Dependencies: []string{"upstream"}, LogicalStatus: state.TaskPending}
	upstream := &state.Task{TaskID: "upstream", RunID: h.RunID, Command: "true", LogicalStatus: state.TaskFailed}
	require.NoError(t, store.AddWorkflow(ctx, h.RunID, []*state.Task{upstream, blocked}))

	require.NoError(t, plan(ctx, store, h.RunID))

	status, err := store.GetTaskStatus(ctx, h.RunID, "blocked")
	require.NoError(t, err)
	assert.Equal(t, state.TaskPending, status, "plan must not promote a task whose dependency FAILED without allow_failure")
}
