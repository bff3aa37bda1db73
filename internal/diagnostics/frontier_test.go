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

package diagnostics

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matterstack/matterstack/internal/ids"
	"github.com/matterstack/matterstack/internal/state"
)

func newTestStore(t *testing.T) (*state.Store, string, string) {
	t.Helper()
	runsRoot := t.TempDir()
	runID := ids.New(time.Now())
	runRoot := filepath.Join(runsRoot, runID)
	require.NoError(t, os.MkdirAll(runRoot, 0o755))

	ctx := context.Background()
	store, err := state.Open(ctx, runRoot, runID)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateRun(ctx, &state.Run{RunID: runID, RootPath: runRoot, Status: state.RunRunning, CreatedAt: time.Now()}))
	return store, runID, runRoot
}

func TestFrontier_ClassifiesEveryNonTerminalTask(t *testing.T) {
	store, runID, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddWorkflow(ctx, runID, []*state.Task{
		{TaskID: "done", LogicalStatus: state.TaskCompleted},
		{TaskID: "blocked", Dependencies: []string{"done", "missing"}, LogicalStatus: state.TaskPending},
		{TaskID: "ready_now", LogicalStatus: state.TaskReady},
		{TaskID: "waiting_human", OperatorKey: "human.default", LogicalStatus: state.TaskSubmitted},
	}))

	attempt, err := store.CreateAttempt(ctx, "att1", "waiting_human", runID, "human.default", "", "", nil, "tasks/waiting_human/attempts/att1", "")
	require.NoError(t, err)
	require.NoError(t, store.UpdateTaskStatus(ctx, runID, "waiting_human", state.TaskSubmitted, attempt.AttemptID))

	items, err := Frontier(ctx, store, runID)
	require.NoError(t, err)
	require.Len(t, items, 3)

	byID := map[string]Item{}
	for _, it := range items {
		byID[it.TaskID] = it
	}

	blocked := byID["blocked"]
	assert.Equal(t, WaitingDependency, blocked.Classification)
	assert.ElementsMatch(t, []string{"missing"}, blocked.BlockingDependencies)

	ready := byID["ready_now"]
	assert.Equal(t, Ready, ready.Classification)

	waiting := byID["waiting_human"]
	assert.Equal(t, WaitingExternal, waiting.Classification)
	assert.Equal(t, "human.default", waiting.OperatorKey)
	assert.Contains(t, waiting.Hint, "response.json")
	assert.Contains(t, waiting.Hint, "tasks/waiting_human/attempts/att1")
}

func TestFrontier_AllowFailureDependencyIsNotBlocking(t *testing.T) {
	store, runID, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddWorkflow(ctx, runID, []*state.Task{
		{TaskID: "upstream", LogicalStatus: state.TaskFailed},
		{TaskID: "downstream", Dependencies: []string{"upstream"}, AllowFailure: true, LogicalStatus: state.TaskPending},
	}))

	items, err := Frontier(ctx, store, runID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	// Frontier itself never mutates status (PLAN does the promotion to
	// READY); an allow_failure-satisfied dependency is simply reported
	// as blocking nothing.
	assert.Equal(t, WaitingDependency, items[0].Classification)
	assert.Empty(t, items[0].BlockingDependencies)
}
