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

package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), t.TempDir(), "20260101_000000_aaaaaaaa")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen_RunsMigrationsToCurrentVersion(t *testing.T) {
	store := newTestStore(t)

	version, err := currentVersion(context.Background(), store.db)
	require.NoError(t, err)
	require.Equal(t, schemaVersion, version)
}

func TestOpen_SecondAcquireFailsWithLockHeldError(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(context.Background(), dir, "run-1")
	require.NoError(t, err)
	defer store.Close()

	_, err = Open(context.Background(), dir, "run-1")
	require.Error(t, err)
	var lockErr *matterrors.LockHeldError
	require.ErrorAs(t, err, &lockErr)
}

func TestCreateRunAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &Run{
		RunID:         "20260101_000000_aaaaaaaa",
		WorkspaceSlug: "demo",
		RootPath:      "/workspaces/demo/runs/20260101_000000_aaaaaaaa",
		Status:        RunPending,
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, run.WorkspaceSlug, got.WorkspaceSlug)
	require.Equal(t, RunPending, got.Status)
}

func TestGetRun_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	var notFound *matterrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSetRunStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run := &Run{RunID: "r1", WorkspaceSlug: "demo", RootPath: "/x", Status: RunPending, CreatedAt: time.Now()}
	require.NoError(t, store.CreateRun(ctx, run))

	require.NoError(t, store.SetRunStatus(ctx, "r1", RunRunning, ""))

	status, err := store.GetRunStatus(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, RunRunning, status)
}

func TestListActiveRuns_ExcludesTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, r := range []*Run{
		{RunID: "active-1", Status: RunRunning, CreatedAt: time.Now()},
		{RunID: "active-2", Status: RunPaused, CreatedAt: time.Now()},
		{RunID: "done", Status: RunCompleted, CreatedAt: time.Now()},
	} {
		require.NoError(t, store.CreateRun(ctx, r))
	}

	active, err := store.ListActiveRuns(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"active-1", "active-2"}, active)
}

func TestAddWorkflow_IsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, &Run{RunID: "r1", CreatedAt: time.Now()}))

	task := &Task{TaskID: "t1", Command: "echo hi"}
	require.NoError(t, store.AddWorkflow(ctx, "r1", []*Task{task}))
	require.NoError(t, store.AddWorkflow(ctx, "r1", []*Task{task}))

	tasks, err := store.GetTasks(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestUpdateTaskStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, &Run{RunID: "r1", CreatedAt: time.Now()}))
	require.NoError(t, store.AddWorkflow(ctx, "r1", []*Task{{TaskID: "t1"}}))

	require.NoError(t, store.UpdateTaskStatus(ctx, "r1", "t1", TaskReady, ""))

	status, err := store.GetTaskStatus(ctx, "r1", "t1")
	require.NoError(t, err)
	require.Equal(t, TaskReady, status)
}

func TestCreateAttempt_MonotonicIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, &Run{RunID: "r1", CreatedAt: time.Now()}))
	require.NoError(t, store.AddWorkflow(ctx, "r1", []*Task{{TaskID: "t1"}}))

	a1, err := store.CreateAttempt(ctx, "t1-attempt-1", "t1", "r1", "local.default", "{}", "hash1", nil, "evidence/1", "")
	require.NoError(t, err)
	require.Equal(t, 1, a1.AttemptIndex)

	a2, err := store.CreateAttempt(ctx, "t1-attempt-2", "t1", "r1", "local.default", "{}", "hash2", nil, "evidence/2", "")
	require.NoError(t, err)
	require.Equal(t, 2, a2.AttemptIndex)

	current, err := store.GetCurrentAttempt(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, a2.AttemptID, current.AttemptID)
}

func TestUpdateAttempt_TerminalIsImmutableExceptReason(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, &Run{RunID: "r1", CreatedAt: time.Now()}))
	require.NoError(t, store.AddWorkflow(ctx, "r1", []*Task{{TaskID: "t1"}}))
	_, err := store.CreateAttempt(ctx, "a1", "t1", "r1", "local.default", "{}", "h", nil, "e", "")
	require.NoError(t, err)

	require.NoError(t, store.UpdateAttempt(ctx, "a1", AttemptUpdate{Status: AttemptCompleted}))

	// reason append on a terminal attempt is allowed
	require.NoError(t, store.UpdateAttempt(ctx, "a1", AttemptUpdate{Status: AttemptCompleted, Reason: "collected"}))

	// changing external_id on a terminal attempt is rejected
	err = store.UpdateAttempt(ctx, "a1", AttemptUpdate{Status: AttemptCompleted, ExternalID: "late-change"})
	require.Error(t, err)

	attempt, err := store.GetAttempt(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "collected", attempt.Reason)
	require.Empty(t, attempt.ExternalID)
}

func TestGetActiveAttempts_ExcludesTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, &Run{RunID: "r1", CreatedAt: time.Now()}))
	require.NoError(t, store.AddWorkflow(ctx, "r1", []*Task{{TaskID: "t1"}, {TaskID: "t2"}}))

	_, err := store.CreateAttempt(ctx, "a1", "t1", "r1", "local.default", "{}", "h", nil, "e1", "")
	require.NoError(t, err)
	_, err = store.CreateAttempt(ctx, "a2", "t2", "r1", "local.default", "{}", "h", nil, "e2", "")
	require.NoError(t, err)
	require.NoError(t, store.UpdateAttempt(ctx, "a2", AttemptUpdate{Status: AttemptCompleted}))

	active, err := store.GetActiveAttempts(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "a1", active[0].AttemptID)
}

func TestRecordEvent_AppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, &Run{RunID: "r1", CreatedAt: time.Now()}))

	_, err := store.RecordEvent(ctx, "r1", "revive", "operator", `{"reason":"manual restart"}`)
	require.NoError(t, err)
	_, err = store.RecordEvent(ctx, "r1", "pause", "operator", `{}`)
	require.NoError(t, err)

	events, err := store.ListEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "revive", events[0].Action)
}
