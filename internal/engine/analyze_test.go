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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matterstack/matterstack/internal/campaign"
	matterlog "github.com/matterstack/matterstack/internal/log"
	"github.com/matterstack/matterstack/internal/state"
)

var testLogger = matterlog.New(matterlog.DefaultConfig())

func TestAnalyze_SkipsWhileAnyTaskNonTerminal(t *testing.T) {
	h := newTestRun(t, []campaign.TaskSpec{
		{TaskID: "a", Command: "true"},
		{TaskID: "b", Command: "true"},
	})
	ctx := context.Background()
	store, err := state.Open(ctx, h.RunRoot, h.RunID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateTaskStatus(ctx, h.RunID, "a", state.TaskCompleted, ""))
	store.Close()

	store2 := mustOpen(t, h)
	defer store2.Close()
	camp := &countingAnalyzeCampaign{}
	require.NoError(t, analyze(ctx, store2, h, Deps{Campaign: camp}, testLogger))
	assert.Equal(t, 0, camp.analyzeCalls)
}

func TestAnalyze_FailsTaskWithoutAllowFailure_FailsRun(t *testing.T) {
	h := newTestRun(t, []campaign.TaskSpec{{TaskID: "a", Command: "false", AllowFailure: false}})
	ctx := context.Background()
	store, err := state.Open(ctx, h.RunRoot, h.RunID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateTaskStatus(ctx, h.RunID, "a", state.TaskFailed, ""))
	storeRef := store

	camp := &countingAnalyzeCampaign{}
	require.NoError(t, analyze(ctx, storeRef, h, Deps{Campaign: camp}, testLogger))
	storeRef.Close()

	assert.Equal(t, 0, camp.analyzeCalls)
	assert.Equal(t, state.RunFailed, mustRunStatus(t, h))
}

func TestAnalyze_AllowedFailureStillInvokesCampaign(t *testing.T) {
	h := newTestRun(t, []campaign.TaskSpec{{TaskID: "a", Command: "false", AllowFailure: true}})
	ctx := context.Background()
	store, err := state.Open(ctx, h.RunRoot, h.RunID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateTaskStatus(ctx, h.RunID, "a", state.TaskFailed, ""))

	camp := &countingAnalyzeCampaign{}
	require.NoError(t, analyze(ctx, store, h, Deps{Campaign: camp}, testLogger))
	store.Close()

	assert.Equal(t, 1, camp.analyzeCalls)
	assert.Equal(t, state.RunCompleted, mustRunStatus(t, h))
}

type countingAnalyzeCampaign struct {
	analyzeCalls int
}

func (c *countingAnalyzeCampaign) Plan(state json.RawMessage) (*campaign.Workflow, error) {
	return nil, nil
}

func (c *countingAnalyzeCampaign) Analyze(state json.RawMessage, results map[string]campaign.TaskResult) (json.RawMessage, error) {
	c.analyzeCalls++
	return json.RawMessage(`{}`), nil
}

func mustOpen(t *testing.T, h *RunHandle) *state.Store {
	t.Helper()
	store, err := state.Open(context.Background(), h.RunRoot, h.RunID)
	require.NoError(t, err)
	return store
}
