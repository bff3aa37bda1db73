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

	"github.com/matterstack/matterstack/internal/campaign"
	matterlog "github.com/matterstack/matterstack/internal/log"
	"github.com/matterstack/matterstack/internal/state"
	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

// analyze runs only once every task in the current workflow is
// terminal. Per the chosen resolution of the ambiguity in the source
// around allow_failure, analyze never runs while any task is FAILED
// with allow_failure=false: that condition instead fails the run
// outright.
func analyze(ctx context.Context, store *state.Store, h *RunHandle, deps Deps, logger *slog.Logger) error {
	if deps.Campaign == nil {
		return nil
	}

	tasks, err := store.GetTasks(ctx, h.RunID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	for _, t := range tasks {
		if !t.LogicalStatus.Terminal() {
			return nil
		}
		if t.LogicalStatus == state.TaskFailed && !t.AllowFailure {
			return store.SetRunStatus(ctx, h.RunID, state.RunFailed, "task "+t.TaskID+" failed without allow_failure")
		}
	}

	results, err := buildResults(ctx, store, tasks)
	if err != nil {
		return err
	}

	currentState, err := campaign.LoadState(h.RunRoot)
	if err != nil {
		return err
	}
	nextState, err := deps.Campaign.Analyze(currentState, results)
	if err != nil {
		if failErr := store.SetRunStatus(ctx, h.RunID, state.RunFailed, err.Error()); failErr != nil {
			return failErr
		}
		return &matterrors.CampaignError{Phase: "analyze", Cause: err}
	}
	if err := campaign.SaveState(h.RunRoot, nextState); err != nil {
		return err
	}

	workflow, err := deps.Campaign.Plan(nextState)
	if err != nil {
		if failErr := store.SetRunStatus(ctx, h.RunID, state.RunFailed, err.Error()); failErr != nil {
			return failErr
		}
		return &matterrors.CampaignError{Phase: "plan", Cause: err}
	}
	if workflow == nil {
		matterlog.WithRun(logger, h.RunID).Info("campaign plan returned no further work; completing run")
		return store.SetRunStatus(ctx, h.RunID, state.RunCompleted, "")
	}
	return addWorkflow(ctx, store, h.RunID, workflow)
}

func buildResults(ctx context.Context, store *state.Store, tasks []*state.Task) (map[string]campaign.TaskResult, error) {
	results := make(map[string]campaign.TaskResult, len(tasks))
	for _, t := range tasks {
		result := campaign.TaskResult{TaskID: t.TaskID, Status: string(t.LogicalStatus)}
		if t.CurrentAttemptID != "" {
			attempt, err := store.GetAttempt(ctx, t.CurrentAttemptID)
			if err == nil {
				result.AttemptID = attempt.AttemptID
				result.Reason = attempt.Reason
				result.EvidencePath = attempt.EvidenceLocalPath
			}
		}
		results[t.TaskID] = result
	}
	return results, nil
}
