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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/matterstack/matterstack/internal/config"
	matterlog "github.com/matterstack/matterstack/internal/log"
	"github.com/matterstack/matterstack/internal/metrics"
	"github.com/matterstack/matterstack/internal/operator"
	"github.com/matterstack/matterstack/internal/state"
	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

// StepRun runs one stateless tick: POLL, PLAN, EXECUTE (skipped while
// PAUSED), ANALYZE. It acquires the run lock for the duration of the
// tick and releases it before returning. A tick never blocks on task
// completion — every phase only acts on work already resolvable now.
func StepRun(ctx context.Context, h *RunHandle, deps Deps) error {
	store, err := state.Open(ctx, h.RunRoot, h.RunID)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(ctx, h.RunID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	cfg, err := config.Load(filepath.Join(h.RunRoot, configFileName))
	if err != nil {
		return err
	}
	registry, err := openRegistry(h.RunRoot, h.RunID)
	if err != nil {
		return err
	}
	logger := matterlog.WithRun(deps.logger(), h.RunID)

	pollDone := metrics.Timer("poll")
	err = poll(ctx, store, registry, h.RunID, h.RunRoot, logger)
	pollDone()
	if err != nil {
		return err
	}

	planDone := metrics.Timer("plan")
	err = plan(ctx, store, h.RunID)
	planDone()
	if err != nil {
		return err
	}

	if run.Status == state.RunRunning {
		executeDone := metrics.Timer("execute")
		err = execute(ctx, store, registry, cfg, h, logger)
		executeDone()
		if err != nil {
			return err
		}
	}

	analyzeDone := metrics.Timer("analyze")
	err = analyze(ctx, store, h, deps, logger)
	analyzeDone()
	if err != nil {
		return err
	}

	if finalStatus, statusErr := store.GetRunStatus(ctx, h.RunID); statusErr == nil {
		metrics.RecordRunStepped(string(finalStatus))
	}
	return nil
}

// poll advances every non-terminal attempt by one Check call, applying
// Classify's decision table and persisting whatever that decision
// implies for the attempt and its owning task. Checks run concurrently
// across attempts since each targets an independent backend; the
// resulting state writes still serialize through the store's single
// connection.
func poll(ctx context.Context, store *state.Store, registry *operator.Registry, runID, runRoot string, logger *slog.Logger) error {
	attempts, err := store.GetActiveAttempts(ctx, runID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, attempt := range attempts {
		attempt := attempt
		g.Go(func() error {
			return pollAttempt(gctx, store, registry, runID, runRoot, attempt, logger)
		})
	}
	return g.Wait()
}

func pollAttempt(ctx context.Context, store *state.Store, registry *operator.Registry, runID, runRoot string, attempt *state.Attempt, logger *slog.Logger) error {
	attemptLogger := matterlog.WithAttempt(logger, runID, attempt.TaskID, attempt.AttemptID)

	op, err := registry.Lookup(attempt.OperatorKey)
	if err != nil {
		if failErr := failAttemptAndTask(ctx, store, attempt, fmt.Sprintf("unknown operator key: %s", attempt.OperatorKey)); failErr != nil {
			return failErr
		}
		attemptLogger.Error("attempt failed: unknown operator key", matterlog.String(matterlog.OperatorKeyKey, attempt.OperatorKey))
		return nil
	}

	handle := handleFromAttempt(attempt, runRoot)
	externalStatus, err := op.Check(ctx, handle)
	if err != nil {
		if isTransient(err) {
			attemptLogger.Warn("transient backend error during check", matterlog.Error(err))
			return nil
		}
		return failAttemptAndTask(ctx, store, attempt, err.Error())
	}

	decision, reason := operator.Classify(externalStatus)
	switch decision {
	case operator.DecisionInProgress:
		return advanceInProgress(ctx, store, attempt, externalStatus)
	case operator.DecisionCollect:
		if err := op.Collect(ctx, handle); err != nil {
			return failAttemptAndTask(ctx, store, attempt, fmt.Sprintf("collect failed: %v", err))
		}
		return completeAttempt(ctx, store, attempt, handle)
	case operator.DecisionFailed:
		if reason == "" {
			reason = string(externalStatus)
		}
		return failAttemptAndTask(ctx, store, attempt, reason)
	case operator.DecisionCancelled:
		return cancelAttempt(ctx, store, attempt)
	case operator.DecisionRetryableError:
		attemptLogger.Warn("retryable external status observed", matterlog.String("external_status", string(externalStatus)))
	}
	return nil
}

func isTransient(err error) bool {
	var transientErr *matterrors.TransientBackendError
	return errors.As(err, &transientErr)
}

func handleFromAttempt(a *state.Attempt, runRoot string) *operator.Handle {
	h := &operator.Handle{
		AttemptID:     a.AttemptID,
		TaskID:        a.TaskID,
		RunID:         a.RunID,
		RunRoot:       runRoot,
		ExternalID:    a.ExternalID,
		WorkdirRemote: a.WorkdirRemote,
	}
	if a.OperatorData != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(a.OperatorData), &data); err == nil {
			h.OperatorData = data
		}
	}
	return h
}

func advanceInProgress(ctx context.Context, store *state.Store, attempt *state.Attempt, status operator.ExternalStatus) error {
	newStatus := state.AttemptRunning
	switch status {
	case operator.ExternalQueued:
		newStatus = state.AttemptSubmitted
	}
	if newStatus == attempt.Status {
		return nil
	}
	return store.UpdateAttempt(ctx, attempt.AttemptID, state.AttemptUpdate{Status: newStatus})
}

func completeAttempt(ctx context.Context, store *state.Store, attempt *state.Attempt, handle *operator.Handle) error {
	if err := store.UpdateAttempt(ctx, attempt.AttemptID, state.AttemptUpdate{Status: state.AttemptCompleted}); err != nil {
		return err
	}
	return store.UpdateTaskStatus(ctx, attempt.RunID, attempt.TaskID, state.TaskCompleted, attempt.AttemptID)
}

func failAttemptAndTask(ctx context.Context, store *state.Store, attempt *state.Attempt, reason string) error {
	if err := store.UpdateAttempt(ctx, attempt.AttemptID, state.AttemptUpdate{Status: state.AttemptFailed, Reason: reason}); err != nil {
		return err
	}
	return store.UpdateTaskStatus(ctx, attempt.RunID, attempt.TaskID, state.TaskFailed, attempt.AttemptID)
}

func cancelAttempt(ctx context.Context, store *state.Store, attempt *state.Attempt) error {
	if err := store.UpdateAttempt(ctx, attempt.AttemptID, state.AttemptUpdate{Status: state.AttemptCancelled, Reason: "cancelled"}); err != nil {
		return err
	}
	return store.UpdateTaskStatus(ctx, attempt.RunID, attempt.TaskID, state.TaskFailed, attempt.AttemptID)
}

// plan refreshes task readiness: a task becomes READY once every
// dependency is COMPLETED, or FAILED with the dependent's AllowFailure
// set, and it has no active attempt of its own.
func plan(ctx context.Context, store *state.Store, runID string) error {
	tasks, err := store.GetTasks(ctx, runID)
	if err != nil {
		return err
	}
	byID := make(map[string]*state.Task, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}
	active, err := store.GetActiveAttempts(ctx, runID)
	if err != nil {
		return err
	}
	hasActive := make(map[string]bool, len(active))
	for _, a := range active {
		hasActive[a.TaskID] = true
	}

	for _, t := range tasks {
		if t.LogicalStatus != state.TaskPending || hasActive[t.TaskID] {
			continue
		}
		if isReady(t, byID) {
			if err := store.UpdateTaskStatus(ctx, runID, t.TaskID, state.TaskReady, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

func isReady(t *state.Task, byID map[string]*state.Task) bool {
	for _, depID := range t.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			return false
		}
		switch dep.LogicalStatus {
		case state.TaskCompleted:
			continue
		case state.TaskFailed:
			if !t.AllowFailure {
				return false
			}
		default:
			return false
		}
	}
	return true
}
