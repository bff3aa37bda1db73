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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/matterstack/matterstack/internal/config"
	"github.com/matterstack/matterstack/internal/ids"
	matterlog "github.com/matterstack/matterstack/internal/log"
	"github.com/matterstack/matterstack/internal/metrics"
	"github.com/matterstack/matterstack/internal/operator"
	"github.com/matterstack/matterstack/internal/state"
	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

// execute computes available concurrency slots and submits READY
// tasks, in the order they were planned, until either the global or a
// per-operator slot class is exhausted.
func execute(ctx context.Context, store *state.Store, registry *operator.Registry, cfg *config.RunConfig, h *RunHandle, logger *slog.Logger) error {
	active, err := store.GetActiveAttempts(ctx, h.RunID)
	if err != nil {
		return err
	}
	globalSlots := cfg.MaxConcurrentGlobal - len(active)

	activeByKey := make(map[string]int)
	for _, a := range active {
		activeByKey[a.OperatorKey]++
	}
	for key, count := range activeByKey {
		metrics.SetActiveAttempts(key, count)
	}
	perOperator := make(map[string]int, len(cfg.MaxConcurrentPerOperator))
	for key, limit := range cfg.MaxConcurrentPerOperator {
		perOperator[key] = limit - activeByKey[key]
	}

	if globalSlots <= 0 {
		return nil
	}

	tasks, err := store.GetTasks(ctx, h.RunID)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if globalSlots <= 0 {
			break
		}
		if t.LogicalStatus != state.TaskReady {
			continue
		}

		operatorKey, err := resolveOperatorKey(t, cfg)
		if err != nil {
			if failErr := recordDispatchFailure(ctx, store, h.RunID, t.TaskID, err.Error()); failErr != nil {
				return failErr
			}
			continue
		}
		if t.OperatorKey == "" {
			// Migrate a legacy env-only task: the next tick resolves its
			// operator key directly from the task row.
			if err := store.UpdateTaskOperatorKey(ctx, h.RunID, t.TaskID, operatorKey); err != nil {
				return err
			}
		}

		if limit, capped := perOperator[operatorKey]; capped && limit <= 0 {
			continue
		}

		op, err := registry.Lookup(operatorKey)
		if err != nil {
			metrics.RecordDispatch(operatorKey, "failed")
			if failErr := recordDispatchFailure(ctx, store, h.RunID, t.TaskID, err.Error()); failErr != nil {
				return failErr
			}
			continue
		}

		if err := dispatch(ctx, store, op, operatorKey, cfg, h, t, logger); err != nil {
			metrics.RecordDispatch(operatorKey, "failed")
			return err
		}
		metrics.RecordDispatch(operatorKey, "submitted")

		globalSlots--
		if _, capped := perOperator[operatorKey]; capped {
			perOperator[operatorKey]--
		}
	}
	return nil
}

// resolveOperatorKey implements the dispatch precedence: an explicit
// operator_key field on the task beats MATTERSTACK_OPERATOR beats the
// workspace default. All three sources agreeing is the common case;
// when the field is set it always wins over the environment override.
func resolveOperatorKey(t *state.Task, cfg *config.RunConfig) (string, error) {
	if t.OperatorKey != "" {
		return t.OperatorKey, nil
	}
	if env := os.Getenv(config.EnvOperator); env != "" {
		return env, nil
	}
	if cfg.DefaultOperatorKey != "" {
		return cfg.DefaultOperatorKey, nil
	}
	return "", &matterrors.UnknownOperatorKeyError{OperatorKey: ""}
}

func dispatch(ctx context.Context, store *state.Store, op operator.Operator, operatorKey string, cfg *config.RunConfig, h *RunHandle, t *state.Task, logger *slog.Logger) error {
	now := time.Now()
	attemptID := ids.New(now)
	evidencePath := filepath.Join("tasks", t.TaskID, "attempts", attemptID)
	workdirRemote := ""
	if cfg.RemoteRoot != "" {
		workdirRemote = filepath.Join(cfg.RemoteRoot, h.WorkspaceSlug, h.RunID, t.TaskID, attemptID)
	}

	attemptLogger := matterlog.WithAttempt(logger, h.RunID, t.TaskID, attemptID)

	attempt, err := store.CreateAttempt(ctx, attemptID, t.TaskID, h.RunID, operatorKey, "", "", t.Inputs, evidencePath, workdirRemote)
	if err != nil {
		return err
	}

	handle := &operator.Handle{
		AttemptID:     attempt.AttemptID,
		TaskID:        t.TaskID,
		RunID:         h.RunID,
		RunRoot:       h.RunRoot,
		Command:       t.Command,
		Inputs:        t.Inputs,
		Cores:         t.Cores,
		MemoryMB:      t.MemoryMB,
		WalltimeSecs:  t.WalltimeSeconds,
		WorkdirRemote: workdirRemote,
	}

	if err := op.Prepare(ctx, handle); err != nil {
		attemptLogger.Error("prepare failed", matterlog.Error(err))
		return store.UpdateAttempt(ctx, attemptID, state.AttemptUpdate{Status: state.AttemptFailedInit, Reason: fmt.Sprintf("prepare: %v", err)})
	}
	if err := op.Submit(ctx, handle); err != nil {
		attemptLogger.Error("submit failed", matterlog.Error(err))
		return store.UpdateAttempt(ctx, attemptID, state.AttemptUpdate{Status: state.AttemptFailedInit, Reason: fmt.Sprintf("submit: %v", err)})
	}

	operatorData := ""
	if len(handle.OperatorData) > 0 {
		if data, err := json.Marshal(handle.OperatorData); err == nil {
			operatorData = string(data)
		}
	}
	submitted := true
	if err := store.UpdateAttempt(ctx, attemptID, state.AttemptUpdate{
		Status:       state.AttemptSubmitted,
		ExternalID:   handle.ExternalID,
		OperatorData: operatorData,
		SubmittedAt:  &submitted,
	}); err != nil {
		return err
	}
	attemptLogger.Info("attempt submitted", matterlog.String(matterlog.OperatorKeyKey, operatorKey))
	return store.UpdateTaskStatus(ctx, h.RunID, t.TaskID, state.TaskSubmitted, attemptID)
}

// recordDispatchFailure handles a task that could not even be dispatched
// (unresolvable or unregistered operator key): it records a FAILED_INIT
// attempt carrying the reason, then fails the task, rather than
// silently skipping it on every subsequent tick.
func recordDispatchFailure(ctx context.Context, store *state.Store, runID, taskID, reason string) error {
	attemptID := ids.New(time.Now())
	if _, err := store.CreateAttempt(ctx, attemptID, taskID, runID, "", "", "", nil, "", ""); err != nil {
		return err
	}
	if err := store.UpdateAttempt(ctx, attemptID, state.AttemptUpdate{Status: state.AttemptFailedInit, Reason: reason}); err != nil {
		return err
	}
	return store.UpdateTaskStatus(ctx, runID, taskID, state.TaskFailed, attemptID)
}
