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
	"fmt"

	"github.com/matterstack/matterstack/internal/state"
)

// Every control command opens the Store, records an audit event under
// the same lock as the mutation it performs, and releases it before
// returning — the same statelessness discipline as StepRun.

// Pause moves a RUNNING run to PAUSED. EXECUTE is skipped for a paused
// run; POLL and ANALYZE continue so in-flight attempts still settle.
func Pause(ctx context.Context, h *RunHandle, actor, reason string) error {
	return withControlLock(ctx, h, "pause", actor, reason, func(store *state.Store, run *state.Run) error {
		if run.Status != state.RunRunning {
			return fmt.Errorf("engine: cannot pause run in status %s", run.Status)
		}
		return store.SetRunStatus(ctx, h.RunID, state.RunPaused, reason)
	})
}

// Resume moves a PAUSED run back to RUNNING.
func Resume(ctx context.Context, h *RunHandle, actor, reason string) error {
	return withControlLock(ctx, h, "resume", actor, reason, func(store *state.Store, run *state.Run) error {
		if run.Status != state.RunPaused {
			return fmt.Errorf("engine: cannot resume run in status %s", run.Status)
		}
		return store.SetRunStatus(ctx, h.RunID, state.RunRunning, reason)
	})
}

// Cancel moves any non-terminal run to CANCELLED. It does not itself
// touch in-flight attempts; the next POLL observes the terminal run and
// StepRun's early return leaves them exactly where Check last saw them.
func Cancel(ctx context.Context, h *RunHandle, actor, reason string) error {
	return withControlLock(ctx, h, "cancel", actor, reason, func(store *state.Store, run *state.Run) error {
		if run.Status.Terminal() {
			return fmt.Errorf("engine: run %s is already terminal (%s)", h.RunID, run.Status)
		}
		return store.SetRunStatus(ctx, h.RunID, state.RunCancelled, reason)
	})
}

// Revive resets a terminal run (COMPLETED, FAILED or CANCELLED) back to RUNNING so
// a subsequent StepRun resumes making progress. It is an audited
// override, not an undo: tasks and attempts already recorded are left
// exactly as they are.
func Revive(ctx context.Context, h *RunHandle, actor, reason string) error {
	return withControlLock(ctx, h, "revive", actor, reason, func(store *state.Store, run *state.Run) error {
		if !run.Status.Terminal() {
			return fmt.Errorf("engine: cannot revive run in non-terminal status %s", run.Status)
		}
		return store.SetRunStatus(ctx, h.RunID, state.RunRunning, reason)
	})
}

// CancelAttempt marks a single non-terminal attempt CANCELLED and its
// task FAILED, independent of whatever the operator's Check would next
// report. Use when an attempt is known to be stuck or misbehaving.
func CancelAttempt(ctx context.Context, h *RunHandle, attemptID, actor, reason string) error {
	store, err := state.Open(ctx, h.RunRoot, h.RunID)
	if err != nil {
		return err
	}
	defer store.Close()

	attempt, err := store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.Status.Terminal() {
		return fmt.Errorf("engine: attempt %s is already terminal (%s)", attemptID, attempt.Status)
	}

	if _, err := store.RecordEvent(ctx, h.RunID, "cancel_attempt", actor, reason); err != nil {
		return err
	}
	if err := store.UpdateAttempt(ctx, attemptID, state.AttemptUpdate{Status: state.AttemptCancelled, Reason: reason}); err != nil {
		return err
	}
	return store.UpdateTaskStatus(ctx, h.RunID, attempt.TaskID, state.TaskFailed, attemptID)
}

// Rerun resets a task (and, if recursive, every task transitively
// depending on it) back to PENDING. It never deletes or mutates past
// attempts: the next EXECUTE creates a fresh one, and CreateAttempt's
// monotonic attempt_index keeps the full history intact.
func Rerun(ctx context.Context, h *RunHandle, taskID string, recursive bool, actor, reason string) error {
	store, err := state.Open(ctx, h.RunRoot, h.RunID)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.GetTasks(ctx, h.RunID)
	if err != nil {
		return err
	}
	byID := make(map[string]*state.Task, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}
	if _, ok := byID[taskID]; !ok {
		return fmt.Errorf("engine: no task %s in run %s", taskID, h.RunID)
	}

	targets := []string{taskID}
	if recursive {
		targets = append(targets, dependentsOf(taskID, tasks)...)
	}

	if _, err := store.RecordEvent(ctx, h.RunID, "rerun", actor, reason); err != nil {
		return err
	}
	for _, id := range targets {
		if err := store.UpdateTaskStatus(ctx, h.RunID, id, state.TaskPending, ""); err != nil {
			return err
		}
	}
	return nil
}

// dependentsOf returns every task_id transitively depending on root,
// by repeated forward scans until a fixed point is reached.
func dependentsOf(root string, tasks []*state.Task) []string {
	reachable := map[string]bool{root: true}
	for {
		grew := false
		for _, t := range tasks {
			if reachable[t.TaskID] {
				continue
			}
			for _, dep := range t.Dependencies {
				if reachable[dep] {
					reachable[t.TaskID] = true
					grew = true
					break
				}
			}
		}
		if !grew {
			break
		}
	}
	delete(reachable, root)
	out := make([]string, 0, len(reachable))
	for id := range reachable {
		out = append(out, id)
	}
	return out
}

func withControlLock(ctx context.Context, h *RunHandle, action, actor, reason string, mutate func(store *state.Store, run *state.Run) error) error {
	store, err := state.Open(ctx, h.RunRoot, h.RunID)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(ctx, h.RunID)
	if err != nil {
		return err
	}
	if _, err := store.RecordEvent(ctx, h.RunID, action, actor, reason); err != nil {
		return err
	}
	return mutate(store, run)
}
