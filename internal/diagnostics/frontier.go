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

// Package diagnostics implements the Diagnostics / Frontier component:
// a read-only view over the State Store explaining, for every
// non-terminal task, exactly what it is waiting on and what a human
// could do about it.
package diagnostics

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/matterstack/matterstack/internal/state"
)

// Classification is the frontier's bucket for a single non-terminal task.
type Classification string

const (
	WaitingDependency Classification = "WAITING_DEPENDENCY"
	WaitingExternal   Classification = "WAITING_EXTERNAL"
	Running           Classification = "RUNNING"
	Ready             Classification = "READY"
)

// Item is one non-terminal task's frontier entry.
type Item struct {
	TaskID             string
	Classification     Classification
	BlockingDependencies []string `json:"blocking_dependencies,omitempty"`
	OperatorKey        string   `json:"operator_key,omitempty"`
	EvidencePath       string   `json:"evidence_path,omitempty"`
	Hint               string   `json:"hint,omitempty"`
}

// Frontier returns one Item per non-terminal task in runID, sorted by
// task_id for stable rendering.
func Frontier(ctx context.Context, store *state.Store, runID string) ([]Item, error) {
	tasks, err := store.GetTasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*state.Task, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}

	items := make([]Item, 0, len(tasks))
	for _, t := range tasks {
		if t.LogicalStatus.Terminal() {
			continue
		}
		item, err := classify(ctx, store, t, byID)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TaskID < items[j].TaskID })
	return items, nil
}

func classify(ctx context.Context, store *state.Store, t *state.Task, byID map[string]*state.Task) (Item, error) {
	item := Item{TaskID: t.TaskID}

	switch t.LogicalStatus {
	case state.TaskPending:
		blocking := blockingDependencies(t, byID)
		item.Classification = WaitingDependency
		item.BlockingDependencies = blocking
		return item, nil

	case state.TaskReady:
		item.Classification = Ready
		return item, nil

	case state.TaskSubmitted, state.TaskRunning:
		item.Classification = WaitingExternal
		item.OperatorKey = t.OperatorKey

		if t.CurrentAttemptID != "" {
			attempt, err := store.GetAttempt(ctx, t.CurrentAttemptID)
			if err == nil {
				item.EvidencePath = attempt.EvidenceLocalPath
			}
		}
		item.Hint = hintFor(t.OperatorKey, item.EvidencePath)
		return item, nil

	default:
		item.Classification = Running
		return item, nil
	}
}

// blockingDependencies returns the dependency task_ids that are not yet
// satisfied: anything not COMPLETED, or FAILED without this task's
// AllowFailure, blocks readiness.
func blockingDependencies(t *state.Task, byID map[string]*state.Task) []string {
	var blocking []string
	for _, depID := range t.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			blocking = append(blocking, depID)
			continue
		}
		switch dep.LogicalStatus {
		case state.TaskCompleted:
			continue
		case state.TaskFailed:
			if t.AllowFailure {
				continue
			}
			blocking = append(blocking, depID)
		default:
			blocking = append(blocking, depID)
		}
	}
	return blocking
}

// hintFor derives a human-actionable hint from an operator key's kind
// prefix. Anything not recognized falls back to a generic message
// rather than guessing at backend-specific detail.
func hintFor(operatorKey, evidencePath string) string {
	kind := operatorKey
	if idx := strings.IndexByte(operatorKey, '.'); idx >= 0 {
		kind = operatorKey[:idx]
	}
	switch kind {
	case "human":
		return fmt.Sprintf("create response.json at %s", evidencePath)
	case "experiment":
		return fmt.Sprintf("create experiment_result.json at %s", evidencePath)
	case "hpc":
		return fmt.Sprintf("waiting on remote backend; inspect %s/stdout.log", evidencePath)
	case "local":
		return fmt.Sprintf("subprocess running; inspect %s/stdout.log", evidencePath)
	default:
		return fmt.Sprintf("waiting on operator %q", operatorKey)
	}
}
