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

// Package operator defines the Operator lifecycle contract
// (prepare -> submit -> check -> collect) uniformly applied across
// compute (hpc/local), human, and experiment backends, plus the
// factory-table registry that maps canonical operator keys to
// Operator instances.
package operator

import (
	"context"
	"path/filepath"
	"strings"

	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

// ExternalStatus is the backend-reported status an Operator observes
// via Check, before it is mapped to a state.AttemptStatus by the
// engine's POLL phase.
type ExternalStatus string

const (
	ExternalQueued         ExternalStatus = "QUEUED"
	ExternalRunning        ExternalStatus = "RUNNING"
	ExternalCompleting     ExternalStatus = "COMPLETING"
	ExternalCompletedOK    ExternalStatus = "COMPLETED_OK"
	ExternalFailed         ExternalStatus = "FAILED"
	ExternalTimeout        ExternalStatus = "TIMEOUT"
	ExternalNodeFail       ExternalStatus = "NODE_FAIL"
	ExternalPreempted      ExternalStatus = "PREEMPTED"
	ExternalOutOfMemory    ExternalStatus = "OUT_OF_MEMORY"
	ExternalCancelled      ExternalStatus = "CANCELLED"
	ExternalLost           ExternalStatus = "LOST"
)

// terminalErrorStatuses is the decision table's enumerated set of
// "definite failure" external states. Any status Check returns that is
// not in this set, not ExternalCompletedOK, and not one of the
// queued/running/completing progress states is treated as a
// retryable transient condition rather than guessed at.
var terminalErrorStatuses = map[ExternalStatus]bool{
	ExternalFailed:      true,
	ExternalTimeout:     true,
	ExternalNodeFail:    true,
	ExternalPreempted:   true,
	ExternalOutOfMemory: true,
}

// Decision is the outcome POLL applies after calling Check.
type Decision int

const (
	// DecisionInProgress leaves the attempt's status as last observed.
	DecisionInProgress Decision = iota
	// DecisionCollect means Collect should be invoked; attempt becomes
	// COMPLETED on success or FAILED if artifacts are missing.
	DecisionCollect
	// DecisionFailed means the attempt should be marked FAILED with Reason.
	DecisionFailed
	// DecisionCancelled means the attempt should be marked CANCELLED.
	DecisionCancelled
	// DecisionRetryableError means the check itself glitched; leave the
	// attempt's current status untouched and retry on the next tick.
	DecisionRetryableError
)

// Classify implements the external-status decision table from the
// Operator Interface's status mapping. It is a pure function: no
// side effects, no knowledge of any particular backend.
func Classify(status ExternalStatus) (Decision, string) {
	switch status {
	case ExternalQueued, ExternalRunning, ExternalCompleting:
		return DecisionInProgress, ""
	case ExternalCompletedOK:
		return DecisionCollect, ""
	case ExternalCancelled:
		return DecisionCancelled, ""
	case ExternalLost:
		return DecisionFailed, "Job Lost"
	default:
		if terminalErrorStatuses[status] {
			return DecisionFailed, string(status)
		}
		return DecisionRetryableError, ""
	}
}

// Handle is the mutable view of an attempt an Operator's lifecycle
// methods act on. It mirrors the subset of state.Attempt an operator
// is allowed to read and write; the engine is responsible for
// persisting any changes Handle accumulates back to the State Store.
type Handle struct {
	AttemptID     string
	TaskID        string
	RunID         string
	RunRoot       string
	Command       string
	Inputs        []string
	Cores         int
	MemoryMB      int
	WalltimeSecs  int
	WorkdirRemote string
	ExternalID    string
	OperatorData  map[string]any
}

// AttemptDir returns the attempt-scoped local workspace:
// <run_root>/tasks/<task_id>/attempts/<attempt_id>/.
func (h *Handle) AttemptDir() string {
	return filepath.Join(h.RunRoot, "tasks", h.TaskID, "attempts", h.AttemptID)
}

// Operator is the uniform lifecycle contract every kind implements.
type Operator interface {
	// Prepare materializes the attempt-scoped workspace and returns the
	// handle with ExternalID unset. Must not write outside the run root.
	Prepare(ctx context.Context, h *Handle) error

	// Submit transmits the prepared attempt to the backend and sets
	// ExternalID. Idempotent: called again on a handle that already has
	// an ExternalID is a no-op.
	Submit(ctx context.Context, h *Handle) error

	// Check queries the backend for the attempt's current external
	// status. Pure: no side effects on the run root.
	Check(ctx context.Context, h *Handle) (ExternalStatus, error)

	// Collect ingests results into the attempt's evidence directory.
	// Called once, on transition to ExternalCompletedOK.
	Collect(ctx context.Context, h *Handle) error
}

// EnsureContained resolves candidate relative to root and fails with
// PathSafetyError if the result would escape root. Every operator
// write goes through this check before touching the filesystem.
func EnsureContained(root, candidate string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	resolved := filepath.Join(absRoot, candidate)
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return "", err
	}
	if resolved != absRoot && !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
		return "", &matterrors.PathSafetyError{Path: resolved, Root: absRoot}
	}
	return resolved, nil
}
