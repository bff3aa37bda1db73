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

// Package state implements the State Store: a transactional, versioned,
// file-lock-guarded persistent store of runs, tasks, attempts, and
// audit events. Its external contract is a single aggregate Store type;
// internally its methods are grouped by entity across run.go, task.go,
// attempt.go, and event.go.
package state

import "time"

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunPaused    RunStatus = "PAUSED"
	RunCancelled RunStatus = "CANCELLED"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Terminal reports whether s is a terminal run status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCancelled, RunCompleted, RunFailed:
		return true
	default:
		return false
	}
}

// TaskStatus is the logical status of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskReady     TaskStatus = "READY"
	TaskSubmitted TaskStatus = "SUBMITTED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// Terminal reports whether s is a terminal task status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// AttemptStatus is the lifecycle status of a TaskAttempt.
type AttemptStatus string

const (
	AttemptCreated        AttemptStatus = "CREATED"
	AttemptSubmitted      AttemptStatus = "SUBMITTED"
	AttemptRunning        AttemptStatus = "RUNNING"
	AttemptWaitingExternal AttemptStatus = "WAITING_EXTERNAL"
	AttemptCompleted      AttemptStatus = "COMPLETED"
	AttemptFailed         AttemptStatus = "FAILED"
	AttemptFailedInit     AttemptStatus = "FAILED_INIT"
	AttemptCancelled      AttemptStatus = "CANCELLED"
)

// Terminal reports whether s is a terminal attempt status, beyond which
// only a reason-append mutation is permitted.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptCompleted, AttemptFailed, AttemptFailedInit, AttemptCancelled:
		return true
	default:
		return false
	}
}

// Run is a concrete campaign execution.
type Run struct {
	RunID         string
	WorkspaceSlug string
	RootPath      string
	Status        RunStatus
	StatusReason  string
	CreatedAt     time.Time
}

// Task is a logical DAG node within a workflow.
type Task struct {
	TaskID            string
	RunID             string
	Command           string
	Inputs            []string
	Cores             int
	MemoryMB          int
	WalltimeSeconds   int
	Dependencies      []string
	OperatorKey       string
	AllowFailure      bool
	LogicalStatus     TaskStatus
	CurrentAttemptID  string
}

// Attempt is an immutable execution trial of a Task.
type Attempt struct {
	AttemptID         string
	TaskID            string
	RunID             string
	AttemptIndex      int
	Status            AttemptStatus
	ExternalID        string
	OperatorKey       string
	OperatorData      string // opaque JSON
	WorkdirRemote     string
	EvidenceLocalPath string
	ConfigHash        string
	ConfigFiles       []string
	CreatedAt         time.Time
	SubmittedAt       *time.Time
	EndedAt           *time.Time
	Reason            string
}

// RunEvent is an append-only audit entry for manual interventions.
type RunEvent struct {
	EventID   string
	RunID     string
	Timestamp time.Time
	Action    string
	Actor     string
	Payload   string // opaque JSON
}
