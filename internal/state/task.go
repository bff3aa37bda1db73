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
	"database/sql"
	"encoding/json"
	"fmt"

	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

// AddWorkflow idempotently inserts tasks keyed by (run_id, task_id); a
// task_id already present in the run is left untouched so that
// replanning the same workflow never clobbers in-flight attempts.
func (s *Store) AddWorkflow(ctx context.Context, runID string, tasks []*Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			inputs, err := json.Marshal(t.Inputs)
			if err != nil {
				return fmt.Errorf("state: marshal task inputs: %w", err)
			}
			deps, err := json.Marshal(t.Dependencies)
			if err != nil {
				return fmt.Errorf("state: marshal task dependencies: %w", err)
			}
			allowFailure := 0
			if t.AllowFailure {
				allowFailure = 1
			}
			status := t.LogicalStatus
			if status == "" {
				status = TaskPending
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (task_id, run_id, command, inputs, cores, memory_mb, walltime_seconds, dependencies, operator_key, allow_failure, logical_status, current_attempt_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (run_id, task_id) DO NOTHING`,
				t.TaskID, runID, t.Command, string(inputs), t.Cores, t.MemoryMB, t.WalltimeSeconds, string(deps), t.OperatorKey, allowFailure, string(status), t.CurrentAttemptID,
			)
			if err != nil {
				return fmt.Errorf("state: add workflow task %s: %w", t.TaskID, err)
			}
		}
		return nil
	})
}

// GetTasks returns every task belonging to runID.
func (s *Store) GetTasks(ctx context.Context, runID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, run_id, command, inputs, cores, memory_mb, walltime_seconds, dependencies, operator_key, allow_failure, logical_status, current_attempt_id
		FROM tasks WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("state: get tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetTaskStatus returns only a task's logical_status.
func (s *Store) GetTaskStatus(ctx context.Context, runID, taskID string) (TaskStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT logical_status FROM tasks WHERE run_id = ? AND task_id = ?`, runID, taskID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", &matterrors.NotFoundError{Resource: "task", ID: taskID}
	}
	if err != nil {
		return "", fmt.Errorf("state: get task status: %w", err)
	}
	return TaskStatus(status), nil
}

// UpdateTaskStatus sets logical_status and, when non-empty,
// current_attempt_id.
func (s *Store) UpdateTaskStatus(ctx context.Context, runID, taskID string, status TaskStatus, currentAttemptID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if currentAttemptID != "" {
			res, err = tx.ExecContext(ctx, `UPDATE tasks SET logical_status = ?, current_attempt_id = ? WHERE run_id = ? AND task_id = ?`,
				string(status), currentAttemptID, runID, taskID)
		} else {
			res, err = tx.ExecContext(ctx, `UPDATE tasks SET logical_status = ? WHERE run_id = ? AND task_id = ?`,
				string(status), runID, taskID)
		}
		if err != nil {
			return fmt.Errorf("state: update task status: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &matterrors.NotFoundError{Resource: "task", ID: taskID}
		}
		return nil
	})
}

// UpdateTaskOperatorKey persists a resolved operator_key onto the task
// row. The engine calls this the first time a legacy env-only task
// (one with no operator_key of its own) is dispatched, so every
// subsequent tick resolves the same key directly from the task rather
// than re-reading MATTERSTACK_OPERATOR or the workspace default.
func (s *Store) UpdateTaskOperatorKey(ctx context.Context, runID, taskID, operatorKey string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET operator_key = ? WHERE run_id = ? AND task_id = ?`, operatorKey, runID, taskID)
		if err != nil {
			return fmt.Errorf("state: update task operator key: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &matterrors.NotFoundError{Resource: "task", ID: taskID}
		}
		return nil
	})
}

// DeleteTask removes a task row, reserved for explicit reset
// operations; the engine itself never deletes tasks.
func (s *Store) DeleteTask(ctx context.Context, runID, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE run_id = ? AND task_id = ?`, runID, taskID)
		if err != nil {
			return fmt.Errorf("state: delete task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &matterrors.NotFoundError{Resource: "task", ID: taskID}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*Task, error) {
	var t Task
	var inputs, deps, status string
	var allowFailure int
	err := r.Scan(&t.TaskID, &t.RunID, &t.Command, &inputs, &t.Cores, &t.MemoryMB, &t.WalltimeSeconds, &deps, &t.OperatorKey, &allowFailure, &status, &t.CurrentAttemptID)
	if err != nil {
		return nil, fmt.Errorf("state: scan task: %w", err)
	}
	if err := json.Unmarshal([]byte(inputs), &t.Inputs); err != nil {
		return nil, fmt.Errorf("state: unmarshal task inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("state: unmarshal task dependencies: %w", err)
	}
	t.AllowFailure = allowFailure != 0
	t.LogicalStatus = TaskStatus(status)
	return &t, nil
}
