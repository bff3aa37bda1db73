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
	"fmt"

	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

// CreateRun inserts the run row for a freshly initialized run.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, workspace_slug, root_path, status, status_reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.RunID, run.WorkspaceSlug, run.RootPath, string(run.Status), run.StatusReason, formatTime(run.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("state: create run: %w", err)
		}
		return nil
	})
}

// GetRun returns the run identified by runID.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	var status, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, workspace_slug, root_path, status, status_reason, created_at
		FROM runs WHERE run_id = ?`, runID,
	).Scan(&run.RunID, &run.WorkspaceSlug, &run.RootPath, &status, &run.StatusReason, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &matterrors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("state: get run: %w", err)
	}
	run.Status = RunStatus(status)
	run.CreatedAt = parseTime(createdAt)
	return &run, nil
}

// SetRunStatus transitions a run's status and records the reason,
// durably, before the caller may act on the new state.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status RunStatus, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, status_reason = ? WHERE run_id = ?`, string(status), reason, runID)
		if err != nil {
			return fmt.Errorf("state: set run status: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &matterrors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil
	})
}

// GetRunStatus returns only the status column, avoiding a full row scan
// on the engine's hot path.
func (s *Store) GetRunStatus(ctx context.Context, runID string) (RunStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", &matterrors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return "", fmt.Errorf("state: get run status: %w", err)
	}
	return RunStatus(status), nil
}

// ListActiveRuns returns the run_ids of every run not in a terminal
// status, for the multi-run daemon's round-robin.
func (s *Store) ListActiveRuns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM runs WHERE status NOT IN (?, ?, ?)`,
		string(RunCancelled), string(RunCompleted), string(RunFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("state: list active runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("state: scan active run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
