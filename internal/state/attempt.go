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

// CreateAttempt inserts a new, immutable attempt for taskID, assigning
// the next monotonic attempt_index (starting at 1) and pointing the
// owning task's current_attempt_id at it.
func (s *Store) CreateAttempt(ctx context.Context, attemptID, taskID, runID, operatorKey, operatorData, configHash string, configFiles []string, evidencePath, workdirRemote string) (*Attempt, error) {
	var attempt *Attempt
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var maxIndex sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(attempt_index) FROM task_attempts WHERE task_id = ?`, taskID).Scan(&maxIndex); err != nil {
			return fmt.Errorf("state: compute next attempt index: %w", err)
		}
		index := 1
		if maxIndex.Valid {
			index = int(maxIndex.Int64) + 1
		}

		filesJSON, err := json.Marshal(configFiles)
		if err != nil {
			return fmt.Errorf("state: marshal config files: %w", err)
		}

		now := formatTime(nowFunc())
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_attempts (attempt_id, task_id, run_id, attempt_index, status, operator_key, operator_data, config_hash, config_files, evidence_local_path, workdir_remote, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			attemptID, taskID, runID, index, string(AttemptCreated), operatorKey, operatorData, configHash, string(filesJSON), evidencePath, workdirRemote, now,
		)
		if err != nil {
			return fmt.Errorf("state: create attempt: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET current_attempt_id = ? WHERE run_id = ? AND task_id = ?`, attemptID, runID, taskID); err != nil {
			return fmt.Errorf("state: point task at new attempt: %w", err)
		}

		attempt = &Attempt{
			AttemptID:         attemptID,
			TaskID:            taskID,
			RunID:             runID,
			AttemptIndex:      index,
			Status:            AttemptCreated,
			OperatorKey:       operatorKey,
			OperatorData:      operatorData,
			ConfigHash:        configHash,
			ConfigFiles:       configFiles,
			EvidenceLocalPath: evidencePath,
			WorkdirRemote:     workdirRemote,
			CreatedAt:         parseTime(now),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

// ListAttempts returns every attempt of taskID in chronological
// (attempt_index) order.
func (s *Store) ListAttempts(ctx context.Context, taskID string) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, attemptSelectColumns+` FROM task_attempts WHERE task_id = ? ORDER BY attempt_index ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("state: list attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// GetActiveAttempts returns every non-terminal attempt in runID, used
// by POLL and by the engine's concurrency accounting.
func (s *Store) GetActiveAttempts(ctx context.Context, runID string) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, attemptSelectColumns+` FROM task_attempts
		WHERE run_id = ? AND status NOT IN (?, ?, ?, ?)
		ORDER BY created_at ASC`,
		runID, string(AttemptCompleted), string(AttemptFailed), string(AttemptFailedInit), string(AttemptCancelled),
	)
	if err != nil {
		return nil, fmt.Errorf("state: get active attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// GetCurrentAttempt returns the attempt pointed at by the owning
// task's current_attempt_id.
func (s *Store) GetCurrentAttempt(ctx context.Context, taskID string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, attemptSelectColumns+`
		FROM task_attempts WHERE task_id = ? ORDER BY attempt_index DESC LIMIT 1`, taskID)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, &matterrors.NotFoundError{Resource: "attempt", ID: taskID}
	}
	return a, err
}

// GetAttempt returns a single attempt by id.
func (s *Store) GetAttempt(ctx context.Context, attemptID string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, attemptSelectColumns+` FROM task_attempts WHERE attempt_id = ?`, attemptID)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, &matterrors.NotFoundError{Resource: "attempt", ID: attemptID}
	}
	return a, err
}

// AttemptUpdate carries the mutable fields of an attempt update. Zero
// values mean "leave unchanged" for every field; on a terminal attempt
// only Reason may be supplied (see UpdateAttempt).
type AttemptUpdate struct {
	Status       AttemptStatus
	ExternalID   string
	OperatorData string
	Reason       string
	SubmittedAt  *bool // true => set to now, false/nil => leave
	Ended        bool  // true => set ended_at to now
}

// UpdateAttempt applies upd to attemptID. If the attempt is already in
// a terminal status, only a reason append is permitted; any attempt to
// change Status, ExternalID, or OperatorData on a terminal attempt is
// rejected, preserving the audit trail's immutability guarantee.
func (s *Store) UpdateAttempt(ctx context.Context, attemptID string, upd AttemptUpdate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var currentStatus string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM task_attempts WHERE attempt_id = ?`, attemptID).Scan(&currentStatus); err != nil {
			if err == sql.ErrNoRows {
				return &matterrors.NotFoundError{Resource: "attempt", ID: attemptID}
			}
			return fmt.Errorf("state: read attempt status: %w", err)
		}

		terminal := AttemptStatus(currentStatus).Terminal()
		if terminal && (upd.Status != "" && upd.Status != AttemptStatus(currentStatus) || upd.ExternalID != "" || upd.OperatorData != "") {
			return fmt.Errorf("state: attempt %s is terminal (%s): %w", attemptID, currentStatus, errImmutableTerminalAttempt)
		}

		now := formatTime(nowFunc())
		newStatus := currentStatus
		if upd.Status != "" {
			newStatus = string(upd.Status)
		}

		reasonExpr := `CASE WHEN ? != '' THEN ? ELSE reason END`
		args := []any{newStatus, upd.Reason, upd.Reason}
		if terminal {
			reasonExpr = `CASE WHEN ? = '' THEN reason WHEN reason = '' THEN ? ELSE reason || '; ' || ? END`
			args = append(args, upd.Reason)
		}
		query := `UPDATE task_attempts SET status = ?, reason = ` + reasonExpr
		if upd.ExternalID != "" {
			query += `, external_id = ?`
			args = append(args, upd.ExternalID)
		}
		if upd.OperatorData != "" {
			query += `, operator_data = ?`
			args = append(args, upd.OperatorData)
		}
		if upd.SubmittedAt != nil && *upd.SubmittedAt {
			query += `, submitted_at = ?`
			args = append(args, now)
		}
		if upd.Ended || (!terminal && AttemptStatus(newStatus).Terminal()) {
			query += `, ended_at = ?`
			args = append(args, now)
		}
		query += ` WHERE attempt_id = ?`
		args = append(args, attemptID)

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("state: update attempt: %w", err)
		}
		return nil
	})
}

var errImmutableTerminalAttempt = fmt.Errorf("terminal attempts are immutable except for reason appends")

const attemptSelectColumns = `SELECT attempt_id, task_id, run_id, attempt_index, status, external_id, operator_key, operator_data, workdir_remote, evidence_local_path, config_hash, config_files, created_at, submitted_at, ended_at, reason`

func scanAttempts(rows *sql.Rows) ([]*Attempt, error) {
	var attempts []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanAttempt(r rowScanner) (*Attempt, error) {
	var a Attempt
	var status, configFiles, createdAt string
	var externalID, operatorKey sql.NullString
	var submittedAt, endedAt sql.NullString
	err := r.Scan(&a.AttemptID, &a.TaskID, &a.RunID, &a.AttemptIndex, &status, &externalID, &operatorKey, &a.OperatorData, &a.WorkdirRemote, &a.EvidenceLocalPath, &a.ConfigHash, &configFiles, &createdAt, &submittedAt, &endedAt, &a.Reason)
	if err != nil {
		return nil, err
	}
	a.Status = AttemptStatus(status)
	a.ExternalID = externalID.String
	a.OperatorKey = operatorKey.String
	a.CreatedAt = parseTime(createdAt)
	a.SubmittedAt = parseTimePtr(submittedAt)
	a.EndedAt = parseTimePtr(endedAt)
	if err := json.Unmarshal([]byte(configFiles), &a.ConfigFiles); err != nil {
		return nil, fmt.Errorf("state: unmarshal config files: %w", err)
	}
	return &a, nil
}
