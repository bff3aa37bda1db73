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

// schemaVersion is the schema version this build knows how to produce
// and to read. A database reporting a version higher than this is
// refused rather than silently misread.
const schemaVersion = 4

// migration is one additive step in the schema chain. Version is the
// schema_version row written after Func succeeds.
type migration struct {
	Version int
	Name    string
	Func    func(ctx context.Context, tx *sql.Tx) error
}

// migrations is the ordered additive chain v1 -> v2 -> v3 -> v4.
var migrations = []migration{
	{1, "initial_schema", migrateV1},
	{2, "task_attempts", migrateV2},
	{3, "attempt_operator_key", migrateV3},
	{4, "task_operator_key", migrateV4},
}

// migrateV1 creates the base tables: runs, tasks, events. Attempts are
// introduced in v2 so that v1 -> v2 can demonstrate a genuine backfill.
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE schema_version (version INTEGER NOT NULL)`,
		`CREATE TABLE runs (
			run_id         TEXT PRIMARY KEY,
			workspace_slug TEXT NOT NULL,
			root_path      TEXT NOT NULL,
			status         TEXT NOT NULL,
			status_reason  TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL
		)`,
		`CREATE TABLE tasks (
			task_id             TEXT NOT NULL,
			run_id              TEXT NOT NULL,
			command             TEXT NOT NULL DEFAULT '',
			inputs              TEXT NOT NULL DEFAULT '[]',
			cores               INTEGER NOT NULL DEFAULT 0,
			memory_mb           INTEGER NOT NULL DEFAULT 0,
			walltime_seconds    INTEGER NOT NULL DEFAULT 0,
			dependencies        TEXT NOT NULL DEFAULT '[]',
			allow_failure       INTEGER NOT NULL DEFAULT 0,
			logical_status      TEXT NOT NULL DEFAULT 'PENDING',
			current_attempt_id  TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, task_id)
		)`,
		`CREATE TABLE events (
			event_id   TEXT PRIMARY KEY,
			run_id     TEXT NOT NULL,
			timestamp  TEXT NOT NULL,
			action     TEXT NOT NULL,
			actor      TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX idx_events_run_id ON events(run_id)`,
		// external_runs holds the legacy, pre-attempt-model record of one
		// external job per task; v2 folds each row into attempt_index=1.
		`CREATE TABLE external_runs (
			task_id        TEXT NOT NULL,
			run_id         TEXT NOT NULL,
			external_id    TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'CREATED',
			operator_type  TEXT NOT NULL DEFAULT '',
			operator_data  TEXT NOT NULL DEFAULT '{}',
			created_at     TEXT NOT NULL,
			ended_at       TEXT,
			reason         TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, task_id)
		)`,
	}
	return execAll(ctx, tx, stmts)
}

// migrateV2 introduces task_attempts and folds existing external_runs
// rows into attempt_index=1, preserving external_id, status, and
// operator_data verbatim.
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE task_attempts (
			attempt_id           TEXT PRIMARY KEY,
			task_id              TEXT NOT NULL,
			run_id               TEXT NOT NULL,
			attempt_index        INTEGER NOT NULL,
			status               TEXT NOT NULL,
			external_id          TEXT NOT NULL DEFAULT '',
			operator_data        TEXT NOT NULL DEFAULT '{}',
			workdir_remote       TEXT NOT NULL DEFAULT '',
			evidence_local_path  TEXT NOT NULL DEFAULT '',
			config_hash          TEXT NOT NULL DEFAULT '',
			config_files         TEXT NOT NULL DEFAULT '[]',
			created_at           TEXT NOT NULL,
			submitted_at         TEXT,
			ended_at             TEXT,
			reason               TEXT NOT NULL DEFAULT '',
			UNIQUE (task_id, attempt_index)
		)`,
		`CREATE INDEX idx_task_attempts_run_id ON task_attempts(run_id)`,
		`CREATE INDEX idx_task_attempts_task_id ON task_attempts(task_id)`,
	}
	if err := execAll(ctx, tx, stmts); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `SELECT task_id, run_id, external_id, status, operator_data, created_at, ended_at, reason FROM external_runs`)
	if err != nil {
		return fmt.Errorf("v2 backfill: query external_runs: %w", err)
	}
	defer rows.Close()

	type legacyRow struct {
		taskID, runID, externalID, status, operatorData, createdAt, reason string
		endedAt                                                            sql.NullString
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.taskID, &r.runID, &r.externalID, &r.status, &r.operatorData, &r.createdAt, &r.endedAt, &r.reason); err != nil {
			return fmt.Errorf("v2 backfill: scan external_runs row: %w", err)
		}
		legacy = append(legacy, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range legacy {
		attemptID := r.taskID + "-attempt-1"
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_attempts (attempt_id, task_id, run_id, attempt_index, status, external_id, operator_data, created_at, ended_at, reason)
			VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?)`,
			attemptID, r.taskID, r.runID, r.status, r.externalID, r.operatorData, r.createdAt, r.endedAt, r.reason,
		)
		if err != nil {
			return fmt.Errorf("v2 backfill: insert task_attempts for %s: %w", r.taskID, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET current_attempt_id = ? WHERE run_id = ? AND task_id = ?`, attemptID, r.runID, r.taskID); err != nil {
			return fmt.Errorf("v2 backfill: update tasks.current_attempt_id for %s: %w", r.taskID, err)
		}
	}
	return nil
}

// legacyOperatorTypeToKey maps the pre-wiring-resolver operator_type
// strings to canonical kind.name operator keys. Anything unrecognized
// backfills to NULL rather than guessing.
var legacyOperatorTypeToKey = map[string]string{
	"HPC":        "hpc.default",
	"LOCAL":      "local.default",
	"HUMAN":      "human.default",
	"EXPERIMENT": "experiment.default",
}

// migrateV3 adds task_attempts.operator_key, back-filled via
// operator_data (if it embeds an operator_key already) then via the
// legacy operator-type mapping table, else left NULL.
func migrateV3(ctx context.Context, tx *sql.Tx) error {
	if err := execAll(ctx, tx, []string{
		`ALTER TABLE task_attempts ADD COLUMN operator_key TEXT`,
	}); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `SELECT attempt_id, task_id, run_id, operator_data FROM task_attempts WHERE operator_key IS NULL`)
	if err != nil {
		return fmt.Errorf("v3 backfill: query task_attempts: %w", err)
	}
	type row struct{ attemptID, taskID, runID, operatorData string }
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.attemptID, &r.taskID, &r.runID, &r.operatorData); err != nil {
			rows.Close()
			return fmt.Errorf("v3 backfill: scan task_attempts row: %w", err)
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range pending {
		var embedded struct {
			OperatorKey string `json:"operator_key"`
		}
		if json.Unmarshal([]byte(r.operatorData), &embedded) == nil && embedded.OperatorKey != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE task_attempts SET operator_key = ? WHERE attempt_id = ?`, embedded.OperatorKey, r.attemptID); err != nil {
				return fmt.Errorf("v3 backfill: set operator_key for %s: %w", r.attemptID, err)
			}
			continue
		}
		var operatorType sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT operator_type FROM external_runs WHERE run_id = ? AND task_id = ?`, r.runID, r.taskID).Scan(&operatorType)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("v3 backfill: lookup legacy operator_type for %s: %w", r.taskID, err)
		}
		key, known := legacyOperatorTypeToKey[operatorType.String]
		if !known {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE task_attempts SET operator_key = ? WHERE attempt_id = ?`, key, r.attemptID); err != nil {
			return fmt.Errorf("v3 backfill: set operator_key for %s: %w", r.attemptID, err)
		}
	}
	return nil
}

// migrateV4 adds tasks.operator_key for first-class routing metadata,
// distinct from the per-attempt operator_key recorded at dispatch time.
func migrateV4(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`ALTER TABLE tasks ADD COLUMN operator_key TEXT NOT NULL DEFAULT ''`,
	})
}

func execAll(ctx context.Context, tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w\n%s", err, stmt)
		}
	}
	return nil
}

// migrate reads the current schema version and applies every migration
// with a higher version number, in order, each inside its own
// transaction. A database newer than this build knows about is refused
// with SchemaVersionError rather than risking misinterpretation.
func migrate(ctx context.Context, db *sql.DB) error {
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return &matterrors.SchemaVersionError{Found: current, Known: schemaVersion}
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %s: begin transaction: %w", m.Name, err)
		}
		if err := m.Func(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if current == 0 && m.Version == 1 {
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.Version); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %s: record version: %w", m.Name, err)
			}
		} else if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: record version: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %s: commit: %w", m.Name, err)
		}
		current = m.Version
	}
	return nil
}

// currentVersion returns 0 on a brand-new database (schema_version
// table does not exist yet).
func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("checking for schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	if err := db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema_version: %w", err)
	}
	return version, nil
}
