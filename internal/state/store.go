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
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/matterstack/matterstack/internal/lockfile"
)

// Store is the State Store's single external type. Run, Task, Attempt,
// and Event operations are implemented as methods on Store, grouped
// across run.go, task.go, attempt.go, and event.go.
type Store struct {
	db   *sql.DB
	lock *lockfile.Lock
}

// Open acquires the run's advisory lock (non-blocking; returns
// *matterrors.LockHeldError on contention), opens the SQLite database
// at <runRoot>/state.db, configures pragmas, and runs any pending
// additive migrations. Callers must call Close to release the lock.
func Open(ctx context.Context, runRoot, runID string) (*Store, error) {
	lock, err := lockfile.Acquire(filepath.Join(runRoot, "run.lock"), runID)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Join(runRoot, "state.db"))
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("state: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		lock.Release()
		return nil, fmt.Errorf("state: connect to database: %w", err)
	}

	if err := configurePragmas(ctx, db); err != nil {
		db.Close()
		lock.Release()
		return nil, fmt.Errorf("state: configure pragmas: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		lock.Release()
		return nil, err
	}

	return &Store{db: db, lock: lock}, nil
}

func configurePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("exec %s: %w", p, err)
		}
	}
	return nil
}

// Close closes the database connection and then releases the run lock.
// The lock is released even when closing the database fails; the
// database error, if any, is the one returned.
func (s *Store) Close() error {
	dbErr := s.db.Close()
	lockErr := s.lock.Release()
	if dbErr != nil {
		return dbErr
	}
	return lockErr
}

// withTx runs fn inside a transaction, committing on success and
// rolling back on any error so that no status transition is ever
// observed half-applied by a concurrent reader.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// nowFunc is overridden in tests that need deterministic timestamps.
var nowFunc = time.Now

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
