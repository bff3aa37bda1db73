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

	"github.com/matterstack/matterstack/internal/ids"
)

// RecordEvent appends a write-only audit entry for a manual
// intervention (revive, rerun, reset, forced wiring override).
func (s *Store) RecordEvent(ctx context.Context, runID, action, actor, payload string) (*RunEvent, error) {
	now := nowFunc()
	event := &RunEvent{
		EventID:   ids.New(now),
		RunID:     runID,
		Timestamp: now,
		Action:    action,
		Actor:     actor,
		Payload:   payload,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, run_id, timestamp, action, actor, payload)
			VALUES (?, ?, ?, ?, ?, ?)`,
			event.EventID, event.RunID, formatTime(event.Timestamp), event.Action, event.Actor, event.Payload,
		)
		if err != nil {
			return fmt.Errorf("state: record event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// ListEvents returns every event recorded for runID in chronological order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, timestamp, action, actor, payload
		FROM events WHERE run_id = ? ORDER BY timestamp ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("state: list events: %w", err)
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		var e RunEvent
		var ts string
		if err := rows.Scan(&e.EventID, &e.RunID, &ts, &e.Action, &e.Actor, &e.Payload); err != nil {
			return nil, fmt.Errorf("state: scan event: %w", err)
		}
		e.Timestamp = parseTime(ts)
		events = append(events, &e)
	}
	return events, rows.Err()
}
