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

// Package evidence implements the Evidence Builder: an immutable,
// idempotently re-buildable export of everything the State Store and
// filesystem recorded about a run, for handoff outside the orchestrator.
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/matterstack/matterstack/internal/state"
	"github.com/matterstack/matterstack/internal/wiring"
)

// AttemptRecord is one attempt's exported fields.
type AttemptRecord struct {
	AttemptID         string     `json:"attempt_id"`
	AttemptIndex      int        `json:"attempt_index"`
	Status            string     `json:"status"`
	OperatorKey       string     `json:"operator_key"`
	ExternalID        string     `json:"external_id,omitempty"`
	ConfigHash        string     `json:"config_hash,omitempty"`
	EvidenceLocalPath string     `json:"evidence_local_path,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	Reason            string     `json:"reason,omitempty"`
}

// TaskRecord is one task's exported fields, with its full attempt history.
type TaskRecord struct {
	TaskID        string          `json:"task_id"`
	Status        string          `json:"status"`
	OperatorKey   string          `json:"operator_key,omitempty"`
	Dependencies  []string        `json:"dependencies,omitempty"`
	AllowFailure  bool            `json:"allow_failure"`
	Attempts      []AttemptRecord `json:"attempts"`
}

// StatusCounts tallies tasks by logical status for a quick summary.
type StatusCounts map[string]int

// WiringProvenance records which operator wiring snapshot a run used.
type WiringProvenance struct {
	SnapshotPath string `json:"snapshot_path"`
	Hash         string `json:"hash"`
	Source       string `json:"source"`
}

// Bundle is the complete, in-memory evidence export for one run. It
// holds nothing that cannot be derived again from the State Store and
// filesystem, so building it twice from the same inputs always
// produces byte-equivalent JSON (ignoring the BuiltAt timestamp).
type Bundle struct {
	RunID        string           `json:"run_id"`
	Status       string           `json:"status"`
	StatusReason string           `json:"status_reason,omitempty"`
	StatusCounts StatusCounts     `json:"status_counts"`
	Tasks        []TaskRecord     `json:"tasks"`
	Wiring       WiringProvenance `json:"wiring"`
	BuiltAt      time.Time        `json:"built_at"`
}

// BuildBundle reads solely from the State Store and the run's own
// filesystem layout: no artifact from any prior bundle is ever consulted.
func BuildBundle(ctx context.Context, store *state.Store, runRoot, runID string) (*Bundle, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	tasks, err := store.GetTasks(ctx, runID)
	if err != nil {
		return nil, err
	}

	counts := StatusCounts{}
	records := make([]TaskRecord, 0, len(tasks))
	for _, t := range tasks {
		counts[string(t.LogicalStatus)]++

		attempts, err := store.ListAttempts(ctx, t.TaskID)
		if err != nil {
			return nil, err
		}
		attemptRecords := make([]AttemptRecord, 0, len(attempts))
		for _, a := range attempts {
			attemptRecords = append(attemptRecords, AttemptRecord{
				AttemptID:         a.AttemptID,
				AttemptIndex:      a.AttemptIndex,
				Status:            string(a.Status),
				OperatorKey:       a.OperatorKey,
				ExternalID:        a.ExternalID,
				ConfigHash:        a.ConfigHash,
				EvidenceLocalPath: a.EvidenceLocalPath,
				CreatedAt:         a.CreatedAt,
				SubmittedAt:       a.SubmittedAt,
				EndedAt:           a.EndedAt,
				Reason:            a.Reason,
			})
		}

		records = append(records, TaskRecord{
			TaskID:       t.TaskID,
			Status:       string(t.LogicalStatus),
			OperatorKey:  t.OperatorKey,
			Dependencies: t.Dependencies,
			AllowFailure: t.AllowFailure,
			Attempts:     attemptRecords,
		})
	}

	resolved, err := wiring.Resolve(runID, runRoot, "", "", "", false, nil, time.Now())
	if err != nil {
		return nil, fmt.Errorf("evidence: read operator wiring provenance: %w", err)
	}

	return &Bundle{
		RunID:        run.RunID,
		Status:       string(run.Status),
		StatusReason: run.StatusReason,
		StatusCounts: counts,
		Tasks:        records,
		Wiring: WiringProvenance{
			SnapshotPath: resolved.SnapshotPath,
			Hash:         resolved.Hash,
			Source:       string(resolved.Source),
		},
		BuiltAt: time.Now(),
	}, nil
}

// ExportBundle writes bundle to a canonical directory under destRoot:
// bundle.json plus a copy of the operator-wiring snapshot it
// references. Rebuilds are idempotent: calling ExportBundle again with
// a freshly built Bundle simply overwrites the same files.
func ExportBundle(bundle *Bundle, destRoot string) (string, error) {
	dir := filepath.Join(destRoot, bundle.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("evidence: create export dir: %w", err)
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", fmt.Errorf("evidence: marshal bundle: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bundle.json"), data, 0o644); err != nil {
		return "", fmt.Errorf("evidence: write bundle: %w", err)
	}

	if bundle.Wiring.SnapshotPath != "" {
		if err := copyFile(bundle.Wiring.SnapshotPath, filepath.Join(dir, "operators.yaml")); err != nil {
			return "", fmt.Errorf("evidence: copy operator wiring snapshot: %w", err)
		}
	}

	return dir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
