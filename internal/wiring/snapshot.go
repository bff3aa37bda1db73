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

package wiring

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

// Source enumerates where a resolved wiring's bytes came from.
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceSnapshot Source = "snapshot"
	SourceWorkspace Source = "workspace"
	SourceEnv      Source = "env"
	SourceLegacy   Source = "legacy"
)

// ResolvedOperatorWiring is what the engine consumes after resolution.
type ResolvedOperatorWiring struct {
	SnapshotPath string
	Hash         string
	Source       Source
}

// Metadata is the persisted provenance record for a snapshot.
type Metadata struct {
	Source       Source    `json:"source"`
	ResolvedPath string    `json:"resolved_path"`
	SHA256       string    `json:"sha256"`
	CreatedAt    time.Time `json:"created_at"`
}

const (
	snapshotDir      = "operators_snapshot"
	snapshotFile     = "operators.yaml"
	metadataFile     = "metadata.json"
	historyFile      = "history.jsonl"
)

func snapshotPaths(runRoot string) (snapshot, metadata, history string) {
	dir := filepath.Join(runRoot, snapshotDir)
	return filepath.Join(dir, snapshotFile), filepath.Join(dir, metadataFile), filepath.Join(dir, historyFile)
}

// Hash returns the hex sha256 hash of the config bytes exactly as read:
// identical content yields an identical hash irrespective of source.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// historyEntry is one append-only line in history.jsonl.
type historyEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Hash      string    `json:"hash"`
	Forced    bool      `json:"forced"`
}

// hasSnapshot reports whether runRoot already has a persisted snapshot.
func hasSnapshot(runRoot string) bool {
	path, _, _ := snapshotPaths(runRoot)
	_, err := os.Stat(path)
	return err == nil
}

// readSnapshot loads the persisted snapshot's bytes and metadata.
func readSnapshot(runRoot string) ([]byte, *Metadata, error) {
	snapPath, metaPath, _ := snapshotPaths(runRoot)
	data, err := os.ReadFile(snapPath)
	if err != nil {
		return nil, nil, fmt.Errorf("wiring: read snapshot: %w", err)
	}
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, nil, fmt.Errorf("wiring: read snapshot metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, nil, fmt.Errorf("wiring: unmarshal snapshot metadata: %w", err)
	}
	return data, &meta, nil
}

// persistSnapshot writes the snapshot bytes, its metadata, and appends
// one history.jsonl line. Called on first resolution for a run, and on
// any subsequent forced override.
func persistSnapshot(runRoot string, data []byte, source Source, resolvedPath string, forced bool, now time.Time) (*ResolvedOperatorWiring, error) {
	snapPath, metaPath, histPath := snapshotPaths(runRoot)
	if err := os.MkdirAll(filepath.Dir(snapPath), 0o755); err != nil {
		return nil, fmt.Errorf("wiring: create snapshot dir: %w", err)
	}

	hash := Hash(data)

	if err := os.WriteFile(snapPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("wiring: write snapshot: %w", err)
	}

	meta := Metadata{Source: source, ResolvedPath: resolvedPath, SHA256: hash, CreatedAt: now}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("wiring: marshal snapshot metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaBytes, 0o644); err != nil {
		return nil, fmt.Errorf("wiring: write snapshot metadata: %w", err)
	}

	entry := historyEntry{Timestamp: now, Source: source, Hash: hash, Forced: forced}
	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("wiring: marshal history entry: %w", err)
	}
	f, err := os.OpenFile(histPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wiring: open history log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("wiring: append history log: %w", err)
	}

	return &ResolvedOperatorWiring{SnapshotPath: snapPath, Hash: hash, Source: source}, nil
}

// Resolve implements the wiring precedence chain described in the
// Operator Wiring Resolver's contract. candidate carries the sources
// considered at every precedence level below "run-persisted snapshot",
// which is always checked directly against runRoot.
type candidate struct {
	source Source
	path   string
	data   []byte
}

// Resolve produces a ResolvedOperatorWiring for runRoot.
//
//   - explicitPath, if non-empty, is tried first.
//   - the run's persisted snapshot, if one already exists, is reused
//     unless explicitPath is set AND force is true; an explicit path
//     supplied without force on a run that already has a snapshot with
//     a different hash fails with WiringOverrideError.
//   - workspaceDefaultPath (workspaces/<slug>/operators.yaml) is tried next.
//   - envPath (MATTERSTACK_OPERATORS_CONFIG) is tried next.
//   - legacyConfig, if non-nil, is synthesized into a canonical snapshot
//     as a last resort.
func Resolve(runID, runRoot string, explicitPath, workspaceDefaultPath, envPath string, force bool, legacyConfig []byte, now time.Time) (*ResolvedOperatorWiring, error) {
	if hasSnapshot(runRoot) {
		data, meta, err := readSnapshot(runRoot)
		if err != nil {
			return nil, err
		}
		if explicitPath == "" {
			return &ResolvedOperatorWiring{SnapshotPath: filepath.Join(runRoot, snapshotDir, snapshotFile), Hash: meta.SHA256, Source: meta.Source}, nil
		}

		overrideData, err := os.ReadFile(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("wiring: read override config %s: %w", explicitPath, err)
		}
		overrideHash := Hash(overrideData)
		if overrideHash == meta.SHA256 {
			return &ResolvedOperatorWiring{SnapshotPath: filepath.Join(runRoot, snapshotDir, snapshotFile), Hash: meta.SHA256, Source: meta.Source}, nil
		}
		if !force {
			return nil, &matterrors.WiringOverrideError{RunID: runID, CurrentHash: meta.SHA256, OverrideHash: overrideHash}
		}
		if _, err := Parse(overrideData); err != nil {
			return nil, err
		}
		_ = data
		return persistSnapshot(runRoot, overrideData, SourceExplicit, explicitPath, true, now)
	}

	candidates := []candidate{}
	if explicitPath != "" {
		if data, err := os.ReadFile(explicitPath); err == nil {
			candidates = append(candidates, candidate{SourceExplicit, explicitPath, data})
		}
	}
	if workspaceDefaultPath != "" {
		if data, err := os.ReadFile(workspaceDefaultPath); err == nil {
			candidates = append(candidates, candidate{SourceWorkspace, workspaceDefaultPath, data})
		}
	}
	if envPath != "" {
		if data, err := os.ReadFile(envPath); err == nil {
			candidates = append(candidates, candidate{SourceEnv, envPath, data})
		}
	}

	for _, c := range candidates {
		if _, err := Parse(c.data); err != nil {
			return nil, err
		}
		return persistSnapshot(runRoot, c.data, c.source, c.path, false, now)
	}

	if legacyConfig != nil {
		if _, err := Parse(legacyConfig); err != nil {
			return nil, err
		}
		return persistSnapshot(runRoot, legacyConfig, SourceLegacy, "", false, now)
	}

	return nil, &matterrors.ManifestValidationError{Reason: "no operator wiring configuration could be resolved"}
}
