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

package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/matterstack/matterstack/internal/engine"
	"github.com/matterstack/matterstack/internal/state"
)

// resolveRunHandle locates runID under workspacesRoot/<slug>/runs/<run_id>
// by scanning every workspace slug directory, then opens the run's own
// store just long enough to read its workspace_slug back.
func resolveRunHandle(ctx context.Context, workspacesRoot, runID string) (*engine.RunHandle, error) {
	slugs, err := os.ReadDir(workspacesRoot)
	if err != nil {
		return nil, fmt.Errorf("cli: read workspaces root %s: %w", workspacesRoot, err)
	}

	for _, slug := range slugs {
		if !slug.IsDir() {
			continue
		}
		runRoot := filepath.Join(workspacesRoot, slug.Name(), "runs", runID)
		if _, err := os.Stat(filepath.Join(runRoot, "state.db")); err != nil {
			continue
		}

		store, err := state.Open(ctx, runRoot, runID)
		if err != nil {
			return nil, err
		}
		run, err := store.GetRun(ctx, runID)
		store.Close()
		if err != nil {
			return nil, err
		}

		return &engine.RunHandle{RunID: runID, RunRoot: runRoot, WorkspaceSlug: run.WorkspaceSlug}, nil
	}

	return nil, fmt.Errorf("cli: no run %q found under %s", runID, workspacesRoot)
}

// runsRootFor returns the runs/ directory for a single workspace slug,
// the root init/RunDaemon operate under.
func runsRootFor(workspacesRoot, slug string) string {
	return filepath.Join(workspacesRoot, slug, "runs")
}

// listWorkspaceSlugs enumerates every workspace directory under root.
func listWorkspaceSlugs(workspacesRoot string) ([]string, error) {
	entries, err := os.ReadDir(workspacesRoot)
	if err != nil {
		return nil, fmt.Errorf("cli: read workspaces root %s: %w", workspacesRoot, err)
	}
	var slugs []string
	for _, e := range entries {
		if e.IsDir() {
			slugs = append(slugs, e.Name())
		}
	}
	return slugs, nil
}
