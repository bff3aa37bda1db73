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

// Package engine implements the Run Lifecycle Engine: initialize_run,
// step_run's POLL/PLAN/EXECUTE/ANALYZE phases, run_until_completion,
// and the audited control commands. Every call is stateless across
// ticks — the State Store is opened, read, mutated, and closed within
// a single call, never held open between them.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/matterstack/matterstack/internal/campaign"
	"github.com/matterstack/matterstack/internal/config"
	"github.com/matterstack/matterstack/internal/ids"
	matterlog "github.com/matterstack/matterstack/internal/log"
	"github.com/matterstack/matterstack/internal/operator"
	"github.com/matterstack/matterstack/internal/state"
	"github.com/matterstack/matterstack/internal/wiring"
	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

// configFileName is the run-scoped configuration file under the run root.
const configFileName = "config.json"

// RunHandle is the durable, reopenable descriptor of a run. It carries
// no open resources: every engine call opens the State Store, does its
// work, and releases the lock before returning.
type RunHandle struct {
	RunID         string
	RunRoot       string
	WorkspaceSlug string
}

// Deps bundles the per-call collaborators StepRun and InitializeRun
// need beyond the State Store: the workspace's Campaign implementation
// and a logger. Tests substitute a stub Campaign; production code
// resolves one via campaign.Lookup from workspace configuration.
type Deps struct {
	Campaign campaign.Campaign
	Logger   *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return matterlog.New(matterlog.DefaultConfig())
}

// InitializeRun creates a fresh run: generates its run_id, opens a new
// State Store, resolves and persists operator wiring, plans the first
// workflow from the campaign's initial (nil) state, and sets the run
// RUNNING.
func InitializeRun(ctx context.Context, runsRoot, workspaceSlug string, cfg *config.RunConfig, operatorsConfigPath string, deps Deps) (*RunHandle, error) {
	now := time.Now()
	runID := newRunID(now)
	runRoot := filepath.Join(runsRoot, runID)
	if err := os.MkdirAll(runRoot, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create run root: %w", err)
	}

	if cfg == nil {
		cfg = config.DefaultRunConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := config.Save(filepath.Join(runRoot, configFileName), cfg); err != nil {
		return nil, err
	}

	store, err := state.Open(ctx, runRoot, runID)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if err := store.CreateRun(ctx, &state.Run{
		RunID:         runID,
		WorkspaceSlug: workspaceSlug,
		RootPath:      runRoot,
		Status:        state.RunPending,
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}

	workspaceDefault := filepath.Join(runsRoot, "..", "operators.yaml")
	envPath := os.Getenv(config.EnvOperatorsConfig)
	if _, err := wiring.Resolve(runID, runRoot, operatorsConfigPath, workspaceDefault, envPath, false, nil, now); err != nil {
		return nil, err
	}

	if deps.Campaign != nil {
		initialState, err := campaign.LoadState(runRoot)
		if err != nil {
			return nil, err
		}
		workflow, err := deps.Campaign.Plan(initialState)
		if err != nil {
			return nil, &matterrors.CampaignError{Phase: "plan", Cause: err}
		}
		if workflow != nil {
			if err := addWorkflow(ctx, store, runID, workflow); err != nil {
				return nil, err
			}
		}
	}

	if err := store.SetRunStatus(ctx, runID, state.RunRunning, ""); err != nil {
		return nil, err
	}

	return &RunHandle{RunID: runID, RunRoot: runRoot, WorkspaceSlug: workspaceSlug}, nil
}

// addWorkflow converts campaign.TaskSpec values into state.Task rows
// and folds them into the run via AddWorkflow's idempotent insert.
func addWorkflow(ctx context.Context, store *state.Store, runID string, wf *campaign.Workflow) error {
	tasks := make([]*state.Task, 0, len(wf.Tasks))
	for _, spec := range wf.Tasks {
		tasks = append(tasks, &state.Task{
			TaskID:          spec.TaskID,
			RunID:           runID,
			Command:         spec.Command,
			Inputs:          spec.Inputs,
			Cores:           spec.Cores,
			MemoryMB:        spec.MemoryMB,
			WalltimeSeconds: spec.WalltimeSecs,
			Dependencies:    spec.Dependencies,
			OperatorKey:     spec.OperatorKey,
			AllowFailure:    spec.AllowFailure,
			LogicalStatus:   state.TaskPending,
		})
	}
	return store.AddWorkflow(ctx, runID, tasks)
}

// openRegistry resolves the run's persisted operator wiring snapshot
// (a pure read once a run has been initialized) and builds the
// immutable Registry step_run's phases consult this tick.
func openRegistry(runRoot, runID string) (*operator.Registry, error) {
	resolved, err := wiring.Resolve(runID, runRoot, "", "", os.Getenv(config.EnvOperatorsConfig), false, nil, time.Now())
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved.SnapshotPath)
	if err != nil {
		return nil, fmt.Errorf("engine: read resolved wiring snapshot: %w", err)
	}
	parsed, err := wiring.Parse(data)
	if err != nil {
		return nil, err
	}
	return operator.NewRegistry(parsed)
}

// newRunID is a seam so tests can substitute a deterministic generator;
// production code always calls ids.New.
var newRunID = ids.New
