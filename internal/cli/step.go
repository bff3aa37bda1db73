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
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/matterstack/matterstack/internal/engine"
)

// resolveDeps builds the engine.Deps a run's tick needs: its
// workspace's registered Campaign, resolved the same way init resolved
// it when the run was created.
func resolveDeps(workspacesRoot string, handle *engine.RunHandle) (engine.Deps, error) {
	camp, err := loadCampaign(filepath.Join(workspacesRoot, handle.WorkspaceSlug))
	if err != nil {
		return engine.Deps{}, err
	}
	return engine.Deps{Campaign: camp}, nil
}

func newStepCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "step <run_id>",
		Short: "Run a single tick: POLL, PLAN, EXECUTE, ANALYZE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			handle, err := resolveRunHandle(ctx, flags.resolveWorkspacesRoot(), args[0])
			if err != nil {
				return Classify(err)
			}
			deps, err := resolveDeps(flags.resolveWorkspacesRoot(), handle)
			if err != nil {
				return Classify(err)
			}
			if err := engine.StepRun(ctx, handle, deps); err != nil {
				return Classify(err)
			}
			return nil
		},
	}
}

func newLoopCommand(flags *globalFlags) *cobra.Command {
	var tickSeconds int
	var daemon bool

	cmd := &cobra.Command{
		Use:   "loop [run_id]",
		Short: "Run ticks until the run reaches a terminal status, or service every active run as a daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workspacesRoot := flags.resolveWorkspacesRoot()
			interval := time.Duration(tickSeconds) * time.Second

			if daemon || len(args) == 0 {
				return runDaemonAcrossWorkspaces(ctx, workspacesRoot, interval)
			}

			handle, err := resolveRunHandle(ctx, workspacesRoot, args[0])
			if err != nil {
				return Classify(err)
			}
			deps, err := resolveDeps(workspacesRoot, handle)
			if err != nil {
				return Classify(err)
			}
			if err := engine.RunUntilCompletion(ctx, handle, deps, interval); err != nil {
				return Classify(err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tickSeconds, "interval", 5, "seconds between ticks")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "service every active run across every workspace, round-robin")
	return cmd
}

// runDaemonAcrossWorkspaces runs engine.RunDaemon once per workspace
// slug concurrently, since each workspace's runs live under their own
// runs/ root and RunDaemon only scans one such root per call.
func runDaemonAcrossWorkspaces(ctx context.Context, workspacesRoot string, interval time.Duration) error {
	slugs, err := listWorkspaceSlugs(workspacesRoot)
	if err != nil {
		return Classify(err)
	}

	errCh := make(chan error, len(slugs))
	for _, slug := range slugs {
		slug := slug
		go func() {
			deps, err := resolveDeps(workspacesRoot, &engine.RunHandle{WorkspaceSlug: slug})
			if err != nil {
				errCh <- err
				return
			}
			errCh <- engine.RunDaemon(ctx, runsRootFor(workspacesRoot, slug), deps, interval)
		}()
	}

	var firstErr error
	for range slugs {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return Classify(firstErr)
	}
	return nil
}
