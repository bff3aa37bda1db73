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

// Package cli assembles the matterstack command-line surface: init,
// step, loop, status, explain, the audited control commands, attempt
// inspection, and evidence export. Every command is a thin shell over
// internal/engine, internal/diagnostics, and internal/evidence — none
// of them hold orchestration logic of their own.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/matterstack/matterstack/internal/config"
)

// globalFlags are the root command's persistent flags, threaded down to
// every subcommand via their RunE closures.
type globalFlags struct {
	workspacesRoot string
	operatorsPath  string
	jsonOutput     bool
}

// NewRootCommand builds the matterstack root Cobra command and wires
// every subcommand onto it.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "matterstack",
		Short:         "Tick-based orchestration for long-running scientific campaigns",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.workspacesRoot, "workspaces-root", "", "workspaces root directory (default: $MATTERSTACK_WORKSPACES_ROOT or ./workspaces)")
	root.PersistentFlags().StringVar(&flags.operatorsPath, "operators-config", "", "explicit path to an operator wiring config, overriding workspace/env defaults")
	root.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "emit machine-readable JSON instead of styled text")

	root.AddCommand(
		newInitCommand(flags),
		newStepCommand(flags),
		newLoopCommand(flags),
		newStatusCommand(flags),
		newExplainCommand(flags),
		newPauseCommand(flags),
		newResumeCommand(flags),
		newCancelCommand(flags),
		newReviveCommand(flags),
		newRerunCommand(flags),
		newAttemptsCommand(flags),
		newCancelAttemptCommand(flags),
		newExportEvidenceCommand(flags),
	)

	return root
}

func (f *globalFlags) resolveWorkspacesRoot() string {
	return config.WorkspacesRoot(f.workspacesRoot)
}
