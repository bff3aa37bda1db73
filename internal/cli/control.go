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
	"os"

	"github.com/spf13/cobra"

	"github.com/matterstack/matterstack/internal/engine"
)

// controlActor names the operator who issued a control command, for the
// audit trail. A human at a terminal is identified by their OS user;
// automation should set MATTERSTACK_ACTOR to something more specific.
func controlActor() string {
	if actor := os.Getenv("MATTERSTACK_ACTOR"); actor != "" {
		return actor
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "cli"
}

func newPauseCommand(flags *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <run_id>",
		Short: "Pause a running run: EXECUTE is skipped until resumed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := resolveRunHandle(cmd.Context(), flags.resolveWorkspacesRoot(), args[0])
			if err != nil {
				return Classify(err)
			}
			if err := engine.Pause(cmd.Context(), handle, controlActor(), reason); err != nil {
				return Classify(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

func newResumeCommand(flags *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "resume <run_id>",
		Short: "Resume a paused run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := resolveRunHandle(cmd.Context(), flags.resolveWorkspacesRoot(), args[0])
			if err != nil {
				return Classify(err)
			}
			if err := engine.Resume(cmd.Context(), handle, controlActor(), reason); err != nil {
				return Classify(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

func newCancelCommand(flags *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a non-terminal run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := resolveRunHandle(cmd.Context(), flags.resolveWorkspacesRoot(), args[0])
			if err != nil {
				return Classify(err)
			}
			if err := engine.Cancel(cmd.Context(), handle, controlActor(), reason); err != nil {
				return Classify(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	if err := cmd.MarkFlagRequired("reason"); err != nil {
		panic(err)
	}
	return cmd
}

func newReviveCommand(flags *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revive <run_id>",
		Short: "Move a terminal (COMPLETED, FAILED or CANCELLED) run back to RUNNING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := resolveRunHandle(cmd.Context(), flags.resolveWorkspacesRoot(), args[0])
			if err != nil {
				return Classify(err)
			}
			if err := engine.Revive(cmd.Context(), handle, controlActor(), reason); err != nil {
				return Classify(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	if err := cmd.MarkFlagRequired("reason"); err != nil {
		panic(err)
	}
	return cmd
}

func newRerunCommand(flags *globalFlags) *cobra.Command {
	var recursive bool
	var reason string
	cmd := &cobra.Command{
		Use:   "rerun <run_id> <task_id>",
		Short: "Reset a task (and, with --recursive, everything depending on it) back to PENDING",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := resolveRunHandle(cmd.Context(), flags.resolveWorkspacesRoot(), args[0])
			if err != nil {
				return Classify(err)
			}
			if err := engine.Rerun(cmd.Context(), handle, args[1], recursive, controlActor(), reason); err != nil {
				return Classify(err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&recursive, "recursive", false, "also reset every task transitively depending on this one")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

func newCancelAttemptCommand(flags *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel-attempt <run_id> <attempt_id>",
		Short: "Mark a single non-terminal attempt cancelled and fail its task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := resolveRunHandle(cmd.Context(), flags.resolveWorkspacesRoot(), args[0])
			if err != nil {
				return Classify(err)
			}
			if err := engine.CancelAttempt(cmd.Context(), handle, args[1], controlActor(), reason); err != nil {
				return Classify(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}
