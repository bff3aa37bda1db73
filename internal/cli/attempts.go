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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matterstack/matterstack/internal/state"
)

func newAttemptsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "attempts <run_id> <task_id>",
		Short: "List every attempt ever recorded for a task, oldest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			handle, err := resolveRunHandle(ctx, flags.resolveWorkspacesRoot(), args[0])
			if err != nil {
				return Classify(err)
			}

			store, err := state.Open(ctx, handle.RunRoot, handle.RunID)
			if err != nil {
				return Classify(err)
			}
			defer store.Close()

			attempts, err := store.ListAttempts(ctx, args[1])
			if err != nil {
				return Classify(err)
			}

			if flags.jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(attempts)
			}
			printAttempts(cmd, attempts)
			return nil
		},
	}
}

func printAttempts(cmd *cobra.Command, attempts []*state.Attempt) {
	out := cmd.OutOrStdout()
	if len(attempts) == 0 {
		fmt.Fprintln(out, Muted.Render("no attempts recorded"))
		return
	}
	for _, a := range attempts {
		fmt.Fprintf(out, "%s %s %s\n", Bold.Render(fmt.Sprintf("#%d", a.AttemptIndex)), a.AttemptID, StyleForRunStatus(string(a.Status)).Render(string(a.Status)))
		if a.Reason != "" {
			fmt.Fprintf(out, "  %s\n", a.Reason)
		}
	}
}
