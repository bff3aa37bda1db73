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

	"github.com/matterstack/matterstack/internal/diagnostics"
	"github.com/matterstack/matterstack/internal/state"
)

func newExplainCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "explain <run_id>",
		Short: "Show what every non-terminal task is waiting on, and what to do about it",
		Args:  cobra.ExactArgs(1),
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

			items, err := diagnostics.Frontier(ctx, store, handle.RunID)
			if err != nil {
				return Classify(err)
			}

			if flags.jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(items)
			}
			printFrontier(cmd, items)
			return nil
		},
	}
}

func printFrontier(cmd *cobra.Command, items []diagnostics.Item) {
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, Muted.Render("no non-terminal tasks"))
		return
	}
	for _, item := range items {
		fmt.Fprintf(out, "%s %s\n", Bold.Render(item.TaskID), Muted.Render(string(item.Classification)))
		if len(item.BlockingDependencies) > 0 {
			fmt.Fprintf(out, "  waiting on: %v\n", item.BlockingDependencies)
		}
		if item.Hint != "" {
			fmt.Fprintf(out, "  %s\n", item.Hint)
		}
	}
}
