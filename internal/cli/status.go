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
	"sort"

	"github.com/spf13/cobra"

	"github.com/matterstack/matterstack/internal/evidence"
	"github.com/matterstack/matterstack/internal/state"
)

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Show a run's status and task state counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workspacesRoot := flags.resolveWorkspacesRoot()
			handle, err := resolveRunHandle(ctx, workspacesRoot, args[0])
			if err != nil {
				return Classify(err)
			}

			store, err := state.Open(ctx, handle.RunRoot, handle.RunID)
			if err != nil {
				return Classify(err)
			}
			defer store.Close()

			bundle, err := evidence.BuildBundle(ctx, store, handle.RunRoot, handle.RunID)
			if err != nil {
				return Classify(err)
			}

			if flags.jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(bundle)
			}
			printStatus(cmd, bundle)
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, bundle *evidence.Bundle) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", RenderLabel("run:"), bundle.RunID)
	fmt.Fprintf(out, "%s %s\n", RenderLabel("status:"), StyleForRunStatus(bundle.Status).Render(bundle.Status))
	if bundle.StatusReason != "" {
		fmt.Fprintf(out, "%s %s\n", RenderLabel("reason:"), bundle.StatusReason)
	}

	statuses := make([]string, 0, len(bundle.StatusCounts))
	for s := range bundle.StatusCounts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	fmt.Fprintln(out, Header.Render("tasks"))
	for _, s := range statuses {
		fmt.Fprintf(out, "  %s %d\n", StyleForRunStatus(s).Render(s), bundle.StatusCounts[s])
	}
}
