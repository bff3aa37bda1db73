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

	"github.com/matterstack/matterstack/internal/evidence"
	"github.com/matterstack/matterstack/internal/state"
)

func newExportEvidenceCommand(flags *globalFlags) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "export-evidence <run_id>",
		Short: "Export a run's full evidence bundle to a directory",
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

			bundle, err := evidence.BuildBundle(ctx, store, handle.RunRoot, handle.RunID)
			if err != nil {
				return Classify(err)
			}

			dir, err := evidence.ExportBundle(bundle, dest)
			if err != nil {
				return Classify(err)
			}

			if flags.jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"export_dir": dir})
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dest, "dest", "evidence", "directory to export the bundle under")
	return cmd
}
